package treaty

import (
	"context"
	"fmt"
	"strings"

	"TratoChat/module/treaty/model"
	"TratoChat/module/treaty/notify"
	"TratoChat/module/treaty/presence"
	"TratoChat/module/treaty/ratelimit"
	"TratoChat/module/treaty/status"
	"TratoChat/service/bus"
	"TratoChat/tools/errs"
)

// RateLimited carries the limiter's verdict up to the transport so it can
// answer the sender with reason and retry hint.
type RateLimited struct {
	Decision ratelimit.Decision
}

func (e *RateLimited) Error() string {
	return fmt.Sprintf("rate limited: %s (retry in %s)", e.Decision.Reason, e.Decision.RetryAfter)
}

// Engine is the front door of the conversation layer. It owns no state of
// its own; it sequences the limiter, the room directory and the trackers.
type Engine struct {
	Dir      *Directory
	Limiter  *ratelimit.Limiter
	Status   *status.Tracker
	Presence *presence.Tracker
	Notify   *notify.Dispatcher
}

// SendMessage checks the limiter first; a rejection never reaches the
// room and never enters the sliding window.
func (e *Engine) SendMessage(ctx context.Context, conversationID string, req SendRequest) (*model.Message, error) {
	if conversationID == "" || req.SenderID == "" {
		return nil, errs.ErrValidation.WrapMsg("conversation_id and sender_id required")
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Attachments) == 0 {
		return nil, errs.ErrValidation.WrapMsg("empty message")
	}

	if dec := e.Limiter.Check(req.SenderID, req.Text); !dec.Allowed {
		return nil, &RateLimited{Decision: dec}
	}

	room, err := e.Dir.GetOrStart(conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := room.Send(ctx, req)
	if err != nil && errs.ErrRoomTerminated.Is(err) {
		// lost the race against inactivity termination; one respawn retry
		room, err = e.Dir.GetOrStart(conversationID)
		if err != nil {
			return nil, err
		}
		return room.Send(ctx, req)
	}
	return msg, err
}

// Join registers presence and wakes the room; any interaction with a
// conversation spawns its actor on demand.
func (e *Engine) Join(conversationID, userID string, meta map[string]any) error {
	room, err := e.Dir.GetOrStart(conversationID)
	if err != nil {
		return err
	}
	room.Join(JoinInfo{UserID: userID, Meta: meta})
	e.Presence.Join(bus.ConversationTopic(conversationID), userID, meta)
	e.Status.TouchParticipant(conversationID, userID)
	return nil
}

func (e *Engine) Leave(conversationID, userID string) {
	e.Presence.Leave(bus.ConversationTopic(conversationID), userID)
}

func (e *Engine) StartTyping(conversationID, userID string) error {
	room, err := e.Dir.GetOrStart(conversationID)
	if err != nil {
		return err
	}
	room.StartTyping(userID)
	return nil
}

func (e *Engine) StopTyping(conversationID, userID string) error {
	room, err := e.Dir.GetOrStart(conversationID)
	if err != nil {
		return err
	}
	room.StopTyping(userID)
	return nil
}

// History serves the recent cache, waking the room (and its store load)
// when needed.
func (e *Engine) History(ctx context.Context, conversationID string) ([]model.Message, error) {
	room, err := e.Dir.GetOrStart(conversationID)
	if err != nil {
		return nil, err
	}
	return room.Recent(ctx)
}

func (e *Engine) MarkDelivered(messageID, userID string) {
	e.Status.MarkDelivered(messageID, userID)
}

// MarkRead records the receipt and plays the author's read sound.
func (e *Engine) MarkRead(messageID, userID string) {
	e.Status.MarkRead(messageID, userID)
	if sender, ok := e.Status.SenderOf(messageID); ok {
		e.Notify.NotifyMessageRead(sender, messageID, userID)
	}
}

// MarkAllReadUntil clears the backlog in one pass; each affected author
// hears a single bulk sound.
func (e *Engine) MarkAllReadUntil(lastMessageID, userID, conversationID string) int {
	count, senders := e.Status.MarkAllReadUntil(lastMessageID, userID, conversationID)
	if count > 0 {
		for _, sender := range senders {
			e.Notify.NotifyBulkRead(sender, conversationID, count, userID)
		}
	}
	return count
}

// Viewing is the client's "I am looking at this conversation" heartbeat.
func (e *Engine) Viewing(userID, conversationID string) {
	e.Status.Heartbeat(userID, conversationID)
}

func (e *Engine) UnreadCount(userID, conversationID string) int {
	return e.Status.GetUnreadCount(userID, conversationID)
}

func (e *Engine) MessageStatus(messageID string) status.MessageStatus {
	return e.Status.GetStatus(messageID)
}

func (e *Engine) UpdateSettings(userID string, raw map[string]any) (notify.Settings, error) {
	return e.Notify.UpdateSettings(userID, raw)
}

func (e *Engine) GetSettings(userID string) notify.Settings {
	return e.Notify.GetSettings(userID)
}

func (e *Engine) ActiveRooms() []presence.RoomInfo {
	return e.Presence.ActiveRooms()
}

// ResetLimits is the admin escape hatch for a throttled sender.
func (e *Engine) ResetLimits(senderID string) {
	e.Limiter.Reset(senderID)
}

func (e *Engine) Violations(senderID string) map[string]ratelimit.Violation {
	return e.Limiter.Violations(senderID)
}

// FanOutMessage is the room OnMessage hook. Recipients are the
// conversation's known participants merged with whoever is connected to
// the topic right now, so offline users still reach the e-mail digest;
// the dispatcher's presence check picks the channel per recipient.
// Mentioned users get the stronger variant.
func (e *Engine) FanOutMessage(msg *model.Message) {
	recipients := e.recipients(msg.ConversationID)
	mentioned := mentionSet(msg.Text, recipients)

	var mentionIDs []string
	for _, uid := range recipients {
		if uid == msg.SenderID {
			continue
		}
		if _, ok := mentioned[uid]; ok {
			mentionIDs = append(mentionIDs, uid)
			continue
		}
		e.Notify.NotifyNewMessage(msg, uid)
	}
	if len(mentionIDs) > 0 {
		e.Notify.NotifyMention(msg, mentionIDs)
	}
}

// recipients unions the status tracker's participant set (anyone who ever
// sent, marked, heartbeat or joined) with the topic's live connections.
func (e *Engine) recipients(conversationID string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, uid := range e.Status.Participants(conversationID) {
		if _, ok := seen[uid]; !ok {
			seen[uid] = struct{}{}
			out = append(out, uid)
		}
	}
	for _, p := range e.Presence.List(bus.ConversationTopic(conversationID)) {
		if p.UserID == "" {
			continue
		}
		if _, ok := seen[p.UserID]; !ok {
			seen[p.UserID] = struct{}{}
			out = append(out, p.UserID)
		}
	}
	return out
}

// mentionSet matches @tokens in the text against recipient ids.
func mentionSet(text string, recipients []string) map[string]struct{} {
	out := make(map[string]struct{})
	if !strings.Contains(text, "@") {
		return out
	}
	lower := strings.ToLower(text)
	for _, uid := range recipients {
		if uid == "" {
			continue
		}
		if strings.Contains(lower, "@"+strings.ToLower(uid)) {
			out[uid] = struct{}{}
		}
	}
	return out
}
