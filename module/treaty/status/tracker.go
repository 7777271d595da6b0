package status

import (
	"context"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/module/treaty/model"
	"TratoChat/module/treaty/store"
	"TratoChat/service/bus"
	"TratoChat/tools/safe"
)

const (
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// StatusUpdate is the point receipt tick on a per-message topic.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
}

// BulkReadUpdate is the "N messages marked read" event on the
// conversation topic.
type BulkReadUpdate struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// MessageStatus is the aggregate view of one message.
type MessageStatus struct {
	DeliveredTo []string `json:"delivered_to"`
	ReadBy      []string `json:"read_by"`
}

type Config struct {
	SweepEvery        time.Duration // 10m
	StatusRetention   time.Duration // 7d
	PresenceRetention time.Duration // 1d
	ViewingWindow     time.Duration // 30s
	Clock             func() time.Time
}

func (c *Config) norm() {
	if c.SweepEvery <= 0 {
		c.SweepEvery = 10 * time.Minute
	}
	if c.StatusRetention <= 0 {
		c.StatusRetention = 7 * 24 * time.Hour
	}
	if c.PresenceRetention <= 0 {
		c.PresenceRetention = 24 * time.Hour
	}
	if c.ViewingWindow <= 0 {
		c.ViewingWindow = 30 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

type userMark struct {
	deliveredAt time.Time
	readAt      time.Time
}

type msgEntry struct {
	conversationID string
	senderID       string
	registeredAt   time.Time
	marks          map[string]*userMark // userID -> mark
}

type heartbeat struct {
	conversationID string
	lastSeen       time.Time
}

// Tracker is the concurrent delivery/read table plus the per-user presence
// heartbeats that drive notification suppression. Marks append; the only
// mutation of an existing mark is the delivered→read upgrade.
type Tracker struct {
	mu       sync.RWMutex
	conf     Config
	messages map[string]*msgEntry            // messageID -> entry
	byConv   map[string][]string             // conversationID -> ordered messageIDs
	beats    map[string]heartbeat            // userID -> latest heartbeat
	parts    map[string]map[string]time.Time // conversationID -> userID -> last seen

	bus      bus.Bus
	receipts store.MessageStore // optional durable mirror, best-effort

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewTracker(conf Config, b bus.Bus, receipts store.MessageStore) *Tracker {
	conf.norm()
	t := &Tracker{
		conf:     conf,
		messages: make(map[string]*msgEntry),
		byConv:   make(map[string][]string),
		beats:    make(map[string]heartbeat),
		parts:    make(map[string]map[string]time.Time),
		bus:      b,
		receipts: receipts,
		stopCh:   make(chan struct{}),
	}
	safe.Go("status.sweeper", t.sweeper)
	return t
}

func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// RegisterMessage makes a broadcast message visible to unread counting and
// mark_all_read_until ordering. Rooms call it on every durable broadcast.
func (t *Tracker) RegisterMessage(conversationID, messageID, senderID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.messages[messageID]; ok {
		return
	}
	t.messages[messageID] = &msgEntry{
		conversationID: conversationID,
		senderID:       senderID,
		registeredAt:   now,
		marks:          make(map[string]*userMark),
	}
	t.byConv[conversationID] = append(t.byConv[conversationID], messageID)
	t.touchParticipantLocked(conversationID, senderID, now)
}

// TouchParticipant records userID in the conversation's recipient set.
// Sends, marks, heartbeats and joins all feed it, so the set outlives any
// live connection and covers recipients who are currently offline.
func (t *Tracker) TouchParticipant(conversationID, userID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	t.touchParticipantLocked(conversationID, userID, now)
	t.mu.Unlock()
}

func (t *Tracker) touchParticipantLocked(conversationID, userID string, now time.Time) {
	if conversationID == "" || userID == "" {
		return
	}
	p := t.parts[conversationID]
	if p == nil {
		p = make(map[string]time.Time)
		t.parts[conversationID] = p
	}
	p[userID] = now
}

// Participants lists everyone known to the conversation, connected or not.
func (t *Tracker) Participants(conversationID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p := t.parts[conversationID]
	out := make([]string, 0, len(p))
	for uid := range p {
		out = append(out, uid)
	}
	return out
}

func (t *Tracker) MarkDelivered(messageID, userID string) {
	if changed, conv := t.mark(messageID, userID, StatusDelivered); changed {
		t.broadcastPoint(messageID, userID, StatusDelivered)
		t.mirror(conv, messageID, userID, StatusDelivered)
	}
}

func (t *Tracker) MarkRead(messageID, userID string) {
	if changed, conv := t.mark(messageID, userID, StatusRead); changed {
		t.broadcastPoint(messageID, userID, StatusRead)
		t.mirror(conv, messageID, userID, StatusRead)
	}
}

// mark reports whether the table changed, plus the conversation the
// message belongs to.
func (t *Tracker) mark(messageID, userID, status string) (bool, string) {
	now := t.conf.Clock()
	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.messages[messageID]
	if e == nil {
		// Marks can race message registration (client acked before the
		// room registered); create a floating entry so nothing is lost.
		e = &msgEntry{registeredAt: now, marks: make(map[string]*userMark)}
		t.messages[messageID] = e
	}
	m := e.marks[userID]
	if m == nil {
		m = &userMark{}
		e.marks[userID] = m
	}

	switch status {
	case StatusDelivered:
		if !m.deliveredAt.IsZero() || !m.readAt.IsZero() {
			// read already implies delivered; never downgrade
			return false, e.conversationID
		}
		m.deliveredAt = now
	case StatusRead:
		if !m.readAt.IsZero() {
			return false, e.conversationID
		}
		m.readAt = now
		if m.deliveredAt.IsZero() {
			m.deliveredAt = now
		}
	default:
		return false, e.conversationID
	}
	t.touchParticipantLocked(e.conversationID, userID, now)
	return true, e.conversationID
}

// MarkAllReadUntil marks every registered message of the conversation up
// to and including lastMessageID as read by userID, then broadcasts one
// bulk update with the number of new marks. The second return lists the
// distinct authors whose messages were affected, for read-sound routing.
func (t *Tracker) MarkAllReadUntil(lastMessageID, userID, conversationID string) (int, []string) {
	now := t.conf.Clock()
	t.mu.Lock()
	// an unknown cutoff (a tmp- id, a foreign conversation's id) must not
	// turn into "mark everything"
	if cut := t.messages[lastMessageID]; cut == nil || cut.conversationID != conversationID {
		t.mu.Unlock()
		return 0, nil
	}
	t.touchParticipantLocked(conversationID, userID, now)
	count := 0
	senderSet := make(map[string]struct{})
	for _, id := range t.byConv[conversationID] {
		e := t.messages[id]
		if e == nil || e.senderID == userID {
			continue
		}
		m := e.marks[userID]
		if m == nil {
			m = &userMark{}
			e.marks[userID] = m
		}
		if m.readAt.IsZero() {
			m.readAt = now
			if m.deliveredAt.IsZero() {
				m.deliveredAt = now
			}
			count++
			if e.senderID != "" {
				senderSet[e.senderID] = struct{}{}
			}
			t.mirror(conversationID, id, userID, StatusRead)
		}
		if id == lastMessageID {
			break
		}
	}
	t.mu.Unlock()

	if count > 0 {
		t.publish(bus.ConversationTopic(conversationID), bus.EvBulkReadUpdate,
			BulkReadUpdate{UserID: userID, Count: count})
	}
	senders := make([]string, 0, len(senderSet))
	for s := range senderSet {
		senders = append(senders, s)
	}
	return count, senders
}

// SenderOf reports the registered author of a message.
func (t *Tracker) SenderOf(messageID string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.messages[messageID]
	if e == nil || e.senderID == "" {
		return "", false
	}
	return e.senderID, true
}

// Heartbeat records that userID is looking at conversationID right now.
// The latest heartbeat wins.
func (t *Tracker) Heartbeat(userID, conversationID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	t.beats[userID] = heartbeat{conversationID: conversationID, lastSeen: now}
	t.touchParticipantLocked(conversationID, userID, now)
	t.mu.Unlock()
}

// IsViewing reports whether the user's last heartbeat for the conversation
// is inside the viewing window.
func (t *Tracker) IsViewing(userID, conversationID string) bool {
	now := t.conf.Clock()
	t.mu.RLock()
	defer t.mu.RUnlock()
	hb, ok := t.beats[userID]
	if !ok || hb.conversationID != conversationID {
		return false
	}
	return now.Sub(hb.lastSeen) < t.conf.ViewingWindow
}

func (t *Tracker) GetStatus(messageID string) MessageStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := MessageStatus{DeliveredTo: []string{}, ReadBy: []string{}}
	e := t.messages[messageID]
	if e == nil {
		return out
	}
	for uid, m := range e.marks {
		if !m.deliveredAt.IsZero() {
			out.DeliveredTo = append(out.DeliveredTo, uid)
		}
		if !m.readAt.IsZero() {
			out.ReadBy = append(out.ReadBy, uid)
		}
	}
	return out
}

func (t *Tracker) GetUnreadCount(userID, conversationID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, id := range t.byConv[conversationID] {
		e := t.messages[id]
		if e == nil || e.senderID == userID {
			continue
		}
		m := e.marks[userID]
		if m == nil || m.readAt.IsZero() {
			n++
		}
	}
	return n
}

func (t *Tracker) broadcastPoint(messageID, userID, status string) {
	t.publish(bus.MessageStatusTopic(messageID), bus.EvStatusUpdate,
		StatusUpdate{MessageID: messageID, UserID: userID, Status: status})
}

func (t *Tracker) publish(topic, name string, payload any) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(topic, name, payload); err != nil {
		logger.Warnf("[status] publish %s failed: %v", name, err)
	}
}

// mirror writes the receipt to the durable store best-effort; receipt
// history is a UX affordance, not a correctness requirement.
func (t *Tracker) mirror(conv, messageID, userID, status string) {
	if t.receipts == nil {
		return
	}
	at := t.conf.Clock()
	safe.Go("status.mirror", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		err := t.receipts.InsertReceipt(ctx, model.ReadReceipt{
			MessageID:      messageID,
			ConversationID: conv,
			UserID:         userID,
			Status:         status,
			MarkedAt:       at,
		})
		if err != nil {
			logger.Debugf("[status] receipt mirror failed message=%s: %v", messageID, err)
		}
	})
}

func (t *Tracker) sweeper() {
	tick := time.NewTicker(t.conf.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-tick.C:
			t.sweepOnce()
		}
	}
}

func (t *Tracker) sweepOnce() {
	now := t.conf.Clock()
	statusCutoff := now.Add(-t.conf.StatusRetention)
	beatCutoff := now.Add(-t.conf.PresenceRetention)

	t.mu.Lock()
	defer t.mu.Unlock()

	for id, e := range t.messages {
		if e.registeredAt.Before(statusCutoff) {
			delete(t.messages, id)
		}
	}
	for conv, idList := range t.byConv {
		keep := idList[:0]
		for _, id := range idList {
			if _, ok := t.messages[id]; ok {
				keep = append(keep, id)
			}
		}
		if len(keep) == 0 {
			delete(t.byConv, conv)
		} else {
			t.byConv[conv] = keep
		}
	}
	for uid, hb := range t.beats {
		if hb.lastSeen.Before(beatCutoff) {
			delete(t.beats, uid)
		}
	}
	for conv, p := range t.parts {
		for uid, seen := range p {
			if seen.Before(statusCutoff) {
				delete(p, uid)
			}
		}
		if len(p) == 0 {
			delete(t.parts, conv)
		}
	}
}
