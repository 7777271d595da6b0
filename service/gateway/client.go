package gateway

import (
	"context"
	"encoding/json"
	"time"

	"TratoChat/logger"
	"TratoChat/module/treaty"
	"TratoChat/module/treaty/model"
	"TratoChat/service/bus"
	"TratoChat/tools/errs"
	"TratoChat/tools/safe"

	"github.com/gorilla/websocket"
)

// Inbound frame types.
const (
	FrameJoin             = "join"
	FrameLeave            = "leave"
	FrameSendMessage      = "send_message"
	FrameStartTyping      = "start_typing"
	FrameStopTyping       = "stop_typing"
	FrameMarkDelivered    = "mark_delivered"
	FrameMarkRead         = "mark_read"
	FrameMarkAllReadUntil = "mark_all_read_until"
	FrameViewing          = "viewing"
	FrameWatchStatus      = "watch_status"
	FrameUpdateSettings   = "update_settings"
	FrameGetSettings      = "get_settings"
	FrameUnreadCount      = "unread_count"
)

// Outbound frame types beyond forwarded bus events.
const (
	FrameAck      = "ack"
	FrameError    = "error"
	FrameSettings = "settings"
	FrameUnread   = "unread"
)

type inFrame struct {
	Type           string             `json:"type"`
	ConversationID string             `json:"conversation_id,omitempty"`
	MessageID      string             `json:"message_id,omitempty"`
	LastMessageID  string             `json:"last_message_id,omitempty"`
	Text           string             `json:"text,omitempty"`
	Tip            string             `json:"tip,omitempty"`
	Attachments    []model.Attachment `json:"attachments,omitempty"`
	Settings       map[string]any     `json:"settings,omitempty"`
	Meta           map[string]any     `json:"meta,omitempty"`
	Seq            int64              `json:"seq,omitempty"`
}

type outFrame struct {
	Type              string `json:"type"`
	Topic             string `json:"topic,omitempty"`
	Data              any    `json:"data,omitempty"`
	Error             string `json:"error,omitempty"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Seq               int64  `json:"seq,omitempty"`
}

// encodeEvent wraps a bus event into the wire frame clients consume.
func encodeEvent(ev bus.Event) ([]byte, error) {
	return json.Marshal(struct {
		Type  string          `json:"type"`
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data,omitempty"`
	}{Type: ev.Name, Topic: ev.Topic, Data: ev.Data})
}

const (
	writeDeadline = 5 * time.Second
	pingEvery     = 30 * time.Second
	readDeadline  = 90 * time.Second
	maxFrameBytes = 64 << 10
	engineTimeout = 10 * time.Second
)

// client couples one WsConn to the engine for the lifetime of the socket.
type client struct {
	wc     *WsConn
	mgr    *ConnManager
	engine *treaty.Engine
	bus    bus.Bus

	// conversations this socket joined, cleaned up on disconnect
	joined map[string]struct{}
}

func runClient(wc *WsConn, mgr *ConnManager, engine *treaty.Engine, b bus.Bus) {
	c := &client{wc: wc, mgr: mgr, engine: engine, bus: b, joined: make(map[string]struct{})}

	// every socket always hears its own user and sound topics
	if err := wc.Subscribe(b, bus.UserTopic(wc.UserID)); err != nil {
		logger.Warnf("[gateway] user topic subscribe failed user=%s: %v", wc.UserID, err)
	}
	if err := wc.Subscribe(b, bus.SoundTopic(wc.UserID)); err != nil {
		logger.Warnf("[gateway] sound topic subscribe failed user=%s: %v", wc.UserID, err)
	}

	safe.Go("gateway.write."+wc.SnowID, c.writePump)
	c.readPump()
}

func (c *client) writePump() {
	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-c.wc.closed:
			return
		case data := <-c.wc.SendChan:
			if err := writeText(c.wc.Conn, data); err != nil {
				c.teardown()
				return
			}
		case <-ping.C:
			_ = c.wc.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.wc.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer c.teardown()

	c.wc.Conn.SetReadLimit(maxFrameBytes)
	_ = c.wc.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.mgr.AttachPongHandler(c.wc.Conn, c.wc.SnowID)
	handler := c.wc.Conn.PongHandler()
	c.wc.Conn.SetPongHandler(func(appData string) error {
		_ = c.wc.Conn.SetReadDeadline(time.Now().Add(readDeadline))
		return handler(appData)
	})

	for {
		_, data, err := c.wc.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("[gateway] read error user=%s: %v", c.wc.UserID, err)
			}
			return
		}
		_ = c.wc.Conn.SetReadDeadline(time.Now().Add(readDeadline))

		if !c.wc.AllowFrame() {
			c.sendError(0, "slow_down", "", 0)
			continue
		}

		var f inFrame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError(0, "bad_frame", "", 0)
			continue
		}
		c.dispatch(&f)
	}
}

// teardown leaves every joined conversation so presence never outlives
// the socket.
func (c *client) teardown() {
	for conv := range c.joined {
		c.engine.Leave(conv, c.wc.UserID)
	}
	c.joined = map[string]struct{}{}
	c.mgr.Remove(c.wc.SnowID)
}

func (c *client) dispatch(f *inFrame) {
	switch f.Type {
	case FrameJoin:
		c.handleJoin(f)
	case FrameLeave:
		c.handleLeave(f)
	case FrameSendMessage:
		c.handleSend(f)
	case FrameStartTyping:
		if f.ConversationID != "" {
			if err := c.engine.StartTyping(f.ConversationID, c.wc.UserID); err != nil {
				c.sendError(f.Seq, "typing_failed", "", 0)
			}
		}
	case FrameStopTyping:
		if f.ConversationID != "" {
			if err := c.engine.StopTyping(f.ConversationID, c.wc.UserID); err != nil {
				c.sendError(f.Seq, "typing_failed", "", 0)
			}
		}
	case FrameMarkDelivered:
		c.engine.MarkDelivered(f.MessageID, c.wc.UserID)
	case FrameMarkRead:
		c.engine.MarkRead(f.MessageID, c.wc.UserID)
	case FrameMarkAllReadUntil:
		if f.ConversationID != "" && f.LastMessageID != "" {
			c.engine.MarkAllReadUntil(f.LastMessageID, c.wc.UserID, f.ConversationID)
		}
	case FrameViewing:
		if f.ConversationID != "" {
			c.engine.Viewing(c.wc.UserID, f.ConversationID)
		}
	case FrameWatchStatus:
		if f.MessageID != "" {
			if err := c.wc.Subscribe(c.bus, bus.MessageStatusTopic(f.MessageID)); err != nil {
				c.sendError(f.Seq, "subscribe_failed", "", 0)
			}
		}
	case FrameUpdateSettings:
		c.handleUpdateSettings(f)
	case FrameGetSettings:
		c.reply(outFrame{Type: FrameSettings, Data: c.engine.GetSettings(c.wc.UserID), Seq: f.Seq})
	case FrameUnreadCount:
		if f.ConversationID != "" {
			c.reply(outFrame{
				Type: FrameUnread,
				Data: map[string]any{
					"conversation_id": f.ConversationID,
					"count":           c.engine.UnreadCount(c.wc.UserID, f.ConversationID),
				},
				Seq: f.Seq,
			})
		}
	default:
		c.sendError(f.Seq, "unknown_frame", f.Type, 0)
	}
}

func (c *client) handleJoin(f *inFrame) {
	if f.ConversationID == "" {
		c.sendError(f.Seq, "bad_frame", "conversation_id required", 0)
		return
	}
	if err := c.engine.Join(f.ConversationID, c.wc.UserID, f.Meta); err != nil {
		c.sendError(f.Seq, "join_failed", "", 0)
		return
	}
	if err := c.wc.Subscribe(c.bus, bus.ConversationTopic(f.ConversationID)); err != nil {
		c.sendError(f.Seq, "subscribe_failed", "", 0)
		return
	}
	c.joined[f.ConversationID] = struct{}{}
	c.reply(outFrame{Type: FrameAck, Data: map[string]string{"conversation_id": f.ConversationID}, Seq: f.Seq})
}

func (c *client) handleLeave(f *inFrame) {
	if f.ConversationID == "" {
		return
	}
	c.engine.Leave(f.ConversationID, c.wc.UserID)
	c.wc.Unsubscribe(bus.ConversationTopic(f.ConversationID))
	delete(c.joined, f.ConversationID)
}

func (c *client) handleSend(f *inFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), engineTimeout)
	defer cancel()

	msg, err := c.engine.SendMessage(ctx, f.ConversationID, treaty.SendRequest{
		SenderID:    c.wc.UserID,
		Text:        f.Text,
		Tip:         f.Tip,
		Attachments: f.Attachments,
	})
	if err != nil {
		// the rejection goes to this sender only; other participants
		// never see throttled traffic
		if rl, ok := err.(*treaty.RateLimited); ok {
			c.sendError(f.Seq, "rate_limited", rl.Decision.Reason, int(rl.Decision.RetryAfter.Seconds()))
			return
		}
		if errs.ErrValidation.Is(err) {
			c.sendError(f.Seq, "invalid_message", "", 0)
			return
		}
		logger.Errorf("[gateway] send failed user=%s conv=%s: %v", c.wc.UserID, f.ConversationID, err)
		c.sendError(f.Seq, "send_failed", "", 0)
		return
	}
	c.reply(outFrame{Type: FrameAck, Data: map[string]string{"message_id": msg.ID}, Seq: f.Seq})
}

func (c *client) handleUpdateSettings(f *inFrame) {
	s, err := c.engine.UpdateSettings(c.wc.UserID, f.Settings)
	if err != nil {
		c.sendError(f.Seq, "invalid_settings", "", 0)
		return
	}
	c.reply(outFrame{Type: FrameSettings, Data: s, Seq: f.Seq})
}

func (c *client) reply(f outFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.wc.Enqueue(data)
}

func (c *client) sendError(seq int64, code, reason string, retryAfterSec int) {
	c.reply(outFrame{Type: FrameError, Error: code, Reason: reason, RetryAfterSeconds: retryAfterSec, Seq: seq})
}

func writeText(conn *websocket.Conn, data []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
