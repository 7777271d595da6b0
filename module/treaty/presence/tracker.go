package presence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/service/bus"
	redisstore "TratoChat/service/storage/redis"
	"TratoChat/tools/safe"
)

// Entry is one user connected to one topic. Ephemeral: it vanishes when
// the gateway reports the connection gone.
type Entry struct {
	UserID string         `json:"user_id"`
	Meta   map[string]any `json:"meta,omitempty"`
}

// RoomInfo feeds the operations view: active conversations with
// participant counts, most recent first.
type RoomInfo struct {
	ConversationID string    `json:"conversation_id"`
	Participants   int       `json:"participants"`
	LastActivity   time.Time `json:"last_activity"`
}

const (
	roomListCap = 20
	mirrorTTL   = 2 * time.Minute
)

type topicState struct {
	users        map[string]Entry
	lastActivity time.Time
}

type Config struct {
	Clock func() time.Time
	// MirrorRedis enables the best-effort redis presence mirror.
	MirrorRedis bool
}

// Tracker owns the topic -> users table. Join/leave of the same
// (topic, user) is idempotent; the last state wins.
type Tracker struct {
	mu     sync.RWMutex
	conf   Config
	topics map[string]*topicState
	bus    bus.Bus
}

func NewTracker(conf Config, b bus.Bus) *Tracker {
	if conf.Clock == nil {
		conf.Clock = time.Now
	}
	return &Tracker{conf: conf, topics: make(map[string]*topicState), bus: b}
}

func (t *Tracker) Join(topic, userID string, meta map[string]any) {
	now := t.conf.Clock()
	t.mu.Lock()
	ts := t.topics[topic]
	if ts == nil {
		ts = &topicState{users: make(map[string]Entry)}
		t.topics[topic] = ts
	}
	ts.users[userID] = Entry{UserID: userID, Meta: meta}
	ts.lastActivity = now
	count := len(ts.users)
	t.mu.Unlock()

	t.mirrorOnline(topic, userID)
	t.publishRoomUpdate(topic, count, now)
}

func (t *Tracker) Leave(topic, userID string) {
	now := t.conf.Clock()
	t.mu.Lock()
	ts := t.topics[topic]
	if ts == nil {
		t.mu.Unlock()
		return
	}
	delete(ts.users, userID)
	count := len(ts.users)
	if count == 0 {
		delete(t.topics, topic)
	} else {
		ts.lastActivity = now
	}
	t.mu.Unlock()

	t.mirrorOffline(topic, userID)
	if count == 0 {
		t.publishRoomRemoved(topic)
	} else {
		t.publishRoomUpdate(topic, count, now)
	}
}

func (t *Tracker) List(topic string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts := t.topics[topic]
	if ts == nil {
		return nil
	}
	out := make([]Entry, 0, len(ts.users))
	for _, e := range ts.users {
		out = append(out, e)
	}
	return out
}

// IsPresent reports whether the user is connected to the topic.
func (t *Tracker) IsPresent(topic, userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts := t.topics[topic]
	if ts == nil {
		return false
	}
	_, ok := ts.users[userID]
	return ok
}

// Touch bumps a conversation's activity clock (message traffic counts as
// activity even when nobody joins or leaves).
func (t *Tracker) Touch(conversationID string) {
	topic := bus.ConversationTopic(conversationID)
	now := t.conf.Clock()
	t.mu.Lock()
	ts := t.topics[topic]
	var count int
	if ts != nil {
		ts.lastActivity = now
		count = len(ts.users)
	}
	t.mu.Unlock()
	if ts != nil {
		t.publishRoomUpdate(topic, count, now)
	}
}

// ActiveRooms returns the most recently active conversation rooms,
// capped to the 20 most recent.
func (t *Tracker) ActiveRooms() []RoomInfo {
	t.mu.RLock()
	out := make([]RoomInfo, 0, len(t.topics))
	for topic, ts := range t.topics {
		conv, ok := conversationOf(topic)
		if !ok {
			continue
		}
		out = append(out, RoomInfo{
			ConversationID: conv,
			Participants:   len(ts.users),
			LastActivity:   ts.lastActivity,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if len(out) > roomListCap {
		out = out[:roomListCap]
	}
	return out
}

func conversationOf(topic string) (string, bool) {
	const prefix = "conversation:"
	if strings.HasPrefix(topic, prefix) {
		return topic[len(prefix):], true
	}
	return "", false
}

func (t *Tracker) publishRoomUpdate(topic string, participants int, at time.Time) {
	conv, ok := conversationOf(topic)
	if !ok || t.bus == nil {
		return
	}
	err := t.bus.Publish(bus.RoomsTopic, bus.EvRoomUpdated, RoomInfo{
		ConversationID: conv,
		Participants:   participants,
		LastActivity:   at,
	})
	if err != nil {
		logger.Debugf("[presence] room update publish failed: %v", err)
	}
}

func (t *Tracker) publishRoomRemoved(topic string) {
	conv, ok := conversationOf(topic)
	if !ok || t.bus == nil {
		return
	}
	err := t.bus.Publish(bus.RoomsTopic, bus.EvRoomRemoved, map[string]string{
		"conversation_id": conv,
	})
	if err != nil {
		logger.Debugf("[presence] room removed publish failed: %v", err)
	}
}

// presence mirror key: trato:presence:<topic>:<user>
func mirrorKey(topic, userID string) string {
	return "trato:presence:" + topic + ":" + userID
}

func (t *Tracker) mirrorOnline(topic, userID string) {
	if !t.conf.MirrorRedis || !redisstore.Ready() {
		return
	}
	safe.Go("presence.mirror", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisstore.GetRedis().Set(ctx, mirrorKey(topic, userID), "1", mirrorTTL).Err(); err != nil {
			logger.Debugf("[presence] mirror online failed: %v", err)
		}
	})
}

func (t *Tracker) mirrorOffline(topic, userID string) {
	if !t.conf.MirrorRedis || !redisstore.Ready() {
		return
	}
	safe.Go("presence.mirror", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := redisstore.GetRedis().Del(ctx, mirrorKey(topic, userID)).Err(); err != nil {
			logger.Debugf("[presence] mirror offline failed: %v", err)
		}
	})
}
