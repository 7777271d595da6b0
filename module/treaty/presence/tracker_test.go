package presence

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"TratoChat/service/bus"
)

type recordedEvent struct {
	topic string
	name  string
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBus) Publish(topic, name string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{topic: topic, name: name})
	return nil
}

func (b *fakeBus) Subscribe(string) (<-chan bus.Event, func(), error) {
	return make(chan bus.Event), func() {}, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) count(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func newTestTracker(now *time.Time) (*Tracker, *fakeBus) {
	fb := &fakeBus{}
	return NewTracker(Config{Clock: func() time.Time { return *now }}, fb), fb
}

func TestJoinLeave(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)
	topic := bus.ConversationTopic("c1")

	tr.Join(topic, "alice", map[string]any{"role": "agent"})
	tr.Join(topic, "bob", nil)

	if !tr.IsPresent(topic, "alice") || !tr.IsPresent(topic, "bob") {
		t.Fatal("joined users should be present")
	}
	if len(tr.List(topic)) != 2 {
		t.Fatalf("list = %d, want 2", len(tr.List(topic)))
	}

	tr.Leave(topic, "alice")
	if tr.IsPresent(topic, "alice") {
		t.Fatal("left user still present")
	}
	if !tr.IsPresent(topic, "bob") {
		t.Fatal("bob should remain")
	}
}

func TestJoinIdempotent(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)
	topic := bus.ConversationTopic("c1")

	tr.Join(topic, "alice", nil)
	tr.Join(topic, "alice", map[string]any{"tab": "2"})
	if got := len(tr.List(topic)); got != 1 {
		t.Fatalf("duplicate join produced %d entries", got)
	}

	tr.Leave(topic, "alice")
	tr.Leave(topic, "alice") // double leave is a no-op
	if tr.IsPresent(topic, "alice") {
		t.Fatal("alice should be gone")
	}
}

func TestEmptyTopicRemoved(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, fb := newTestTracker(&now)
	topic := bus.ConversationTopic("c1")

	tr.Join(topic, "alice", nil)
	tr.Leave(topic, "alice")

	if len(tr.ActiveRooms()) != 0 {
		t.Fatal("empty room should drop off the active list")
	}
	if fb.count(bus.EvRoomRemoved) != 1 {
		t.Fatalf("room_removed events = %d, want 1", fb.count(bus.EvRoomRemoved))
	}
}

func TestActiveRoomsOrderAndCap(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)

	for i := 0; i < 25; i++ {
		now = now.Add(time.Second)
		tr.Join(bus.ConversationTopic(fmt.Sprintf("c%02d", i)), "alice", nil)
	}

	rooms := tr.ActiveRooms()
	if len(rooms) != 20 {
		t.Fatalf("rooms = %d, want cap of 20", len(rooms))
	}
	if rooms[0].ConversationID != "c24" {
		t.Fatalf("most recent first, got %s", rooms[0].ConversationID)
	}
	for i := 1; i < len(rooms); i++ {
		if rooms[i].LastActivity.After(rooms[i-1].LastActivity) {
			t.Fatalf("rooms not sorted by recency at %d", i)
		}
	}
}

func TestTouchBumpsActivity(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)

	tr.Join(bus.ConversationTopic("old"), "alice", nil)
	now = now.Add(time.Minute)
	tr.Join(bus.ConversationTopic("new"), "bob", nil)

	now = now.Add(time.Minute)
	tr.Touch("old") // message traffic counts as activity

	rooms := tr.ActiveRooms()
	if rooms[0].ConversationID != "old" {
		t.Fatalf("touched room should lead, got %s", rooms[0].ConversationID)
	}
}

func TestNonConversationTopicsExcluded(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	tr, _ := newTestTracker(&now)

	tr.Join(bus.UserTopic("alice"), "alice", nil)
	if len(tr.ActiveRooms()) != 0 {
		t.Fatal("user topics must not appear in the rooms view")
	}
}
