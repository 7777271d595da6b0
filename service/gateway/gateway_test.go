package gateway

import (
	"encoding/json"
	"testing"
	"time"

	"TratoChat/service/bus"

	"golang.org/x/time/rate"
)

func TestEncodeEvent(t *testing.T) {
	raw, err := encodeEvent(bus.Event{
		Topic: bus.ConversationTopic("c1"),
		Name:  bus.EvNewMessage,
		Data:  json.RawMessage(`{"id":"m1"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	var out struct {
		Type  string          `json:"type"`
		Topic string          `json:"topic"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if out.Type != bus.EvNewMessage || out.Topic != "conversation:c1" {
		t.Fatalf("frame = %+v", out)
	}
	if string(out.Data) != `{"id":"m1"}` {
		t.Fatalf("data = %s", out.Data)
	}
}

func TestRateLimitErrorFrame(t *testing.T) {
	raw, err := json.Marshal(outFrame{
		Type:              FrameError,
		Error:             "rate_limited",
		Reason:            "too_many_messages",
		RetryAfterSeconds: 63,
	})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	if m["error"] != "rate_limited" || m["reason"] != "too_many_messages" {
		t.Fatalf("frame = %v", m)
	}
	if m["retry_after_seconds"] != float64(63) {
		t.Fatalf("retry = %v", m["retry_after_seconds"])
	}
}

func TestManagerConfDefaults(t *testing.T) {
	var c ManagerConf
	c.norm()
	if c.AuthTTL != 2*time.Hour || c.SendQueue != 64 {
		t.Fatalf("defaults = %+v", c)
	}
	if c.FrameRate != 20 || c.FrameBurst != 40 {
		t.Fatalf("gate defaults = %+v", c)
	}
}

func newTestConn(queue int) *WsConn {
	return &WsConn{
		SnowID:   "s1",
		UserID:   "u1",
		SendChan: make(chan []byte, queue),
		gate:     rate.NewLimiter(rate.Limit(1), 2),
		subs:     make(map[string]func()),
		closed:   make(chan struct{}),
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	w := newTestConn(1)
	if !w.Enqueue([]byte("a")) {
		t.Fatal("first enqueue should fit")
	}
	if w.Enqueue([]byte("b")) {
		t.Fatal("full queue must drop, not block")
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	w := newTestConn(4)
	w.shutdown()
	if w.Enqueue([]byte("a")) {
		t.Fatal("closed connection must refuse frames")
	}
}

func TestFrameGateBurst(t *testing.T) {
	w := newTestConn(4)
	if !w.AllowFrame() || !w.AllowFrame() {
		t.Fatal("burst of 2 should pass")
	}
	if w.AllowFrame() {
		t.Fatal("third immediate frame should be gated")
	}
}

func TestSubscriptionForwarding(t *testing.T) {
	b := bus.NewMemoryBus()
	defer func() { _ = b.Close() }()

	w := newTestConn(8)
	defer w.shutdown()

	if err := w.Subscribe(b, "t"); err != nil {
		t.Fatal(err)
	}
	if err := w.Subscribe(b, "t"); err != nil {
		t.Fatal("resubscribe must be a no-op, got error")
	}

	if err := b.Publish("t", "ping", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-w.SendChan:
		var f struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "ping" {
			t.Fatalf("frame = %s (%v)", data, err)
		}
	case <-time.After(time.Second):
		t.Fatal("event not forwarded to the send queue")
	}

	// only one subscription despite the double Subscribe
	_ = b.Publish("t", "ping", map[string]int{"n": 2})
	<-w.SendChan
	select {
	case <-w.SendChan:
		t.Fatal("duplicate subscription delivered twice")
	case <-time.After(50 * time.Millisecond):
	}

	w.Unsubscribe("t")
	_ = b.Publish("t", "ping", map[string]int{"n": 3})
	select {
	case <-w.SendChan:
		t.Fatal("unsubscribed topic still delivering")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnManagerEviction(t *testing.T) {
	m := NewConnManager(ManagerConf{MaxPerUser: 1})
	defer m.Close()

	// nil conns are rejected up front
	if _, err := m.Add("u1", "s1", nil); err == nil {
		t.Fatal("nil conn must be rejected")
	}
	if _, err := m.Add("", "s1", nil); err == nil {
		t.Fatal("empty user must be rejected")
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := NewConnManager(ManagerConf{
		AuthTTL: time.Minute,
		Clock:   func() time.Time { return now },
	})
	defer m.Close()

	w := newTestConn(4)
	w.ExpireAt = now.Add(time.Minute)
	m.mu.Lock()
	m.bySnow[w.SnowID] = w
	m.byUser[w.UserID] = map[string]*WsConn{w.SnowID: w}
	m.mu.Unlock()

	m.sweepOnce(now.Add(30 * time.Second))
	if _, ok := m.Get("s1"); !ok {
		t.Fatal("fresh connection swept too early")
	}

	m.sweepOnce(now.Add(2 * time.Minute))
	if _, ok := m.Get("s1"); ok {
		t.Fatal("expired connection survived the sweep")
	}
	if m.CountUser("u1") != 0 {
		t.Fatal("user index not cleaned")
	}
}
