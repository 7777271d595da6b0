package treaty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"TratoChat/module/treaty/model"
	"TratoChat/module/treaty/notify"
	"TratoChat/module/treaty/presence"
	"TratoChat/module/treaty/ratelimit"
	"TratoChat/module/treaty/status"
	usermodel "TratoChat/module/user/model"
	"TratoChat/service/bus"
	"TratoChat/tools/errs"
)

// ===== fakes =====

type recordedEvent struct {
	topic   string
	name    string
	payload any
}

type fakeBus struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (b *fakeBus) Publish(topic, name string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{topic: topic, name: name, payload: payload})
	return nil
}

func (b *fakeBus) Subscribe(string) (<-chan bus.Event, func(), error) {
	return make(chan bus.Event), func() {}, nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) byName(name string) []recordedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []recordedEvent
	for _, e := range b.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeStore struct {
	mu         sync.Mutex
	failInsert bool
	failLoad   bool
	preload    []model.Message
	inserted   []model.Message
	seq        int
}

func (s *fakeStore) InsertMessage(_ context.Context, p model.MessageParams) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failInsert {
		return nil, errs.ErrStoreFailed.WrapMsg("down")
	}
	s.seq++
	msg := model.Message{
		ID:             fmt.Sprintf("msg-%d", s.seq),
		ConversationID: p.ConversationID,
		SenderID:       p.SenderID,
		SenderName:     p.SenderName,
		Text:           p.Text,
		Tip:            p.Tip,
		Attachments:    p.Attachments,
		CreatedAt:      p.CreatedAt,
	}
	s.inserted = append(s.inserted, msg)
	return &msg, nil
}

func (s *fakeStore) LoadRecent(_ context.Context, _ string, _ int) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLoad {
		return nil, errs.ErrStoreFailed.WrapMsg("down")
	}
	out := make([]model.Message, len(s.preload))
	copy(out, s.preload)
	return out, nil
}

func (s *fakeStore) InsertReceipt(context.Context, model.ReadReceipt) error { return nil }

func (s *fakeStore) ListReceipts(context.Context, string) ([]model.ReadReceipt, error) {
	return nil, nil
}

type fakeUsers struct{}

func (fakeUsers) GetUser(_ context.Context, id string) (*usermodel.User, error) {
	if id == "alice" {
		return &usermodel.User{ID: "alice", DisplayName: "Alice Souza"}, nil
	}
	return nil, errs.ErrRecordNotFound.WrapMsg("user", "id", id)
}

func (fakeUsers) GetUserByUsername(context.Context, string) (*usermodel.User, error) {
	return nil, errs.ErrRecordNotFound.Wrap()
}

func testDeps(st *fakeStore, fb *fakeBus) RoomDeps {
	return RoomDeps{Store: st, Users: fakeUsers{}, Bus: fb}
}

func fastConf() RoomConfig {
	return RoomConfig{RecentLimit: 5, StoreTimeout: time.Second}
}

// ===== room =====

func TestSendBroadcastsInOrder(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	for i := 0; i < 10; i++ {
		if _, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	evs := fb.byName(bus.EvNewMessage)
	if len(evs) != 10 {
		t.Fatalf("broadcasts = %d, want 10", len(evs))
	}
	for i, e := range evs {
		msg := e.payload.(*model.Message)
		if msg.Text != fmt.Sprintf("m%d", i) {
			t.Fatalf("broadcast %d out of order: %q", i, msg.Text)
		}
		if e.topic != bus.ConversationTopic("c1") {
			t.Fatalf("topic = %q", e.topic)
		}
	}
}

func TestSendResolvesDisplayName(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	msg, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.SenderName != "Alice Souza" {
		t.Fatalf("sender name = %q", msg.SenderName)
	}

	// unknown sender degrades to the default, the send still goes through
	msg, err = r.Send(context.Background(), SendRequest{SenderID: "ghost", Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.SenderName != "Usuário" {
		t.Fatalf("fallback name = %q", msg.SenderName)
	}
}

func TestDegradedSendOnStoreFailure(t *testing.T) {
	st := &fakeStore{failInsert: true}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	msg, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"})
	if err != nil {
		t.Fatalf("degraded send must not error: %v", err)
	}
	if !msg.Temporary || !strings.HasPrefix(msg.ID, "tmp-") {
		t.Fatalf("expected temporary message, got %+v", msg)
	}
	if len(fb.byName(bus.EvNewMessage)) != 1 {
		t.Fatal("degraded message must still broadcast")
	}

	// never enters the durable cache
	recent, err := r.Recent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 0 {
		t.Fatalf("temp message cached: %v", recent)
	}
}

func TestRecentCacheNewestFirstAndCapped(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil) // cap 5
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	for i := 0; i < 8; i++ {
		if _, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := r.Recent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 5 {
		t.Fatalf("cache = %d, want cap 5", len(recent))
	}
	if recent[0].Text != "m7" || recent[4].Text != "m3" {
		t.Fatalf("cache order wrong: %q .. %q", recent[0].Text, recent[4].Text)
	}
}

func TestHistoryLoadedOnStart(t *testing.T) {
	st := &fakeStore{preload: []model.Message{
		{ID: "m2", Text: "newer"},
		{ID: "m1", Text: "older"},
	}}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	recent, err := r.Recent(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].ID != "m2" {
		t.Fatalf("history = %+v", recent)
	}
}

func TestHistoryLoadFailureDegrades(t *testing.T) {
	st := &fakeStore{failLoad: true}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	// room is usable with an empty cache
	if _, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"}); err != nil {
		t.Fatal(err)
	}
}

func TestTypingBroadcastsFullSet(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	r.StartTyping("alice")
	r.StartTyping("bob")
	r.StartTyping("alice") // idempotent
	r.StopTyping("bob")

	// synchronize on the mailbox: a snapshot command runs after the typing ones
	if _, err := r.Recent(context.Background()); err != nil {
		t.Fatal(err)
	}

	evs := fb.byName(bus.EvTypingUsers)
	if len(evs) != 4 {
		t.Fatalf("typing broadcasts = %d, want 4 (every change rebroadcasts)", len(evs))
	}
	last := evs[len(evs)-1].payload.(TypingUsers)
	if len(last.Users) != 1 || last.Users[0] != "alice" {
		t.Fatalf("final set = %v, want [alice]", last.Users)
	}
	third := evs[2].payload.(TypingUsers)
	if len(third.Users) != 2 {
		t.Fatalf("idempotent start changed the set: %v", third.Users)
	}
}

func TestStopTypingForIdleUserBroadcastsCurrentSet(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	r, err := startRoom("c1", fastConf(), testDeps(st, fb), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	r.StartTyping("alice")
	r.StopTyping("bob") // bob never typed

	if _, err := r.Recent(context.Background()); err != nil {
		t.Fatal(err)
	}

	evs := fb.byName(bus.EvTypingUsers)
	if len(evs) != 2 {
		t.Fatalf("typing broadcasts = %d, want 2 (the no-op stop still rebroadcasts)", len(evs))
	}
	last := evs[1].payload.(TypingUsers)
	if len(last.Users) != 1 || last.Users[0] != "alice" {
		t.Fatalf("set after no-op stop = %v, want [alice] unchanged", last.Users)
	}
}

func TestInactivityTermination(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	exited := make(chan string, 1)
	conf := RoomConfig{
		RecentLimit:       5,
		InactivityTimeout: 30 * time.Millisecond,
		InactivityTick:    10 * time.Millisecond,
		StoreTimeout:      time.Second,
	}
	r, err := startRoom("c1", conf, testDeps(st, fb), func(_ *Room, reason string) {
		exited <- reason
	})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case reason := <-exited:
		if reason != "stopped" {
			t.Fatalf("exit reason = %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle room never terminated")
	}
	if !r.Terminated() {
		t.Fatal("room should report terminated")
	}
	if _, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"}); err == nil {
		t.Fatal("send to terminated room must fail")
	}
}

func TestSendRecordsAndRegisters(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	limiter := ratelimit.NewLimiter(ratelimit.Config{})
	defer limiter.Close()
	tracker := status.NewTracker(status.Config{}, fb, nil)
	defer tracker.Close()

	deps := testDeps(st, fb)
	deps.Recorder = limiter
	deps.Status = tracker
	r, err := startRoom("c1", fastConf(), deps, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Stop()

	msg, err := r.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := tracker.SenderOf(msg.ID); !ok || s != "alice" {
		t.Fatal("durable send must register with the status tracker")
	}
	limiter.Record("alice", "extra") // window shared, just assert the send counted
	if d := limiter.Check("alice", "x"); !d.Allowed {
		t.Fatalf("unexpected limit: %+v", d)
	}
}

// ===== directory =====

func TestGetOrStartIsAtomic(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	d := NewDirectory(fastConf(), testDeps(st, fb))
	defer d.Shutdown()

	const n = 32
	rooms := make([]*Room, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := d.GetOrStart("c1")
			if err != nil {
				t.Errorf("get_or_start: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if rooms[i] != rooms[0] {
			t.Fatal("concurrent callers received different rooms")
		}
	}
	if d.Count() != 1 {
		t.Fatalf("live rooms = %d, want 1", d.Count())
	}
}

func TestStoppedRoomIsReplaced(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	d := NewDirectory(fastConf(), testDeps(st, fb))
	defer d.Shutdown()

	r1, err := d.GetOrStart("c1")
	if err != nil {
		t.Fatal(err)
	}
	d.Stop("c1")

	// interaction after termination spawns a fresh actor
	var r2 *Room
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r2, err = d.GetOrStart("c1")
		if err != nil {
			t.Fatal(err)
		}
		if r2 != r1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if r2 == r1 {
		t.Fatal("terminated room was handed out again")
	}
	if _, err := r2.Send(context.Background(), SendRequest{SenderID: "alice", Text: "oi"}); err != nil {
		t.Fatalf("fresh room unusable: %v", err)
	}
}

type panicStore struct {
	fakeStore
	armed bool
}

func (s *panicStore) InsertMessage(ctx context.Context, p model.MessageParams) (*model.Message, error) {
	if s.armed {
		panic("store exploded")
	}
	return s.fakeStore.InsertMessage(ctx, p)
}

func TestCrashedRoomIsNotRestarted(t *testing.T) {
	st := &panicStore{armed: true}
	fb := &fakeBus{}
	deps := RoomDeps{Store: st, Users: fakeUsers{}, Bus: fb}
	d := NewDirectory(fastConf(), deps)
	defer d.Shutdown()

	r1, err := d.GetOrStart("c1")
	if err != nil {
		t.Fatal(err)
	}

	// the panic kills the actor; the caller's reply never arrives, so the
	// send must bail out on its own deadline
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := r1.Send(ctx, SendRequest{SenderID: "alice", Text: "boom"}); err == nil {
		t.Fatal("send into a crashing room should fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && d.Count() != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if d.Count() != 0 {
		t.Fatal("crashed room still registered; supervision is transient")
	}

	// the next interaction spawns a fresh actor with state re-derived
	st.armed = false
	r2, err := d.GetOrStart("c1")
	if err != nil {
		t.Fatal(err)
	}
	if r2 == r1 {
		t.Fatal("crashed room handed out again")
	}
	if _, err := r2.Send(context.Background(), SendRequest{SenderID: "alice", Text: "ok"}); err != nil {
		t.Fatalf("fresh room unusable: %v", err)
	}
}

func TestSpawnFailureLeavesNoEntry(t *testing.T) {
	d := NewDirectory(fastConf(), RoomDeps{}) // no store, no bus
	if _, err := d.GetOrStart("c1"); err == nil {
		t.Fatal("spawn without deps must fail")
	}
	if d.Count() != 0 {
		t.Fatal("failed spawn left a registry entry")
	}
}

// ===== engine =====

func testEngine(st *fakeStore, fb *fakeBus) (*Engine, *ratelimit.Limiter) {
	limiter := ratelimit.NewLimiter(ratelimit.Config{})
	tracker := status.NewTracker(status.Config{}, fb, nil)
	pres := presence.NewTracker(presence.Config{}, fb)
	disp := notify.NewDispatcher(notify.Config{DesktopDebounce: 20 * time.Millisecond}, fb, presenceAdapter{pres}, nil)

	e := &Engine{Limiter: limiter, Status: tracker, Presence: pres, Notify: disp}
	deps := testDeps(st, fb)
	deps.Recorder = limiter
	deps.Status = tracker
	deps.Activity = pres
	deps.OnMessage = e.FanOutMessage
	e.Dir = NewDirectory(fastConf(), deps)
	return e, limiter
}

type presenceAdapter struct{ p *presence.Tracker }

func (a presenceAdapter) IsPresent(conversationID, userID string) bool {
	return a.p.IsPresent(bus.ConversationTopic(conversationID), userID)
}

func TestEngineRejectsThrottledSender(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	for i := 0; i < 15; i++ {
		if _, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	_, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: "m16"})
	var rl *RateLimited
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimited, got %v", err)
	}
	if rl.Decision.Reason != ratelimit.ReasonTooManyMessages {
		t.Fatalf("reason = %q", rl.Decision.Reason)
	}
	if rl.Decision.RetryAfter < 60*time.Second || rl.Decision.RetryAfter > 70*time.Second {
		t.Fatalf("retry hint out of range: %v", rl.Decision.RetryAfter)
	}

	// the rejection never reached the conversation
	if got := len(fb.byName(bus.EvNewMessage)); got != 15 {
		t.Fatalf("broadcasts = %d, want 15", got)
	}
	// and another sender keeps flowing
	if _, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "bob", Text: "hi"}); err != nil {
		t.Fatalf("other sender blocked: %v", err)
	}
}

func TestEngineValidatesSend(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	if _, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: "   "}); err == nil {
		t.Fatal("blank text must be rejected")
	}
	if _, err := e.SendMessage(context.Background(), "", SendRequest{SenderID: "alice", Text: "oi"}); err == nil {
		t.Fatal("empty conversation must be rejected")
	}
	// attachment-only sends are fine
	if _, err := e.SendMessage(context.Background(), "c1", SendRequest{
		SenderID:    "alice",
		Attachments: []model.Attachment{{Name: "nota.pdf", URL: "https://files/nota.pdf"}},
	}); err != nil {
		t.Fatalf("attachment-only send failed: %v", err)
	}
}

func TestEngineReadSoundsRouteToAuthor(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	msg, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: "oi"})
	if err != nil {
		t.Fatal(err)
	}
	e.MarkRead(msg.ID, "bob")

	sounds := fb.byName(bus.EvPlayReadSound)
	if len(sounds) != 1 {
		t.Fatalf("sounds = %d, want 1", len(sounds))
	}
	if sounds[0].topic != bus.SoundTopic("alice") {
		t.Fatalf("sound went to %q, want the author", sounds[0].topic)
	}
}

func TestEngineBulkReadScenario(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	var last *model.Message
	for i := 0; i < 12; i++ {
		msg, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatal(err)
		}
		last = msg
	}

	if n := e.UnreadCount("bob", "c1"); n != 12 {
		t.Fatalf("unread = %d, want 12", n)
	}
	count := e.MarkAllReadUntil(last.ID, "bob", "c1")
	if count != 12 {
		t.Fatalf("marked = %d, want 12", count)
	}
	if n := e.UnreadCount("bob", "c1"); n != 0 {
		t.Fatalf("unread after bulk = %d", n)
	}

	sounds := fb.byName(bus.EvPlayReadSound)
	if len(sounds) != 1 {
		t.Fatalf("bulk sounds = %d, want one for the single author", len(sounds))
	}
	p := sounds[0].payload.(notify.PlayReadSound)
	if p.SoundType != notify.SoundBulkReadMany || p.Count != 12 {
		t.Fatalf("sound = %+v, want the many variant", p)
	}
}

func TestEngineJoinLeavePresence(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	if err := e.Join("c1", "alice", nil); err != nil {
		t.Fatal(err)
	}
	if !e.Presence.IsPresent(bus.ConversationTopic("c1"), "alice") {
		t.Fatal("join should register presence")
	}
	rooms := e.ActiveRooms()
	if len(rooms) != 1 || rooms[0].ConversationID != "c1" {
		t.Fatalf("active rooms = %+v", rooms)
	}

	e.Leave("c1", "alice")
	if e.Presence.IsPresent(bus.ConversationTopic("c1"), "alice") {
		t.Fatal("leave should clear presence")
	}
}

func TestOfflineParticipantGetsEmailDigest(t *testing.T) {
	st := &fakeStore{}
	fb := &fakeBus{}
	e, limiter := testEngine(st, fb)
	defer e.Dir.Shutdown()
	defer limiter.Close()

	// carol took part earlier, then her connection dropped
	if err := e.Join("c1", "carol", nil); err != nil {
		t.Fatal(err)
	}
	e.Leave("c1", "carol")
	// bob is watching right now
	if err := e.Join("c1", "bob", nil); err != nil {
		t.Fatal(err)
	}

	if _, err := e.SendMessage(context.Background(), "c1", SendRequest{SenderID: "alice", Text: "novidade no pedido"}); err != nil {
		t.Fatal(err)
	}

	if n := e.Notify.PendingEmails("carol"); n != 1 {
		t.Fatalf("offline participant digests = %d, want 1", n)
	}
	if n := e.Notify.PendingEmails("bob"); n != 0 {
		t.Fatal("present participant must not be e-mailed")
	}
	if n := e.Notify.PendingEmails("alice"); n != 0 {
		t.Fatal("the sender must not be e-mailed")
	}
}

func TestMentionSetMatching(t *testing.T) {
	parts := []string{"bob", "carol"}
	got := mentionSet("oi @Bob, tudo bem?", parts)
	if _, ok := got["bob"]; !ok {
		t.Fatal("case-insensitive mention missed")
	}
	if _, ok := got["carol"]; ok {
		t.Fatal("carol was not mentioned")
	}
	if len(mentionSet("sem mencao", parts)) != 0 {
		t.Fatal("no @ means no mentions")
	}
}

func TestEventPayloadsMarshal(t *testing.T) {
	// payload shapes cross the wire as JSON; keep the key contract stable
	raw, err := json.Marshal(TypingUsers{Users: []string{"a"}})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"users":["a"]}` {
		t.Fatalf("typing payload = %s", raw)
	}
}
