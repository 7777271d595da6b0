package treaty

import (
	"context"
	"sync/atomic"
	"time"

	"TratoChat/logger"
	"TratoChat/module/treaty/model"
	"TratoChat/module/treaty/store"
	usersvc "TratoChat/module/user/service"
	"TratoChat/service/bus"
	"TratoChat/tools/errs"
	"TratoChat/tools/ids"
	"TratoChat/tools/safe"
)

// Room states.
const (
	stateStarting int32 = iota
	stateActive
	stateTerminated
)

// TypingUsers is the full-set typing broadcast; late joiners self-correct
// from it without ordered delivery.
type TypingUsers struct {
	Users []string `json:"users"`
}

// SendRequest is one send accepted into the room's mailbox.
type SendRequest struct {
	SenderID    string
	Text        string
	Tip         string
	Attachments []model.Attachment
	Timestamp   time.Time // zero means "now"
}

// JoinInfo is carried by join; today it only touches the activity clock,
// kept as the extension point for join-time side effects.
type JoinInfo struct {
	UserID string
	Meta   map[string]any
}

// Recorder receives one record per send that actually went out; the rate
// limiter implements it.
type Recorder interface {
	Record(senderID, text string)
}

// Registrar learns about durable broadcasts; the status tracker
// implements it.
type Registrar interface {
	RegisterMessage(conversationID, messageID, senderID string)
}

// Activity bumps the ops-view activity clock; the presence tracker
// implements it.
type Activity interface {
	Touch(conversationID string)
}

type RoomConfig struct {
	RecentLimit       int
	InactivityTimeout time.Duration
	InactivityTick    time.Duration
	MailboxSize       int
	StoreTimeout      time.Duration
	Clock             func() time.Time
}

func (c *RoomConfig) norm() {
	if c.RecentLimit <= 0 {
		c.RecentLimit = 50
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 30 * time.Minute
	}
	if c.InactivityTick <= 0 {
		c.InactivityTick = 5 * time.Minute
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// RoomDeps are the collaborators injected into every room. Bus and Store
// are required; the rest degrade to no-ops when nil.
type RoomDeps struct {
	Store    store.MessageStore
	Users    usersvc.Directory
	Bus      bus.Bus
	Recorder Recorder
	Status   Registrar
	Activity Activity
	// OnMessage runs after a message is broadcast (durable or degraded);
	// the notification layer hangs off it.
	OnMessage func(msg *model.Message)
}

type roomCmd struct {
	send   *sendCmd
	typing *typingCmd
	join   *JoinInfo
	snap   *snapshotCmd
}

type snapshotCmd struct {
	out chan []model.Message
}

type sendCmd struct {
	req   SendRequest
	reply chan sendResult
}

type sendResult struct {
	msg *model.Message
	err error
}

type typingCmd struct {
	userID string
	start  bool
}

// Room is the per-conversation actor: all state below is owned by the
// loop goroutine and mutated only through the mailbox.
type Room struct {
	conversationID string
	conf           RoomConfig
	deps           RoomDeps

	mailbox chan roomCmd
	done    chan struct{}
	state   atomic.Int32
	onExit  func(r *Room, reason string)

	// loop-owned state
	recent       []model.Message // newest first
	typing       map[string]struct{}
	lastActivity time.Time
}

func startRoom(conversationID string, conf RoomConfig, deps RoomDeps, onExit func(r *Room, reason string)) (*Room, error) {
	conf.norm()
	if deps.Store == nil || deps.Bus == nil {
		return nil, errs.ErrSpawnFailed.WrapMsg("missing store or bus", "conv", conversationID)
	}
	r := &Room{
		conversationID: conversationID,
		conf:           conf,
		deps:           deps,
		mailbox:        make(chan roomCmd, conf.MailboxSize),
		done:           make(chan struct{}),
		typing:         make(map[string]struct{}),
		onExit:         onExit,
	}
	r.state.Store(stateStarting)
	safe.Go("room."+conversationID, r.loop)
	return r, nil
}

func (r *Room) ConversationID() string { return r.conversationID }

func (r *Room) Terminated() bool {
	return r.state.Load() == stateTerminated
}

// Send enqueues and waits for the loop's verdict. FIFO per conversation
// follows from the single mailbox.
func (r *Room) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	cmd := roomCmd{send: &sendCmd{req: req, reply: make(chan sendResult, 1)}}
	select {
	case r.mailbox <- cmd:
	case <-r.done:
		return nil, errs.ErrRoomTerminated.WrapMsg("send", "conv", r.conversationID)
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err())
	}
	select {
	case res := <-cmd.send.reply:
		return res.msg, res.err
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err())
	}
}

func (r *Room) StartTyping(userID string) { r.offerTyping(userID, true) }
func (r *Room) StopTyping(userID string)  { r.offerTyping(userID, false) }

func (r *Room) offerTyping(userID string, start bool) {
	select {
	case r.mailbox <- roomCmd{typing: &typingCmd{userID: userID, start: start}}:
	case <-r.done:
	}
}

func (r *Room) Join(info JoinInfo) {
	select {
	case r.mailbox <- roomCmd{join: &info}:
	case <-r.done:
	}
}

// Stop terminates the actor regardless of the inactivity clock.
func (r *Room) Stop() {
	r.terminateAsync()
}

func (r *Room) terminateAsync() {
	if r.state.Swap(stateTerminated) == stateTerminated {
		return
	}
	close(r.done)
}

// ===== loop =====

func (r *Room) loop() {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[room] %s crashed: %v", r.conversationID, rec)
			r.finish("crashed")
			return
		}
		r.finish("stopped")
	}()

	r.lastActivity = r.conf.Clock()
	r.loadHistory()
	r.state.CompareAndSwap(stateStarting, stateActive)

	ticker := time.NewTicker(r.conf.InactivityTick)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if r.conf.Clock().Sub(r.lastActivity) > r.conf.InactivityTimeout {
				logger.Infof("[room] %s idle, terminating", r.conversationID)
				return
			}
		case cmd := <-r.mailbox:
			r.handle(cmd)
		}
	}
}

func (r *Room) finish(reason string) {
	r.terminateAsync()
	if r.onExit != nil {
		r.onExit(r, reason)
	}
}

// loadHistory re-derives the cache from the store. A failure degrades to
// an empty cache; the conversation stays usable.
func (r *Room) loadHistory() {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.StoreTimeout)
	defer cancel()
	msgs, err := r.deps.Store.LoadRecent(ctx, r.conversationID, r.conf.RecentLimit)
	if err != nil {
		logger.Warnf("[room] %s history load failed: %v", r.conversationID, err)
		return
	}
	r.recent = msgs
}

func (r *Room) handle(cmd roomCmd) {
	switch {
	case cmd.send != nil:
		r.lastActivity = r.conf.Clock()
		res := r.handleSend(cmd.send.req)
		cmd.send.reply <- res
	case cmd.typing != nil:
		r.lastActivity = r.conf.Clock()
		r.handleTyping(cmd.typing)
	case cmd.join != nil:
		// join-time side effects hook; today only the activity clock
		r.lastActivity = r.conf.Clock()
	case cmd.snap != nil:
		msgs := make([]model.Message, len(r.recent))
		copy(msgs, r.recent)
		cmd.snap.out <- msgs
	}
}

func (r *Room) handleSend(req SendRequest) sendResult {
	ctx, cancel := context.WithTimeout(context.Background(), r.conf.StoreTimeout)
	defer cancel()

	senderName := usersvc.DefaultDisplayName
	if r.deps.Users != nil {
		senderName = usersvc.ResolveDisplayName(ctx, r.deps.Users, req.SenderID)
	}

	created := req.Timestamp
	if created.IsZero() {
		created = r.conf.Clock()
	}
	params := model.MessageParams{
		ConversationID: r.conversationID,
		SenderID:       req.SenderID,
		SenderName:     senderName,
		Text:           req.Text,
		Tip:            req.Tip,
		Attachments:    req.Attachments,
		CreatedAt:      created,
	}

	msg, err := r.deps.Store.InsertMessage(ctx, params)
	if err != nil {
		// Best-effort path: the UI keeps moving on a temporary id, but
		// the message never enters the durable cache.
		logger.Errorf("[room] %s persist failed, broadcasting temp message: %v", r.conversationID, err)
		msg = &model.Message{
			ID:             ids.TempMessageID(),
			ConversationID: r.conversationID,
			SenderID:       req.SenderID,
			SenderName:     senderName,
			Text:           req.Text,
			Tip:            req.Tip,
			Attachments:    req.Attachments,
			Temporary:      true,
			CreatedAt:      created,
		}
	} else {
		r.cacheMessage(*msg)
		if r.deps.Status != nil {
			r.deps.Status.RegisterMessage(r.conversationID, msg.ID, msg.SenderID)
		}
	}

	r.broadcast(bus.EvNewMessage, msg)
	if r.deps.Recorder != nil {
		r.deps.Recorder.Record(req.SenderID, req.Text)
	}
	if r.deps.Activity != nil {
		r.deps.Activity.Touch(r.conversationID)
	}
	if r.deps.OnMessage != nil {
		r.deps.OnMessage(msg)
	}
	return sendResult{msg: msg}
}

func (r *Room) cacheMessage(msg model.Message) {
	r.recent = append([]model.Message{msg}, r.recent...)
	if len(r.recent) > r.conf.RecentLimit {
		r.recent = r.recent[:r.conf.RecentLimit]
	}
}

func (r *Room) handleTyping(cmd *typingCmd) {
	if cmd.start {
		r.typing[cmd.userID] = struct{}{}
	} else {
		delete(r.typing, cmd.userID)
	}
	// always the full current set, not a diff
	users := make([]string, 0, len(r.typing))
	for u := range r.typing {
		users = append(users, u)
	}
	r.broadcast(bus.EvTypingUsers, TypingUsers{Users: users})
}

func (r *Room) broadcast(name string, payload any) {
	if err := r.deps.Bus.Publish(bus.ConversationTopic(r.conversationID), name, payload); err != nil {
		logger.Warnf("[room] %s broadcast %s failed: %v", r.conversationID, name, err)
	}
}

// Recent returns a copy of the in-memory cache, newest first. It round-
// trips through the mailbox so callers never observe a half-applied send.
func (r *Room) Recent(ctx context.Context) ([]model.Message, error) {
	out := make(chan []model.Message, 1)
	select {
	case r.mailbox <- roomCmd{snap: &snapshotCmd{out: out}}:
	case <-r.done:
		return nil, errs.ErrRoomTerminated.WrapMsg("recent", "conv", r.conversationID)
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err())
	}
	select {
	case msgs := <-out:
		return msgs, nil
	case <-ctx.Done():
		return nil, errs.Wrap(ctx.Err())
	}
}
