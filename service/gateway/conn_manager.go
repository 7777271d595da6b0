package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/service/bus"
	"TratoChat/tools/safe"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type ManagerConf struct {
	AuthTTL     time.Duration // idle TTL, refreshed by heartbeats (2h)
	SweepEvery  time.Duration // expiry sweep period (30s)
	MaxPerUser  int           // <=0 unlimited
	EvictOldest bool          // on overflow drop the oldest connection
	SendQueue   int           // per-connection outbound buffer (64)
	// FrameRate / FrameBurst bound inbound frames per connection; zero
	// values pick the defaults (20/s, burst 40).
	FrameRate  float64
	FrameBurst int
	Clock      func() time.Time
}

func (c *ManagerConf) norm() {
	if c.AuthTTL <= 0 {
		c.AuthTTL = 2 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
	if c.SendQueue <= 0 {
		c.SendQueue = 64
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 40
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// WsConn is one live socket. SendChan is the only path to the wire; the
// write pump owns the websocket writer.
type WsConn struct {
	SnowID string
	UserID string

	Conn   *websocket.Conn
	Remote net.Addr

	SendChan chan []byte
	gate     *rate.Limiter

	CreatedAt time.Time
	Heartbeat time.Time
	ExpireAt  time.Time

	mu        sync.Mutex
	subs      map[string]func() // topic -> cancel
	closed    chan struct{}
	closeOnce sync.Once
}

// Enqueue offers a frame to the connection; a full queue drops the frame
// rather than block the caller.
func (w *WsConn) Enqueue(data []byte) bool {
	select {
	case <-w.closed:
		return false
	default:
	}
	select {
	case w.SendChan <- data:
		return true
	default:
		logger.Warnf("[gateway] send queue full user=%s snow=%s, dropping frame", w.UserID, w.SnowID)
		return false
	}
}

// AllowFrame is the inbound flood gate.
func (w *WsConn) AllowFrame() bool {
	return w.gate.Allow()
}

// Subscribe wires a bus topic into this connection's send queue. Resubscribing
// to the same topic is a no-op.
func (w *WsConn) Subscribe(b bus.Bus, topic string) error {
	w.mu.Lock()
	if _, ok := w.subs[topic]; ok {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	ch, cancel, err := b.Subscribe(topic)
	if err != nil {
		return err
	}

	w.mu.Lock()
	if _, ok := w.subs[topic]; ok {
		// lost a subscribe race for the same topic
		w.mu.Unlock()
		cancel()
		return nil
	}
	w.subs[topic] = cancel
	w.mu.Unlock()

	safe.Go("gateway.sub."+topic, func() {
		for {
			select {
			case <-w.closed:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if data, err := encodeEvent(ev); err == nil {
					w.Enqueue(data)
				}
			}
		}
	})
	return nil
}

func (w *WsConn) Unsubscribe(topic string) {
	w.mu.Lock()
	cancel, ok := w.subs[topic]
	if ok {
		delete(w.subs, topic)
	}
	w.mu.Unlock()
	if ok {
		cancel()
	}
}

func (w *WsConn) shutdown() {
	w.closeOnce.Do(func() {
		close(w.closed)
		w.mu.Lock()
		subs := w.subs
		w.subs = map[string]func(){}
		w.mu.Unlock()
		for _, cancel := range subs {
			cancel()
		}
		closeQuiet(w.Conn)
	})
}

// ConnManager indexes live sockets by snow id and by user, sweeps expired
// ones and enforces the per-user cap.
type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*WsConn
	byUser map[string]map[string]*WsConn

	conf     ManagerConf
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewConnManager(conf ManagerConf) *ConnManager {
	conf.norm()
	m := &ConnManager{
		bySnow: make(map[string]*WsConn),
		byUser: make(map[string]map[string]*WsConn),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	safe.Go("gateway.sweeper", m.sweeper)
	return m
}

func (m *ConnManager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	conns := make([]*WsConn, 0, len(m.bySnow))
	for _, w := range m.bySnow {
		conns = append(conns, w)
	}
	m.bySnow = map[string]*WsConn{}
	m.byUser = map[string]map[string]*WsConn{}
	m.mu.Unlock()
	for _, w := range conns {
		w.shutdown()
	}
}

// Add registers an authenticated socket. Evicts the user's oldest socket
// when the cap is hit and eviction is on, errors otherwise.
func (m *ConnManager) Add(userID, snowID string, conn *websocket.Conn) (*WsConn, error) {
	if userID == "" || snowID == "" || conn == nil {
		return nil, errors.New("user/snowID/conn empty")
	}
	now := m.conf.Clock()

	m.mu.Lock()
	if _, exists := m.bySnow[snowID]; exists {
		m.mu.Unlock()
		return nil, errors.New("snowID exists")
	}

	var evicted *WsConn
	if m.conf.MaxPerUser > 0 && len(m.byUser[userID]) >= m.conf.MaxPerUser {
		if !m.conf.EvictOldest {
			m.mu.Unlock()
			return nil, errors.New("too many connections")
		}
		evicted = m.oldestLocked(userID)
		if evicted != nil {
			m.dropLocked(evicted)
		}
	}

	w := &WsConn{
		SnowID:    snowID,
		UserID:    userID,
		Conn:      conn,
		Remote:    conn.RemoteAddr(),
		SendChan:  make(chan []byte, m.conf.SendQueue),
		gate:      rate.NewLimiter(rate.Limit(m.conf.FrameRate), m.conf.FrameBurst),
		CreatedAt: now,
		Heartbeat: now,
		ExpireAt:  now.Add(m.conf.AuthTTL),
		subs:      make(map[string]func()),
		closed:    make(chan struct{}),
	}
	m.bySnow[snowID] = w
	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*WsConn)
	}
	m.byUser[userID][snowID] = w
	m.mu.Unlock()

	if evicted != nil {
		evicted.shutdown()
	}
	return w, nil
}

func (m *ConnManager) Get(snowID string) (*WsConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.bySnow[snowID]
	return w, ok
}

// Touch refreshes heartbeat and expiry; wired to the pong handler.
func (m *ConnManager) Touch(snowID string) error {
	now := m.conf.Clock()
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.bySnow[snowID]
	if !ok {
		return errors.New("snowID not found")
	}
	w.Heartbeat = now
	w.ExpireAt = now.Add(m.conf.AuthTTL)
	return nil
}

// AttachPongHandler makes websocket pongs refresh the TTL.
func (m *ConnManager) AttachPongHandler(conn *websocket.Conn, snowID string) {
	if conn == nil || snowID == "" {
		return
	}
	conn.SetPongHandler(func(string) error {
		_ = m.Touch(snowID) // the connection may have been swept already
		return nil
	})
}

// Remove drops and closes one socket.
func (m *ConnManager) Remove(snowID string) {
	m.mu.Lock()
	w, ok := m.bySnow[snowID]
	if ok {
		m.dropLocked(w)
	}
	m.mu.Unlock()
	if ok {
		w.shutdown()
	}
}

// BroadcastUser fans a frame out to every socket of the user.
func (m *ConnManager) BroadcastUser(userID string, data []byte) {
	m.mu.RLock()
	conns := make([]*WsConn, 0, len(m.byUser[userID]))
	for _, w := range m.byUser[userID] {
		conns = append(conns, w)
	}
	m.mu.RUnlock()
	for _, w := range conns {
		w.Enqueue(data)
	}
}

func (m *ConnManager) CountUser(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

func (m *ConnManager) oldestLocked(userID string) *WsConn {
	var oldest *WsConn
	for _, w := range m.byUser[userID] {
		if oldest == nil || w.CreatedAt.Before(oldest.CreatedAt) {
			oldest = w
		}
	}
	return oldest
}

func (m *ConnManager) dropLocked(w *WsConn) {
	delete(m.bySnow, w.SnowID)
	if mm := m.byUser[w.UserID]; mm != nil {
		delete(mm, w.SnowID)
		if len(mm) == 0 {
			delete(m.byUser, w.UserID)
		}
	}
}

func (m *ConnManager) sweeper() {
	t := time.NewTicker(m.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweepOnce(now)
		}
	}
}

func (m *ConnManager) sweepOnce(now time.Time) {
	var expired []*WsConn
	m.mu.Lock()
	for _, w := range m.bySnow {
		if now.After(w.ExpireAt) {
			expired = append(expired, w)
		}
	}
	for _, w := range expired {
		m.dropLocked(w)
	}
	m.mu.Unlock()

	// close outside the lock
	for _, w := range expired {
		logger.Infof("[gateway] sweeping expired conn user=%s snow=%s", w.UserID, w.SnowID)
		w.shutdown()
	}
}

func closeQuiet(c *websocket.Conn) {
	if c != nil {
		_ = c.Close()
	}
}
