package notify

import (
	"sync"
	"time"
)

// DesktopNotification is the payload delivered on the user topic when a
// debounce window closes.
type DesktopNotification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Icon  string         `json:"icon"`
	Tag   string         `json:"tag"`
	Data  map[string]any `json:"data,omitempty"`
}

type pendingKey struct {
	userID         string
	conversationID string
}

// debouncer collapses bursts per (user, conversation): the first event
// arms a timer and stores the payload; later events replace the payload
// without touching the deadline, so the timer fires at the originally
// scheduled time carrying the most recent payload.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[pendingKey]*DesktopNotification
	deliver func(userID string, n DesktopNotification)
}

func newDebouncer(window time.Duration, deliver func(string, DesktopNotification)) *debouncer {
	return &debouncer{
		window:  window,
		pending: make(map[pendingKey]*DesktopNotification),
		deliver: deliver,
	}
}

func (d *debouncer) offer(userID, conversationID string, n DesktopNotification) {
	key := pendingKey{userID: userID, conversationID: conversationID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if p, armed := d.pending[key]; armed {
		// replace, never queue a second notification
		*p = n
		return
	}
	stored := n
	d.pending[key] = &stored
	time.AfterFunc(d.window, func() { d.fire(key) })
}

func (d *debouncer) fire(key pendingKey) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.deliver(key.userID, *p)
	}
}
