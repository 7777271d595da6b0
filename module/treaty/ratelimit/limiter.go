package ratelimit

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/tools/safe"
)

// Rejection reasons surfaced to the sender's own client.
const (
	ReasonTooManyMessages = "too_many_messages"
	ReasonDuplicateSpam   = "duplicate_spam"
	ReasonLongMessageSpam = "long_message_spam"
)

// Decision is what a Check returns; it never mutates the window.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter time.Duration
}

// Violation is the per-sender, per-reason audit counter. It survives the
// sliding window on purpose.
type Violation struct {
	Count    int
	LastSeen time.Time
}

type Config struct {
	Window        time.Duration // sliding window (60s)
	MaxMessages   int           // total in window (15)
	MaxDuplicates int           // identical normalized texts, candidate included (3)
	LongLength    int           // chars beyond which a message counts as long (200)
	MaxLong       int           // long messages already in window (5)
	SweepEvery    time.Duration // background purge period (5m)
	Jitter        time.Duration // 0..Jitter added to every retry hint (10s)
	Clock         func() time.Time
	Rand          func(n int64) int64 // jitter source, injectable for tests
}

func (c *Config) norm() {
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 15
	}
	if c.MaxDuplicates <= 0 {
		c.MaxDuplicates = 3
	}
	if c.LongLength <= 0 {
		c.LongLength = 200
	}
	if c.MaxLong <= 0 {
		c.MaxLong = 5
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Minute
	}
	if c.Jitter <= 0 {
		c.Jitter = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Rand == nil {
		c.Rand = rand.Int63n
	}
}

type entry struct {
	normalized string
	long       bool
	at         time.Time
}

// Limiter is the sliding-window abuse detector. Check never blocks reads
// elsewhere in the engine and never records; recording is the caller's
// explicit step after the send actually succeeded.
type Limiter struct {
	mu         sync.Mutex
	conf       Config
	windows    map[string][]entry
	violations map[string]map[string]*Violation

	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLimiter(conf Config) *Limiter {
	conf.norm()
	l := &Limiter{
		conf:       conf,
		windows:    make(map[string][]entry),
		violations: make(map[string]map[string]*Violation),
		stopCh:     make(chan struct{}),
	}
	safe.Go("ratelimit.sweeper", l.sweeper)
	return l
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// Check evaluates the three thresholds in precedence order; first match
// wins. A rejected check bumps the violation ledger but leaves the
// time-windowed data untouched.
func (l *Limiter) Check(senderID, text string) Decision {
	now := l.conf.Clock()
	cand := normalize(text)
	candLong := len(text) > l.conf.LongLength

	l.mu.Lock()
	defer l.mu.Unlock()

	win := l.pruneLocked(senderID, now)

	dup := 0
	long := 0
	for _, e := range win {
		if e.normalized == cand {
			dup++
		}
		if e.long {
			long++
		}
	}

	switch {
	case len(win) >= l.conf.MaxMessages:
		return l.rejectLocked(senderID, ReasonTooManyMessages, 60*time.Second, now)
	case dup+1 >= l.conf.MaxDuplicates:
		return l.rejectLocked(senderID, ReasonDuplicateSpam, 120*time.Second, now)
	case candLong && long >= l.conf.MaxLong:
		return l.rejectLocked(senderID, ReasonLongMessageSpam, 90*time.Second, now)
	}
	return Decision{Allowed: true}
}

// Record adds one accepted send to the sender's window. Called only after
// the send succeeded, so abandoned sends never count.
func (l *Limiter) Record(senderID, text string) {
	now := l.conf.Clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	win := l.pruneLocked(senderID, now)
	l.windows[senderID] = append(win, entry{
		normalized: normalize(text),
		long:       len(text) > l.conf.LongLength,
		at:         now,
	})
}

// Violations returns a copy of the sender's audit ledger.
func (l *Limiter) Violations(senderID string) map[string]Violation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]Violation)
	for reason, v := range l.violations[senderID] {
		out[reason] = *v
	}
	return out
}

// Reset clears both the window and the ledger for one sender (admin op).
func (l *Limiter) Reset(senderID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, senderID)
	delete(l.violations, senderID)
}

func (l *Limiter) rejectLocked(senderID, reason string, base time.Duration, now time.Time) Decision {
	vm := l.violations[senderID]
	if vm == nil {
		vm = make(map[string]*Violation)
		l.violations[senderID] = vm
	}
	v := vm[reason]
	if v == nil {
		v = &Violation{}
		vm[reason] = v
	}
	v.Count++
	v.LastSeen = now

	wait := base + time.Duration(l.conf.Rand(int64(l.conf.Jitter)))
	return Decision{Allowed: false, Reason: reason, RetryAfter: wait}
}

// pruneLocked drops entries older than the window and returns the live
// slice; caller holds the lock.
func (l *Limiter) pruneLocked(senderID string, now time.Time) []entry {
	win := l.windows[senderID]
	cutoff := now.Add(-l.conf.Window)
	keep := win[:0]
	for _, e := range win {
		if e.at.After(cutoff) {
			keep = append(keep, e)
		}
	}
	if len(keep) == 0 {
		delete(l.windows, senderID)
		return nil
	}
	l.windows[senderID] = keep
	return keep
}

func (l *Limiter) sweeper() {
	t := time.NewTicker(l.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-t.C:
			l.sweepOnce()
		}
	}
}

func (l *Limiter) sweepOnce() {
	now := l.conf.Clock()
	l.mu.Lock()
	senders := make([]string, 0, len(l.windows))
	for s := range l.windows {
		senders = append(senders, s)
	}
	dropped := 0
	for _, s := range senders {
		if l.pruneLocked(s, now) == nil {
			dropped++
		}
	}
	l.mu.Unlock()
	if dropped > 0 {
		logger.Debugf("[ratelimit] sweep dropped %d idle senders", dropped)
	}
}
