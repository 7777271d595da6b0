package bus

import (
	"sync"

	"TratoChat/logger"
	"TratoChat/tools/errs"
)

const subBuffer = 64

type memSub struct {
	id int64
	ch chan Event
}

// MemoryBus is the in-process fanout: topic -> subscriber channels.
// Publish drops for subscribers whose buffer is full; a receipt tick a
// client misses is repaired by the next full-state broadcast, so dropping
// beats blocking the conversation worker.
type MemoryBus struct {
	mu     sync.RWMutex
	nextID int64
	subs   map[string][]*memSub
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memSub)}
}

func (b *MemoryBus) Publish(topic, name string, payload any) error {
	ev, err := marshal(topic, name, payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errs.ErrBusPublish.WrapMsg("bus closed")
	}
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- ev:
		default:
			logger.Warnf("[bus] subscriber full, dropping topic=%s name=%s", topic, name)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(topic string) (<-chan Event, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, errs.ErrBusPublish.WrapMsg("bus closed")
	}
	b.nextID++
	s := &memSub{id: b.nextID, ch: make(chan Event, subBuffer)}
	b.subs[topic] = append(b.subs[topic], s)

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[topic]
		for i, x := range list {
			if x.id == s.id {
				b.subs[topic] = append(list[:i], list[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(b.subs[topic]) == 0 {
			delete(b.subs, topic)
		}
	}
	return s.ch, cancel, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, list := range b.subs {
		for _, s := range list {
			close(s.ch)
		}
		delete(b.subs, topic)
	}
	return nil
}
