package bus

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"TratoChat/logger"
	"TratoChat/tools/errs"

	"github.com/nats-io/nats.go"
)

type NatsConfig struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// NatsBus carries the same Event contract over a broker so several engine
// instances can share topics. Topic keys keep their public form; the
// subject mapping is internal.
type NatsBus struct {
	nc *nats.Conn
}

func NewNatsBus(cfg NatsConfig) (*NatsBus, error) {
	if len(cfg.Servers) == 0 {
		return nil, errs.New("nats servers missing").Wrap()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errs.WrapMsg(err, "nats connect")
	}
	return &NatsBus{nc: nc}, nil
}

func subjectFor(topic string) string {
	return "trato." + strings.ReplaceAll(topic, ":", ".")
}

func (b *NatsBus) Publish(topic, name string, payload any) error {
	ev, err := marshal(topic, name, payload)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return errs.ErrBusPublish.WrapMsg("marshal event", "topic", topic)
	}
	if err := b.nc.Publish(subjectFor(topic), raw); err != nil {
		return errs.ErrBusPublish.WrapMsg(err.Error(), "topic", topic)
	}
	return nil
}

func (b *NatsBus) Subscribe(topic string) (<-chan Event, func(), error) {
	gate := newEventGate(subBuffer)
	sub, err := b.nc.Subscribe(subjectFor(topic), func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			logger.Warnf("[bus] bad event on %s: %v", m.Subject, err)
			return
		}
		if !gate.offer(ev) {
			logger.Warnf("[bus] subscriber full or gone, dropping topic=%s name=%s", topic, ev.Name)
		}
	})
	if err != nil {
		return nil, nil, errs.WrapMsg(err, "nats subscribe", "topic", topic)
	}

	cancel := func() {
		_ = sub.Unsubscribe()
		gate.close()
	}
	return gate.ch, cancel, nil
}

// eventGate owns the subscriber channel. Unsubscribe does not wait for a
// delivery callback already running, so close must be serialized with the
// callback's send or it panics on a closed channel.
type eventGate struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newEventGate(buffer int) *eventGate {
	return &eventGate{ch: make(chan Event, buffer)}
}

// offer is non-blocking; false means dropped (full buffer or closed gate).
func (g *eventGate) offer(ev Event) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	select {
	case g.ch <- ev:
		return true
	default:
		return false
	}
}

func (g *eventGate) close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	close(g.ch)
}

func (b *NatsBus) Close() error {
	if b.nc != nil {
		return b.nc.Drain()
	}
	return nil
}
