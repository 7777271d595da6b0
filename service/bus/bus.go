package bus

import (
	"encoding/json"

	"TratoChat/tools/errs"
)

// Event is one broadcast on a topic. Data is the JSON-encoded payload so
// the in-process and broker-backed transports carry the same bytes.
type Event struct {
	Topic string          `json:"topic"`
	Name  string          `json:"name"`
	Data  json.RawMessage `json:"data"`
}

// Decode unmarshals the payload into out.
func (e *Event) Decode(out any) error {
	return errs.WrapMsg(json.Unmarshal(e.Data, out), "decode event", "name", e.Name)
}

// Bus is the topic-addressed publish/subscribe surface every engine
// component broadcasts through. Publish is fire-and-forget: it never
// blocks on slow subscribers.
type Bus interface {
	Publish(topic, name string, payload any) error
	// Subscribe returns a receive channel and a cancel func. After cancel
	// returns the channel is closed.
	Subscribe(topic string) (<-chan Event, func(), error)
	Close() error
}

func marshal(topic, name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errs.ErrBusPublish.WrapMsg("marshal payload", "topic", topic, "name", name)
	}
	return Event{Topic: topic, Name: name, Data: data}, nil
}
