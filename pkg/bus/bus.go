// Package bus abstracts the fleet's pub/sub fabric. The production
// implementation speaks MQTT; the in-memory broker backs tests and
// single-process simulations.
package bus

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mobfleet/mobfleet/pkg/fleeterr"
)

// Message is one inbound bus frame.
type Message struct {
	Topic   string
	Payload []byte
}

// Decode unmarshals the payload into v, classifying failures as
// malformed-payload errors.
func (m Message) Decode(v interface{}) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fleeterr.Wrap(fleeterr.MalformedPayload, fleeterr.CodeBadJSON,
			"decoding message on "+m.Topic, err)
	}
	return nil
}

// Bus is the pub/sub connection a component holds for its lifetime.
// Subscriptions survive reconnects; Messages is closed by Close.
type Bus interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload interface{}, retain bool) error
	Subscribe(topics ...string) error
	Messages() <-chan Message
	Close()
}

// encodePayload turns a payload value into wire bytes. Byte slices and
// strings pass through untouched, everything else is JSON.
func encodePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return json.Marshal(p)
	}
}

// TopicMatches reports whether topic matches pattern, where pattern may use
// the single-level `+` wildcard in any segment and the multi-level `#`
// wildcard as the final segment.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	ps := strings.Split(pattern, "/")
	ts := strings.Split(topic, "/")
	for i := range ps {
		if ps[i] == "#" {
			// Multi-level wildcard, only valid as the final segment.
			return i == len(ps)-1
		}
		if i >= len(ts) {
			return false
		}
		if ps[i] != "+" && ps[i] != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
