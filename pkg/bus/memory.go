package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBroker is an in-process broker with MQTT-style topic matching. It
// backs tests and single-process simulations; every connected Memory client
// with a matching subscription receives each published message, including
// the publisher itself, mirroring broker behavior.
type MemoryBroker struct {
	mu      sync.RWMutex
	clients []*Memory
	// retained maps topic to the last payload published with retain set,
	// delivered to later subscribers on Subscribe.
	retained map[string][]byte
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{retained: make(map[string][]byte)}
}

// Client returns a new Bus attached to the broker.
func (mb *MemoryBroker) Client(clientID string, log *zap.Logger) *Memory {
	m := &Memory{
		clientID: clientID,
		broker:   mb,
		inbox:    newInbox(defaultInboxSize, log.Named("bus")),
	}
	mb.mu.Lock()
	mb.clients = append(mb.clients, m)
	mb.mu.Unlock()
	return m
}

func (mb *MemoryBroker) route(topic string, payload []byte, retain bool) {
	mb.mu.Lock()
	if retain {
		mb.retained[topic] = payload
	}
	clients := append([]*Memory(nil), mb.clients...)
	mb.mu.Unlock()

	for _, c := range clients {
		c.deliver(topic, payload)
	}
}

// Memory is one client connection on a MemoryBroker.
type Memory struct {
	clientID string
	broker   *MemoryBroker

	mu     sync.Mutex
	topics []string
	closed bool
	inbox  *inbox
}

// Connect is a no-op; memory clients are born connected.
func (m *Memory) Connect(ctx context.Context) error { return ctx.Err() }

// Publish routes the payload to all matching subscribers.
func (m *Memory) Publish(topic string, payload interface{}, retain bool) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	m.broker.route(topic, raw, retain)
	return nil
}

// Subscribe registers patterns and replays any retained messages that match.
func (m *Memory) Subscribe(topics ...string) error {
	m.mu.Lock()
	m.topics = append(m.topics, topics...)
	m.mu.Unlock()

	m.broker.mu.RLock()
	defer m.broker.mu.RUnlock()
	for topic, payload := range m.broker.retained {
		for _, pattern := range topics {
			if TopicMatches(pattern, topic) {
				m.inbox.push(Message{Topic: topic, Payload: payload})
				break
			}
		}
	}
	return nil
}

func (m *Memory) deliver(topic string, payload []byte) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	matched := false
	for _, pattern := range m.topics {
		if TopicMatches(pattern, topic) {
			matched = true
			break
		}
	}
	m.mu.Unlock()
	if matched {
		m.inbox.push(Message{Topic: topic, Payload: payload})
	}
}

// Messages returns the inbound delivery channel.
func (m *Memory) Messages() <-chan Message { return m.inbox.messages() }

// Close detaches from the broker and closes Messages.
func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.inbox.close()
}
