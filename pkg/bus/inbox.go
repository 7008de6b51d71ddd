package bus

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/mobfleet/mobfleet/pkg/types"
)

// defaultInboxSize bounds the number of undelivered inbound messages held
// per connection.
const defaultInboxSize = 1024

// inbox is the bounded delivery queue between the transport's receive
// callback and the consumer's Messages channel. When full, the oldest
// queued telemetry message is dropped first; if none is queued, the oldest
// message overall goes. Control messages are therefore the last to be lost
// under backpressure.
type inbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Message
	limit  int
	closed bool
	out    chan Message
	log    *zap.Logger
}

func newInbox(limit int, log *zap.Logger) *inbox {
	if limit <= 0 {
		limit = defaultInboxSize
	}
	in := &inbox{
		limit: limit,
		out:   make(chan Message),
		log:   log,
	}
	in.cond = sync.NewCond(&in.mu)
	go in.pump()
	return in
}

// push enqueues a message, applying the drop policy when at capacity.
func (in *inbox) push(msg Message) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	if len(in.queue) >= in.limit {
		dropped := in.evictLocked()
		in.log.Warn("inbox full, dropping message",
			zap.String("dropped_topic", dropped.Topic),
			zap.String("incoming_topic", msg.Topic))
	}
	in.queue = append(in.queue, msg)
	in.cond.Signal()
}

// evictLocked removes and returns the oldest telemetry message, or the
// oldest message of any kind when no telemetry is queued.
func (in *inbox) evictLocked() Message {
	for i, m := range in.queue {
		if strings.HasPrefix(m.Topic, types.TopicTelemetryPrefix) {
			in.queue = append(in.queue[:i], in.queue[i+1:]...)
			return m
		}
	}
	dropped := in.queue[0]
	in.queue = in.queue[1:]
	return dropped
}

// pump moves messages from the queue to the unbuffered out channel,
// blocking on slow consumers without blocking the transport callback.
func (in *inbox) pump() {
	for {
		in.mu.Lock()
		for len(in.queue) == 0 && !in.closed {
			in.cond.Wait()
		}
		if in.closed && len(in.queue) == 0 {
			in.mu.Unlock()
			close(in.out)
			return
		}
		msg := in.queue[0]
		in.queue = in.queue[1:]
		in.mu.Unlock()
		in.out <- msg
	}
}

func (in *inbox) messages() <-chan Message { return in.out }

func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.cond.Signal()
	in.mu.Unlock()
}
