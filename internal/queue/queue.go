// Package queue carries the contract between this service and the external
// import worker. The orchestrator publishes small messages referencing an
// Import id; the worker consumes them on its own schedule. Delivery is
// at-least-once, so the worker must be idempotent per import id.
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Message is the payload published for both normal submissions and
// cancellation requests.
type Message struct {
	ImportID uuid.UUID `json:"importId"`
}

// Publisher submits messages to a named queue.
type Publisher interface {
	// Publish enqueues msg on the named queue. It does not wait for the
	// worker; a nil return means the message is durably recorded.
	Publish(ctx context.Context, queue string, msg Message) error

	// ApproxPendingCount returns the approximate number of unconsumed
	// messages on the named queue.
	ApproxPendingCount(ctx context.Context, queue string) (int64, error)
}

// MemPublisher is an in-memory Publisher for tests and local runs.
type MemPublisher struct {
	mu     sync.Mutex
	queues map[string][]Message

	// FailPublish, when set, makes every Publish return this error.
	FailPublish error
}

// NewMemPublisher creates an empty in-memory publisher.
func NewMemPublisher() *MemPublisher {
	return &MemPublisher{queues: make(map[string][]Message)}
}

// Publish records msg on the named in-memory queue.
func (p *MemPublisher) Publish(_ context.Context, queue string, msg Message) error {
	if p.FailPublish != nil {
		return p.FailPublish
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[queue] = append(p.queues[queue], msg)
	return nil
}

// ApproxPendingCount returns the number of messages recorded on the queue.
func (p *MemPublisher) ApproxPendingCount(_ context.Context, queue string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.queues[queue])), nil
}

// Messages returns a copy of the messages published to the named queue.
func (p *MemPublisher) Messages(queue string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Message, len(p.queues[queue]))
	copy(out, p.queues[queue])
	return out
}
