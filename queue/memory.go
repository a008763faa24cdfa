package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process Queue with SQS-like semantics: received
// messages become invisible until acknowledged or until the visibility window
// lapses, after which they are redelivered.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []Message
	inflight   map[string]inflightMsg
	visibility time.Duration
	wake       chan struct{}
}

type inflightMsg struct {
	msg      Message
	deadline time.Time
}

// NewMemoryQueue builds an empty queue. visibility <= 0 defaults to 60 s.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 60 * time.Second
	}
	return &MemoryQueue{
		inflight:   make(map[string]inflightMsg),
		visibility: visibility,
		wake:       make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.ready = append(q.ready, Message{
		ID:      uuid.NewString(),
		Receipt: uuid.NewString(),
		Body:    append([]byte(nil), body...),
	})
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Receive returns up to max messages, blocking briefly when the queue is
// empty. Expired in-flight messages are requeued first.
func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	for {
		q.mu.Lock()
		q.requeueExpiredLocked(time.Now())
		if len(q.ready) > 0 {
			n := max
			if n > len(q.ready) {
				n = len(q.ready)
			}
			batch := make([]Message, n)
			copy(batch, q.ready[:n])
			q.ready = q.ready[n:]
			deadline := time.Now().Add(q.visibility)
			for _, m := range batch {
				q.inflight[m.Receipt] = inflightMsg{msg: m, deadline: deadline}
			}
			q.mu.Unlock()
			return batch, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wake:
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, msg Message) error {
	q.mu.Lock()
	delete(q.inflight, msg.Receipt)
	q.mu.Unlock()
	return nil
}

// Len reports ready (not in-flight) messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

func (q *MemoryQueue) requeueExpiredLocked(now time.Time) {
	for receipt, in := range q.inflight {
		if now.After(in.deadline) {
			delete(q.inflight, receipt)
			q.ready = append(q.ready, in.msg)
		}
	}
}
