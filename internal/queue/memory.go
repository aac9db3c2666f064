package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// MemoryQueue is an in-process Queue for one-shot runs and tests. Unacked
// messages return to the front of the queue after the visibility window,
// preserving at-least-once semantics without a database.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Message
	inflight map[string]*time.Timer
	notify   chan struct{}
	closed   bool

	visibility time.Duration
}

// NewMemory creates a MemoryQueue with the given visibility window.
func NewMemory(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		inflight:   make(map[string]*time.Timer),
		notify:     make(chan struct{}, 1),
		visibility: visibility,
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return eris.New("queue: closed")
	}
	q.pending = append(q.pending, msg)
	q.wake()
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, eris.New("queue: closed")
		}
		if len(q.pending) > 0 {
			msg := q.pending[0]
			q.pending = q.pending[1:]
			msg.Attempts++

			redelivered := msg
			q.inflight[msg.ID] = time.AfterFunc(q.visibility, func() {
				q.redeliver(redelivered)
			})
			q.mu.Unlock()
			return &msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if timer, ok := q.inflight[id]; ok {
		timer.Stop()
		delete(q.inflight, id)
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, timer := range q.inflight {
		timer.Stop()
		delete(q.inflight, id)
	}
	close(q.notify)
	return nil
}

// Depth returns pending + inflight counts, for progress reporting.
func (q *MemoryQueue) Depth() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}

func (q *MemoryQueue) redeliver(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if _, ok := q.inflight[msg.ID]; !ok {
		return // acked while the timer fired
	}
	delete(q.inflight, msg.ID)
	q.pending = append([]Message{msg}, q.pending...)
	q.wake()
}

// wake signals a blocked Dequeue. Callers hold q.mu.
func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
