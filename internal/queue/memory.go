package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a bounded in-process queue. Nacked messages are re-sent after
// their delay; nothing survives a restart.
type Memory struct {
	ch chan Message

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	timers map[string]*time.Timer
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Memory{
		ch:     make(chan Message, capacity),
		done:   make(chan struct{}),
		timers: map[string]*time.Timer{},
	}
}

func (q *Memory) Enqueue(_ context.Context, tutorEmail string, body []byte) (string, error) {
	m := Message{
		ID:         uuid.NewString(),
		TutorEmail: tutorEmail,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: time.Now(),
	}
	if err := q.offer(m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (q *Memory) offer(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Memory) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-q.done:
		return Message{}, ErrClosed
	case m := <-q.ch:
		m.Attempts++
		return m, nil
	}
}

func (q *Memory) Ack(context.Context, Message) error { return nil }

func (q *Memory) Nack(_ context.Context, m Message, delay time.Duration) error {
	if delay <= 0 {
		return q.offer(m)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.timers[m.ID] = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, m.ID)
		q.mu.Unlock()
		_ = q.offer(m)
	})
	return nil
}

// Len reports buffered messages, excluding delayed redeliveries.
func (q *Memory) Len() int { return len(q.ch) }

func (q *Memory) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	close(q.done)
	return nil
}
