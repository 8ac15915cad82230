package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

type DurableConfig struct {
	// Visibility hides a received message from other receivers until it
	// is acked or the deadline passes.
	Visibility time.Duration
	PollEvery  time.Duration
	BatchSize  int
	Clock      func() time.Time
}

// Durable is a polling queue on a storage.QueueStore.
type Durable struct {
	store storage.QueueStore
	cfg   DurableConfig
	log   logx.Logger

	mu      sync.Mutex
	buf     []Message
	closed  bool
	done    chan struct{}
	closeMu sync.Once
}

func NewDurable(store storage.QueueStore, cfg DurableConfig, log logx.Logger) *Durable {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 30 * time.Second
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 250 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Durable{store: store, cfg: cfg, log: log, done: make(chan struct{})}
}

func (q *Durable) Enqueue(ctx context.Context, tutorEmail string, body []byte) (string, error) {
	if q.isClosed() {
		return "", ErrClosed
	}
	now := q.cfg.Clock()
	m := storage.QueueMessage{
		ID:         uuid.NewString(),
		TutorEmail: tutorEmail,
		Body:       body,
		EnqueuedAt: now,
		VisibleAt:  now,
	}
	if err := q.store.EnqueueMessage(ctx, m); err != nil {
		return "", err
	}
	return m.ID, nil
}

func (q *Durable) Receive(ctx context.Context) (Message, error) {
	for {
		if q.isClosed() {
			return Message{}, ErrClosed
		}
		if m, ok := q.pop(); ok {
			return m, nil
		}
		claimed, err := q.store.ClaimMessages(ctx, q.cfg.Clock(), q.cfg.Visibility, q.cfg.BatchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("queue claim failed", logx.Err(err))
		}
		if len(claimed) > 0 {
			q.push(claimed)
			continue
		}
		tmr := time.NewTimer(q.cfg.PollEvery)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return Message{}, ctx.Err()
		case <-q.done:
			tmr.Stop()
			return Message{}, ErrClosed
		case <-tmr.C:
		}
	}
}

func (q *Durable) pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Message{}, false
	}
	m := q.buf[0]
	q.buf = q.buf[1:]
	return m, true
}

func (q *Durable) push(ms []storage.QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range ms {
		q.buf = append(q.buf, Message{
			ID:         m.ID,
			TutorEmail: m.TutorEmail,
			Body:       m.Body,
			EnqueuedAt: m.EnqueuedAt,
			Attempts:   m.Attempts,
		})
	}
}

func (q *Durable) Ack(ctx context.Context, m Message) error {
	return q.store.DeleteMessage(ctx, m.ID)
}

func (q *Durable) Nack(ctx context.Context, m Message, delay time.Duration) error {
	return q.store.ReleaseMessage(ctx, m.ID, q.cfg.Clock().Add(delay))
}

func (q *Durable) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Close stops receivers. Claimed but unacked messages reappear once their
// visibility deadline passes.
func (q *Durable) Close() error {
	q.closeMu.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.buf = nil
		q.mu.Unlock()
		close(q.done)
	})
	return nil
}
