// Package queue carries serialized dashboard envelopes from the dispatcher
// to the broadcaster. Delivery is at-least-once: a received message that is
// not acked comes back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

var (
	ErrQueueFull = errors.New("queue: full")
	ErrClosed    = errors.New("queue: closed")
)

// Message is one received delivery.
type Message struct {
	ID         string
	TutorEmail string
	Body       []byte
	EnqueuedAt time.Time
	// Attempts counts deliveries including this one.
	Attempts int
}

type Queue interface {
	Enqueue(ctx context.Context, tutorEmail string, body []byte) (string, error)
	// Receive blocks until a message is available, ctx ends or the queue closes.
	Receive(ctx context.Context) (Message, error)
	Ack(ctx context.Context, m Message) error
	// Nack makes m visible again after delay.
	Nack(ctx context.Context, m Message, delay time.Duration) error
	Close() error
}

// Permanent marks a handler error as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return fmt.Sprintf("permanent: %v", e.err) }
func (e permanentError) Unwrap() error { return e.err }

type Config struct {
	// Endpoint selects the implementation:
	//   - "" or "memory://": in-process bounded channel
	//   - "store://": durable queue on the storage queue table
	Endpoint   string
	Capacity   int
	Visibility time.Duration
	PollEvery  time.Duration
	BatchSize  int
}

// Open builds the queue named by cfg.Endpoint.
func Open(cfg Config, store storage.QueueStore, log logx.Logger) (Queue, error) {
	ep := strings.TrimSpace(cfg.Endpoint)
	switch {
	case ep == "" || ep == "memory" || strings.HasPrefix(ep, "memory://"):
		return NewMemory(cfg.Capacity), nil
	case ep == "store" || strings.HasPrefix(ep, "store://"):
		if store == nil {
			return nil, errors.New("queue: store endpoint requires a storage backend")
		}
		return NewDurable(store, DurableConfig{
			Visibility: cfg.Visibility,
			PollEvery:  cfg.PollEvery,
			BatchSize:  cfg.BatchSize,
		}, log), nil
	default:
		return nil, fmt.Errorf("queue: unsupported endpoint %q", ep)
	}
}
