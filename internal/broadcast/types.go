package broadcast

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"tutordash/internal/eventbus"
	"tutordash/internal/push"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

type Config struct {
	// Workers bounds concurrent pushes within one tutor fan-out.
	Workers    int
	RatePerSec int
	// PushTimeout bounds one Post call.
	PushTimeout time.Duration
	// RetryMax is the number of extra attempts for a transient failure.
	RetryMax   int
	RetryDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 200
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = 2 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	return c
}

// Registry is the slice of the connection registry the broadcaster needs.
type Registry interface {
	ListActive(ctx context.Context, userEmail string) ([]storage.Connection, error)
	Unregister(ctx context.Context, connectionID string) (bool, error)
}

// ConnectionResult is the final outcome for one connection.
type ConnectionResult struct {
	ConnectionID string       `json:"connectionId"`
	Outcome      push.Outcome `json:"outcome"`
	Attempts     int          `json:"attempts"`
	Error        string       `json:"error,omitempty"`
}

// Result summarizes one tutor fan-out. Gone connections are also counted
// as failed.
type Result struct {
	TutorEmail  string             `json:"tutorEmail"`
	Total       int                `json:"total"`
	Delivered   int                `json:"delivered"`
	Failed      int                `json:"failed"`
	Gone        int                `json:"gone"`
	Connections []ConnectionResult `json:"connections,omitempty"`
}

type Service struct {
	reg    Registry
	pusher push.Pusher
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
}
