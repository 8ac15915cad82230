// Package registry tracks live push connections per user.
//
// A user holds at most one live connection: registering a new one replaces
// every previous connection of that user. Rows expire after the TTL and are
// treated as absent from then on.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

// DefaultTTL is how long a connection stays live without being replaced.
const DefaultTTL = 3 * 24 * time.Hour

var ErrInvalid = errors.New("registry: connection id and user email are required")

type Config struct {
	TTL   time.Duration
	Clock func() time.Time
	// RetryDelay separates a failed store write from its single retry.
	RetryDelay time.Duration
}

type Registry struct {
	store storage.ConnectionStore
	ttl   time.Duration
	now   func() time.Time
	retry time.Duration
	log   logx.Logger
}

func New(store storage.ConnectionStore, cfg Config, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 50 * time.Millisecond
	}
	return &Registry{store: store, ttl: cfg.TTL, now: cfg.Clock, retry: cfg.RetryDelay, log: log}
}

// Register makes connectionID the only live connection of userEmail.
func (r *Registry) Register(ctx context.Context, connectionID, userEmail string) (storage.Connection, error) {
	connectionID = strings.TrimSpace(connectionID)
	userEmail = storage.NormalizeEmail(userEmail)
	if connectionID == "" || userEmail == "" {
		return storage.Connection{}, ErrInvalid
	}

	var prior []storage.Connection
	err := r.withRetry(ctx, "list", func() error {
		var err error
		prior, err = r.store.ConnectionsByUser(ctx, userEmail)
		return err
	})
	if err != nil {
		return storage.Connection{}, fmt.Errorf("register %s: %w", userEmail, err)
	}
	for _, c := range prior {
		if c.ID == connectionID {
			continue
		}
		id := c.ID
		if err := r.withRetry(ctx, "delete", func() error {
			_, err := r.store.DeleteConnection(ctx, id)
			return err
		}); err != nil {
			return storage.Connection{}, fmt.Errorf("register %s: drop %s: %w", userEmail, id, err)
		}
		r.log.Debug("superseded connection removed", logx.String("connection_id", id), logx.String("user", userEmail))
	}

	now := r.now()
	conn := storage.Connection{
		ID:          connectionID,
		UserEmail:   userEmail,
		ConnectedAt: now,
		ExpiresAt:   now.Add(r.ttl),
	}
	if err := r.withRetry(ctx, "put", func() error { return r.store.PutConnection(ctx, conn) }); err != nil {
		return storage.Connection{}, fmt.Errorf("register %s: %w", userEmail, err)
	}
	r.log.Info("connection registered",
		logx.String("connection_id", connectionID),
		logx.String("user", userEmail),
		logx.Int("replaced", len(prior)),
	)
	return conn, nil
}

// Unregister removes a connection and reports whether it existed.
func (r *Registry) Unregister(ctx context.Context, connectionID string) (bool, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return false, nil
	}
	var existed bool
	err := r.withRetry(ctx, "delete", func() error {
		var err error
		existed, err = r.store.DeleteConnection(ctx, connectionID)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("unregister %s: %w", connectionID, err)
	}
	if existed {
		r.log.Debug("connection unregistered", logx.String("connection_id", connectionID))
	}
	return existed, nil
}

// ListActive returns the unexpired connections of userEmail.
func (r *Registry) ListActive(ctx context.Context, userEmail string) ([]storage.Connection, error) {
	userEmail = storage.NormalizeEmail(userEmail)
	if userEmail == "" {
		return nil, nil
	}
	var rows []storage.Connection
	err := r.withRetry(ctx, "list", func() error {
		var err error
		rows, err = r.store.ConnectionsByUser(ctx, userEmail)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", userEmail, err)
	}
	return r.live(ctx, rows), nil
}

// ListAll returns every unexpired connection.
func (r *Registry) ListAll(ctx context.Context) ([]storage.Connection, error) {
	rows, err := r.store.AllConnections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return r.live(ctx, rows), nil
}

// Sweep deletes every expired row.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.DeleteExpiredConnections(ctx, r.now())
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		r.log.Info("expired connections swept", logx.Int("count", n))
	}
	return n, nil
}

// live filters expired rows and deletes them best-effort.
func (r *Registry) live(ctx context.Context, rows []storage.Connection) []storage.Connection {
	now := r.now()
	out := make([]storage.Connection, 0, len(rows))
	for _, c := range rows {
		if !c.Expired(now) {
			out = append(out, c)
			continue
		}
		if _, err := r.store.DeleteConnection(ctx, c.ID); err != nil {
			r.log.Warn("expired connection cleanup failed", logx.String("connection_id", c.ID), logx.Err(err))
		}
	}
	return out
}

// withRetry runs op and retries it once after a short pause.
func (r *Registry) withRetry(ctx context.Context, what string, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	r.log.Debug("store op retry scheduled", logx.String("op", what), logx.Duration("delay", r.retry), logx.Err(err))
	tmr := time.NewTimer(r.retry)
	select {
	case <-ctx.Done():
		tmr.Stop()
		return ctx.Err()
	case <-tmr.C:
	}
	return op()
}
