// Package broadcast fans a tutor's snapshot out to every live connection
// of that tutor and prunes connections the transport reports as gone.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	"tutordash/internal/metrics"
	"tutordash/internal/push"
	"tutordash/internal/queue"
	logx "tutordash/pkg/logx"
)

func New(cfg Config, reg Registry, pusher push.Pusher, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		reg:     reg,
		pusher:  pusher,
		bus:     bus,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Apply swaps tuning knobs. In-flight broadcasts keep their snapshot.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Handle is the queue handler: decode, broadcast, settle. Undecodable
// bodies are permanent failures; per-connection failures are not queue
// failures.
func (s *Service) Handle(ctx context.Context, m queue.Message) error {
	env, err := dashboard.DecodeEnvelope(m.Body)
	if err != nil {
		return queue.Permanent(fmt.Errorf("message %s: %w", m.ID, err))
	}
	_, err = s.Broadcast(ctx, env)
	return err
}

// Broadcast pushes env.Snapshot to every live connection of the tutor. It
// only errors when the connection lookup itself fails.
func (s *Service) Broadcast(ctx context.Context, env dashboard.Envelope) (Result, error) {
	start := time.Now()
	res := Result{TutorEmail: env.TutorEmail}

	conns, err := s.reg.ListActive(ctx, env.TutorEmail)
	if err != nil {
		metrics.BroadcastsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("broadcast %s: %w", env.TutorEmail, err)
	}
	if len(conns) == 0 {
		metrics.BroadcastsTotal.WithLabelValues("no_connections").Inc()
		s.log.Debug("no live connections", logx.String("tutor", env.TutorEmail))
		return res, nil
	}

	payload, err := dashboard.EncodeSnapshot(env.Snapshot)
	if err != nil {
		return res, queue.Permanent(fmt.Errorf("broadcast %s: encode: %w", env.TutorEmail, err))
	}

	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	out := make([]ConnectionResult, len(conns))
	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for i, c := range conns {
		i, id := i, c.ID
		g.Go(func() error {
			out[i] = s.deliver(ctx, cfg, lim, env.TutorEmail, id, payload)
			return nil
		})
	}
	_ = g.Wait()

	res.Total = len(out)
	res.Connections = out
	for _, r := range out {
		metrics.PushesTotal.WithLabelValues(string(r.Outcome)).Inc()
		switch r.Outcome {
		case push.OutcomeOK:
			res.Delivered++
		case push.OutcomeGone:
			res.Gone++
			res.Failed++
		default:
			res.Failed++
		}
	}
	s.finish(res, time.Since(start))
	return res, nil
}

func (s *Service) finish(res Result, took time.Duration) {
	metrics.BroadcastDuration.Observe(took.Seconds())
	label := "delivered"
	switch {
	case res.Delivered == 0:
		label = "failed"
	case res.Failed > 0:
		label = "partial"
	}
	metrics.BroadcastsTotal.WithLabelValues(label).Inc()

	fields := []logx.Field{
		logx.String("tutor", res.TutorEmail),
		logx.Int("total", res.Total),
		logx.Int("delivered", res.Delivered),
		logx.Int("failed", res.Failed),
		logx.Int("gone", res.Gone),
		logx.Duration("dur", took),
	}
	if res.Failed > res.Gone {
		s.log.Warn("broadcast finished with failures", fields...)
	} else {
		s.log.Debug("broadcast finished", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastDone, Data: res})
	}
}
