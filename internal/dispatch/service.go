// Package dispatch turns per-tutor triggers into queued dashboard
// envelopes: collect, serialize, enqueue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	"tutordash/internal/metrics"
	"tutordash/internal/queue"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

var ErrNoTutor = errors.New("dispatch: tutor email is required")

type Service struct {
	col   Collector
	q     Enqueuer
	dir   Directory
	bus   eventbus.Bus
	log   logx.Logger
	clock func() time.Time

	mu  sync.Mutex
	cfg Config
}

func New(cfg Config, col Collector, q Enqueuer, dir Directory, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{col: col, q: q, dir: dir, bus: bus, log: log, clock: time.Now}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Debounce < 0 {
		cfg.Debounce = 0
	}
	if cfg.TutorTimeout <= 0 {
		cfg.TutorTimeout = 10 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Dispatch collects the tutor's snapshot in mode and enqueues it.
func (s *Service) Dispatch(ctx context.Context, tutorEmail string, mode dashboard.Mode) (Outcome, error) {
	tutorEmail = storage.NormalizeEmail(tutorEmail)
	out := Outcome{TutorEmail: tutorEmail, Mode: mode}
	if tutorEmail == "" {
		return out, ErrNoTutor
	}
	cfg := s.config()
	ctx, cancel := context.WithTimeout(ctx, cfg.TutorTimeout)
	defer cancel()

	start := s.clock()
	defer func() {
		metrics.DispatchDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	snap, err := s.col.Collect(ctx, tutorEmail, mode)
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(mode), "collect_error").Inc()
		return out, fmt.Errorf("dispatch %s: %w", tutorEmail, err)
	}
	metrics.SnapshotStudents.Observe(float64(len(snap.Students)))
	out.Students = len(snap.Students)
	out.Summary = snap.Summary

	if cfg.SkipEmpty && len(snap.Students) == 0 {
		metrics.DispatchesTotal.WithLabelValues(string(mode), "skipped").Inc()
		out.Skipped = true
		return out, nil
	}

	body, err := dashboard.EncodeEnvelope(dashboard.Envelope{TutorEmail: tutorEmail, Mode: mode, Snapshot: snap})
	if err != nil {
		metrics.DispatchesTotal.WithLabelValues(string(mode), "encode_error").Inc()
		return out, fmt.Errorf("dispatch %s: %w", tutorEmail, err)
	}

	id, err := s.q.Enqueue(ctx, tutorEmail, body)
	if err != nil {
		result := "error"
		if errors.Is(err, queue.ErrQueueFull) {
			result = "full"
		}
		metrics.QueueEnqueued.WithLabelValues(result).Inc()
		metrics.DispatchesTotal.WithLabelValues(string(mode), "enqueue_error").Inc()
		return out, fmt.Errorf("dispatch %s: enqueue: %w", tutorEmail, err)
	}
	metrics.QueueEnqueued.WithLabelValues("ok").Inc()
	metrics.DispatchesTotal.WithLabelValues(string(mode), "ok").Inc()
	out.MessageID = id

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchEnqueue, Data: out})
	}
	s.log.Debug("envelope enqueued",
		logx.String("tutor", tutorEmail),
		logx.String("mode", string(mode)),
		logx.String("message_id", id),
		logx.Int("students", out.Students),
	)
	return out, nil
}

// DispatchAll runs a full dispatch for every tutor in the directory. One
// tutor failing does not stop the others; the returned error joins the
// per-tutor failures.
func (s *Service) DispatchAll(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	tutors, err := s.dir.ProfilesByRole(ctx, storage.RoleTutor)
	if err != nil {
		return res, fmt.Errorf("dispatch all: list tutors: %w", err)
	}

	var merr *multierror.Error
	for _, p := range tutors {
		if err := ctx.Err(); err != nil {
			merr = multierror.Append(merr, err)
			break
		}
		res.Tutors++
		out, err := s.Dispatch(ctx, p.Email, dashboard.ModeFull)
		switch {
		case err != nil:
			res.Failed++
			merr = multierror.Append(merr, err)
			s.log.Warn("tutor dispatch failed", logx.String("tutor", p.Email), logx.Err(err))
		case out.Skipped:
			res.Skipped++
		default:
			res.Enqueued++
		}
	}
	s.log.Debug("refresh finished",
		logx.Int("tutors", res.Tutors),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return res, merr.ErrorOrNil()
}

// Run dispatches incremental snapshots for tutors named by status-change
// events until ctx ends. Changes arriving within the debounce window are
// folded into one dispatch per tutor.
func (s *Service) Run(ctx context.Context) error {
	if s.bus == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	events, unsub := s.bus.Subscribe(256, eventbus.TypeStatusChanged)
	defer unsub()

	pending := map[string]struct{}{}
	var tmr *time.Timer
	var fire <-chan time.Time
	defer func() {
		if tmr != nil {
			tmr.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			tutor := tutorOf(e)
			if tutor == "" {
				continue
			}
			d := s.config().Debounce
			if d == 0 {
				s.dispatchOne(ctx, tutor)
				continue
			}
			pending[tutor] = struct{}{}
			if fire == nil {
				tmr = time.NewTimer(d)
				fire = tmr.C
			}
		case <-fire:
			fire = nil
			tutors := make([]string, 0, len(pending))
			for t := range pending {
				tutors = append(tutors, t)
			}
			sort.Strings(tutors)
			clear(pending)
			for _, t := range tutors {
				s.dispatchOne(ctx, t)
			}
		}
	}
}

func (s *Service) dispatchOne(ctx context.Context, tutor string) {
	if _, err := s.Dispatch(ctx, tutor, dashboard.ModeIncremental); err != nil && ctx.Err() == nil {
		s.log.Warn("incremental dispatch failed", logx.String("tutor", tutor), logx.Err(err))
	}
}

func tutorOf(e eventbus.Event) string {
	switch d := e.Data.(type) {
	case eventbus.StatusChange:
		return storage.NormalizeEmail(d.TutorEmail)
	case string:
		return storage.NormalizeEmail(d)
	}
	return ""
}
