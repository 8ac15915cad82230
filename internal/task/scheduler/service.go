package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"tutordash/internal/metrics"
	logx "tutordash/pkg/logx"
)

type Config struct {
	Timezone string // IANA name; empty means local
	// StartupSpread caps the random delay before the first run of an
	// interval schedule.
	StartupSpread time.Duration
}

type Job func(ctx context.Context) error

type scheduleDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID

	running atomic.Bool
	mu      sync.Mutex
	lastRun time.Time
	lastErr string
	runs    uint64
	skipped uint64
}

// ScheduleInfo is a point-in-time view of one schedule.
type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
	Running bool          `json:"running"`
	Runs    uint64        `json:"runs"`
	Skipped uint64        `json:"skipped"`
	LastErr string        `json:"lastErr,omitempty"`
}

type Service struct {
	mu     sync.Mutex
	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	// base is the parent context of every run; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		defs:   map[string]*scheduleDef{},
	}
}

// Apply swaps the config; a timezone change restarts the running cron.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if s.c != nil && oldTZ != strings.TrimSpace(cfg.Timezone) {
		s.restartLocked()
	}
}

// AddSchedule registers job under name, replacing any schedule of the same
// name. Registration before Start is kept and activated on Start.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule name required")
	}
	if job == nil {
		return errors.New("schedule job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	} else if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &scheduleDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(d); err != nil {
		delete(s.defs, name)
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	return nil
}

// Remove unschedules name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.removeLocked(strings.TrimSpace(name))
	if ok {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return ok
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base, s.cancel = context.WithCancel(ctx)
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.addCronLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) restartLocked() {
	<-s.c.Stop().Done()
	s.startLocked()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop halts triggering, cancels in-flight runs and waits for them until
// ctx ends.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	done := c.Stop().Done()
	if cancel != nil {
		cancel()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	job := cron.FuncJob(func() { s.run(d) })
	if strings.HasPrefix(d.spec, "@every ") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(d.spec, "@every ")))
		if err == nil && every > 0 {
			sched, _ := intervalWithSpread(every, s.cfg.StartupSpread, time.Now().In(s.loc), d.name)
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// RunNow runs name once on the caller's goroutine, honoring overlap-skip.
func (s *Service) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %s: not found", name)
	}
	if !d.running.CompareAndSwap(false, true) {
		return fmt.Errorf("schedule %s: already running", name)
	}
	defer d.running.Store(false)
	return s.exec(ctx, d)
}

func (s *Service) run(d *scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.mu.Lock()
		d.skipped++
		d.mu.Unlock()
		metrics.ScheduledRuns.WithLabelValues(d.name, "skipped").Inc()
		s.log.Debug("run skipped; previous run in flight", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	base := s.base
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	_ = s.exec(base, d)
}

func (s *Service) exec(ctx context.Context, d *scheduleDef) (err error) {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in scheduled job", logx.String("name", d.name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("schedule %s: panic: %v", d.name, r)
		}
		d.mu.Lock()
		d.runs++
		d.lastRun = start
		d.lastErr = ""
		if err != nil {
			d.lastErr = err.Error()
		}
		d.mu.Unlock()
		result := "ok"
		if err != nil {
			result = "error"
			s.log.Warn("scheduled job failed", logx.String("name", d.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		}
		metrics.ScheduledRuns.WithLabelValues(d.name, result).Inc()
	}()
	return d.job(ctx)
}

// Snapshot lists schedules sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.defs))
	for _, d := range s.defs {
		d.mu.Lock()
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.running.Load(),
			Runs:    d.runs,
			Skipped: d.skipped,
			LastErr: d.lastErr,
		}
		d.mu.Unlock()
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
