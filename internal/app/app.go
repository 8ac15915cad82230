// Package app wires the pipeline together and owns its lifecycle: startup
// order, config hot reload and bounded shutdown.
package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"tutordash/internal/activity"
	"tutordash/internal/broadcast"
	"tutordash/internal/collector"
	"tutordash/internal/config"
	"tutordash/internal/dispatch"
	"tutordash/internal/eventbus"
	"tutordash/internal/httpapi"
	"tutordash/internal/push"
	"tutordash/internal/queue"
	"tutordash/internal/registry"
	"tutordash/internal/runtime/supervisor"
	"tutordash/internal/storage"
	"tutordash/internal/task/scheduler"
	"tutordash/internal/transport/telegram"
	logx "tutordash/pkg/logx"
	"tutordash/pkg/systemd"
)

const (
	taskRefresh = "dashboard:refresh"
	taskSweep   = "registry:sweep"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	queue queue.Queue

	reg      *registry.Registry
	coll     *collector.Collector
	status   *activity.Service
	disp     *dispatch.Service
	bc       *broadcast.Service
	hub      *push.Hub // nil with a remote transport
	consumer *queue.Consumer
	sched    *scheduler.Service
	http     *httpapi.Server
	ln       net.Listener

	sd      systemd.Notifier
	started time.Time
}

// NewApp loads cfgPath and builds every component without starting any.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.Manager, cfg *config.Config) (*App, error) {
	// The Telegram sink is attached after the service exists so a missing
	// token only disables the ops sink instead of failing startup.
	logSvc, log := logx.New(mapLogging(cfg), nil)
	if cfg.Logging.Telegram.Enabled {
		sender, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, APIURL: cfg.Telegram.APIURL})
		if err != nil {
			log.Warn("telegram log sink disabled", logx.Err(err))
		} else {
			logSvc.SetSender(sender)
		}
	}
	appLog := log.With(logx.Component("app"))
	comp := func(name string) logx.Logger { return log.With(logx.Component(name)) }

	store, err := storage.Open(mapStorage(cfg), comp("storage"))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	q, err := queue.Open(mapQueue(cfg), store, comp("queue"))
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, fmt.Errorf("open queue: %w", err)
	}

	bus := eventbus.New()
	reg := registry.New(store, mapRegistry(cfg), comp("registry"))
	coll := collector.New(store, store, store, mapCollector(cfg), comp("collector"))

	a := &App{
		cfgm:   cfgm,
		log:    appLog,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		queue:  q,
		reg:    reg,
		coll:   coll,
		status: activity.New(store, bus, comp("activity")),
		disp:   dispatch.New(mapDispatch(cfg), coll, q, store, bus, comp("dispatch")),
		sched:  scheduler.New(mapScheduler(cfg), comp("scheduler")),
	}

	var pusher push.Pusher
	if strings.TrimSpace(cfg.Pipeline.TransportEndpoint) != "" {
		gw, err := push.NewGateway(mapGateway(cfg))
		if err != nil {
			a.closeEarly()
			return nil, err
		}
		pusher = gw
	} else {
		a.hub = push.NewHub(mapHub(cfg), bus, comp("hub"))
		a.hub.SetLifecycle(lifecycle{reg: reg, log: comp("hub")})
		pusher = a.hub
	}
	a.bc = broadcast.New(mapBroadcast(cfg), reg, pusher, bus, comp("broadcast"))
	a.consumer = queue.NewConsumer(q, a.bc.Handle, mapConsumer(cfg), comp("consumer"))

	deps := httpapi.Deps{
		Status:      a.status,
		Dispatcher:  a.disp,
		Collector:   coll,
		Connections: reg,
		Health:      a.health,
	}
	if a.hub != nil {
		deps.WebSocket = a.hub
		deps.Kicker = a.hub
	}
	a.http = httpapi.New(mapHTTP(cfg), deps, comp("http"))

	if err := a.applySchedules(cfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	appLog.Info("app built",
		logx.String("storage", mapStorage(cfg).Driver),
		logx.String("queue", cfg.Pipeline.QueueEndpoint),
		logx.Bool("remote_transport", a.hub == nil),
	)
	return a, nil
}

func (a *App) closeEarly() {
	_ = a.queue.Close()
	_ = a.store.Close()
	_ = a.logs.Close()
}

// Dispatcher exposes on-demand dispatch for one-shot commands.
func (a *App) Dispatcher() *dispatch.Service { return a.disp }

func (a *App) Collector() *collector.Collector { return a.coll }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Addr is the bound HTTP address after Start.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start binds the HTTP listener and launches every loop.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", mapHTTP(a.cfgm.Get()).Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	a.ln = ln
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.Component("config")))

	a.sup.Go("http", func(c context.Context) error { return a.http.Serve(c, ln) })
	a.sup.GoRestart("queue.consumer", a.consumer.Run, supervisor.WithRestartBackoff(250*time.Millisecond, 10*time.Second))
	a.sup.GoRestart("dispatch.events", a.disp.Run, supervisor.WithRestartBackoff(250*time.Millisecond, 10*time.Second))
	a.sched.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	if strings.TrimSpace(a.cfgm.Path()) != "" {
		a.sup.Go("config.watch", a.cfgm.Watch)
	}
	a.sup.Go("systemd.watchdog", a.sd.Watchdog)

	if _, err := a.sd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	_, _ = a.sd.Status("serving on " + a.Addr())
	a.log.Info("app started", logx.String("addr", a.Addr()))
	return nil
}

// reloadLoop applies hot-reloadable sections. Sections that need a restart
// are only reported.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		var newCfg *config.Config
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub:
			if !ok {
				return
			}
			newCfg = c
		}
		// coalesce bursts
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					newCfg = newer
				}
			default:
				break drain
			}
		}
		a.applyConfig(lastApplied, newCfg)
		lastApplied = newCfg
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(newCfg))
		case "dispatch":
			a.disp.Apply(mapDispatch(newCfg))
		case "broadcast":
			a.bc.Apply(mapBroadcast(newCfg))
		case "scheduler":
			a.sched.Apply(mapScheduler(newCfg))
			if err := a.applySchedules(newCfg); err != nil {
				a.log.Warn("schedule update rejected; keeping previous", logx.Err(err))
			}
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applySchedules upserts or removes the periodic tasks.
func (a *App) applySchedules(cfg *config.Config) error {
	sc := cfg.Scheduler
	if sc.DisableRefresh {
		a.sched.Remove(taskRefresh)
	} else {
		spec := strings.TrimSpace(sc.Refresh)
		if spec == "" {
			spec = defaultRefresh
		}
		timeout := config.Duration(sc.RefreshTimeout, 30*time.Second)
		if err := a.sched.AddSchedule(taskRefresh, spec, timeout, a.refresh); err != nil {
			return err
		}
	}
	if sc.DisableSweep {
		a.sched.Remove(taskSweep)
		return nil
	}
	spec := strings.TrimSpace(sc.Sweep)
	if spec == "" {
		spec = defaultSweep
	}
	return a.sched.AddSchedule(taskSweep, spec, time.Minute, a.sweep)
}

func (a *App) refresh(ctx context.Context) error {
	res, err := a.disp.DispatchAll(ctx)
	a.log.Debug("dashboard refresh",
		logx.Int("tutors", res.Tutors),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("skipped", res.Skipped),
		logx.Int("failed", res.Failed),
	)
	return err
}

func (a *App) sweep(ctx context.Context) error {
	n, err := a.reg.Sweep(ctx)
	if n > 0 {
		a.log.Info("expired connections swept", logx.Int("removed", n))
	}
	return err
}

type healthBody struct {
	Status      string                   `json:"status"`
	Uptime      string                   `json:"uptime"`
	Connections int                      `json:"localConnections"`
	Loops       []supervisor.LoopStats   `json:"loops"`
	Schedules   []scheduler.ScheduleInfo `json:"schedules"`
	StoreErr    string                   `json:"storeError,omitempty"`
}

func (a *App) health() any {
	body := healthBody{Status: "ok", Uptime: time.Since(a.started).Round(time.Second).String()}
	if a.hub != nil {
		body.Connections = a.hub.Count()
	}
	if a.sup != nil {
		body.Loops = a.sup.Snapshot()
	}
	body.Schedules = a.sched.Snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		body.Status = "degraded"
		body.StoreErr = err.Error()
	}
	return body
}

// Stop unwinds in dependency order; each step is bounded so one stuck
// component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeEarly()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := a.sd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max <= 0 {
				a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
				return
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	// Triggers first so nothing new is enqueued while the queue drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("hub", time.Second, func(context.Context) error {
		if a.hub != nil {
			a.hub.Close()
		}
		return nil
	})
	step("supervisor", 5*time.Second, a.sup.Stop)
	step("queue", time.Second, func(context.Context) error { return a.queue.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
