// Package httpapi exposes the pipeline over HTTP: the WebSocket endpoint,
// the status write path, on-demand dispatch and operational routes.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"tutordash/internal/activity"
	"tutordash/internal/dashboard"
	"tutordash/internal/dispatch"
	"tutordash/internal/metrics"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

type StatusWriter interface {
	Apply(ctx context.Context, u activity.Update) (activity.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, tutorEmail string, mode dashboard.Mode) (dispatch.Outcome, error)
}

type Collector interface {
	Collect(ctx context.Context, tutorEmail string, mode dashboard.Mode) (dashboard.Snapshot, error)
}

type Connections interface {
	ListActive(ctx context.Context, userEmail string) ([]storage.Connection, error)
	ListAll(ctx context.Context) ([]storage.Connection, error)
	Unregister(ctx context.Context, connectionID string) (bool, error)
}

// Kicker closes a socket attached to this process.
type Kicker interface {
	Kick(connectionID string) bool
}

type Deps struct {
	Status      StatusWriter
	Dispatcher  Dispatcher
	Collector   Collector
	Connections Connections
	// WebSocket serves GET /ws. Nil when pushes go through a remote gateway.
	WebSocket http.Handler
	Kicker    Kicker
	// Health returns the body of /healthz.
	Health func() any
}

type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Pprof           bool
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *mux.Router
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: log}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.metricsMiddleware)
	r.Use(s.loggingMiddleware)

	if s.deps.WebSocket != nil {
		s.handle(r, "/ws", s.deps.WebSocket, http.MethodGet)
	}
	s.handle(r, "/healthz", http.HandlerFunc(s.handleHealth), http.MethodGet)
	s.handle(r, "/metrics", metrics.Handler(), http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	s.handle(v1, "/status", http.HandlerFunc(s.handleStatus), http.MethodPost)
	s.handle(v1, "/tutors/{email}/dispatch", http.HandlerFunc(s.handleDispatch), http.MethodPost)
	s.handle(v1, "/tutors/{email}/dashboard", http.HandlerFunc(s.handleDashboard), http.MethodGet)
	s.handle(v1, "/connections", http.HandlerFunc(s.handleListConnections), http.MethodGet)
	s.handle(v1, "/connections/{id}", http.HandlerFunc(s.handleDeleteConnection), http.MethodDelete)

	if s.cfg.Pprof {
		d := r.PathPrefix("/debug/pprof").Subrouter()
		d.HandleFunc("/cmdline", pprof.Cmdline)
		d.HandleFunc("/profile", pprof.Profile)
		d.HandleFunc("/symbol", pprof.Symbol)
		d.HandleFunc("/trace", pprof.Trace)
		d.PathPrefix("/").HandlerFunc(pprof.Index)
	}
	return r
}

// handle registers h for path and methods. Any other method on the same
// path gets 405 instead of falling through to the subrouter's 404.
func (s *Server) handle(r *mux.Router, path string, h http.Handler, methods ...string) {
	r.Handle(path, h).Methods(methods...)
	allow := strings.Join(methods, ", ")
	r.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", allow)
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Serve serves on ln until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		// WriteTimeout would cut WebSocket streams; only applied when set.
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown incomplete", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	return ctx.Err()
}
