package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutordash/internal/activity"
	"tutordash/internal/collector"
	"tutordash/internal/dashboard"
	"tutordash/internal/dispatch"
	"tutordash/internal/eventbus"
	"tutordash/internal/queue"
	"tutordash/internal/registry"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, tutor string, mode dashboard.Mode) (dispatch.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, tutor+"/"+string(mode))
	if d.err != nil {
		return dispatch.Outcome{}, d.err
	}
	return dispatch.Outcome{TutorEmail: tutor, Mode: mode, MessageID: "m-1"}, nil
}

func (d *fakeDispatcher) seen() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

type fakeKicker struct{ ids map[string]bool }

func (k fakeKicker) Kick(id string) bool { return k.ids[id] }

type fixture struct {
	srv   *httptest.Server
	store storage.Store
	reg   *registry.Registry
	disp  *fakeDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	for _, p := range []storage.Profile{
		{Email: "t@x.com", Name: "Tutor", Role: storage.RoleTutor},
		{Email: "a@x.com", Name: "Ann", Role: storage.RoleStudent},
		{Email: "lonely@x.com", Name: "Lonely", Role: storage.RoleStudent},
	} {
		require.NoError(t, st.PutProfile(ctx, p))
	}
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Status: "active", Room: "r1"}))

	reg := registry.New(st, registry.Config{}, logx.Nop())
	disp := &fakeDispatcher{}
	s := New(Config{Pprof: true}, Deps{
		Status:      activity.New(st, eventbus.New(), logx.Nop()),
		Dispatcher:  disp,
		Collector:   collector.New(st, st, st, collector.Config{WarningThreshold: 20}, logx.Nop()),
		Connections: reg,
		Kicker:      fakeKicker{ids: map[string]bool{"local-only": true}},
		Health:      func() any { return map[string]string{"status": "ok", "store": "memory"} },
	}, logx.Nop())
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, reg: reg, disp: disp}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestStatusRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "accepted", body: `{"studentEmail":"a@x.com","speakingRatio":55,"durationMs":1000}`, code: http.StatusAccepted},
		{name: "unknown student", body: `{"studentEmail":"ghost@x.com"}`, code: http.StatusNotFound},
		{name: "no tutor", body: `{"studentEmail":"lonely@x.com"}`, code: http.StatusConflict},
		{name: "malformed json", body: `{"studentEmail":`, code: http.StatusBadRequest},
		{name: "unknown field", body: `{"studentEmail":"a@x.com","mood":"good"}`, code: http.StatusBadRequest},
		{name: "invalid ratio", body: `{"studentEmail":"a@x.com","speakingRatio":140}`, code: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := f.do(t, http.MethodPost, "/api/v1/status", tt.body)
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}

	_, body := f.do(t, http.MethodPost, "/api/v1/status", `{"studentEmail":"a@x.com","speakingRatio":200}`)
	fields, _ := body["fields"].(map[string]any)
	assert.Contains(t, fields, "speakingRatio")
}

func TestDashboardRouteCollects(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	require.NoError(t, f.store.PutActivity(context.Background(), storage.Activity{
		TutorEmail: "t@x.com", StudentEmail: "a@x.com", SpeakingRatio: 10, LastActive: time.Now(),
	}))

	resp, body := f.do(t, http.MethodGet, "/api/v1/tutors/T@x.com/dashboard", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["total"])
	assert.EqualValues(t, 1, summary["warning"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tutors/t@x.com/dashboard?mode=sideways", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatchRoute(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/tutors/t@x.com/dispatch?mode=incremental", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "m-1", body["messageId"])
	assert.Equal(t, []string{"t@x.com/incremental"}, f.disp.seen())

	f.disp.mu.Lock()
	f.disp.err = queue.ErrQueueFull
	f.disp.mu.Unlock()
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tutors/t@x.com/dispatch", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.disp.mu.Lock()
	f.disp.err = errors.New("store down")
	f.disp.mu.Unlock()
	resp, _ = f.do(t, http.MethodPost, "/api/v1/tutors/t@x.com/dispatch", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestConnectionRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.reg.Register(ctx, "c1", "t@x.com")
	require.NoError(t, err)
	_, err = f.reg.Register(ctx, "c2", "a@x.com")
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/connections", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	_, body = f.do(t, http.MethodGet, "/api/v1/connections?user=T@X.com", "")
	assert.EqualValues(t, 1, body["count"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/connections/c1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/v1/connections/local-only", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	active, err := f.reg.ListActive(ctx, "t@x.com")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestOperationalRoutes(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "memory", body["store"])

	resp, err := http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(f.srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tutors/t@x.com/dashboard", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))

	resp, _ = f.do(t, http.MethodGet, "/api/v1/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	s := New(Config{}, Deps{Health: func() any { panic("boom") }}, logx.Nop())
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := New(Config{ShutdownTimeout: time.Second}, Deps{}, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
