package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	logx "tutordash/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	assert.Equal(t, OutcomeOK, Classify(nil))
	assert.Equal(t, OutcomeGone, Classify(ErrGone))
	assert.Equal(t, OutcomeGone, Classify(errors.Join(errors.New("x"), ErrGone)))
	assert.Equal(t, OutcomeError, Classify(context.DeadlineExceeded))

	reset := fmt.Errorf("hub post c1: %w: %w", context.DeadlineExceeded, ErrNoRetry)
	assert.Equal(t, OutcomeError, Classify(reset))
	assert.False(t, Retryable(reset))
	assert.True(t, Retryable(context.DeadlineExceeded))
	assert.False(t, Retryable(ErrGone))
	assert.False(t, Retryable(nil))
}

func TestGatewayStatusMapping(t *testing.T) {
	t.Parallel()
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotPath, gotBody = r.URL.Path, string(b)
		switch {
		case strings.HasSuffix(r.URL.Path, "/ok"):
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(r.URL.Path, "/gone"):
			w.WriteHeader(http.StatusGone)
		case strings.HasSuffix(r.URL.Path, "/missing"):
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	g, err := NewGateway(GatewayConfig{Endpoint: srv.URL + "/stage/"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, g.Post(ctx, "ok", []byte(`{"a":1}`)))
	assert.Equal(t, "/stage/connections/ok", gotPath)
	assert.Equal(t, `{"a":1}`, gotBody)

	assert.Equal(t, OutcomeGone, Classify(g.Post(ctx, "gone", nil)))
	assert.Equal(t, OutcomeGone, Classify(g.Post(ctx, "missing", nil)))

	err = g.Post(ctx, "busy", nil)
	assert.Equal(t, OutcomeError, Classify(err))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
}

func TestGatewayRejectsBadEndpoint(t *testing.T) {
	t.Parallel()
	_, err := NewGateway(GatewayConfig{Endpoint: "ftp://x"})
	assert.Error(t, err)
}

type recordingLifecycle struct {
	mu           sync.Mutex
	connected    map[string]string
	disconnected []string
	reject       bool
}

func (l *recordingLifecycle) OnConnect(_ context.Context, id, email string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reject {
		return errors.New("store down")
	}
	if l.connected == nil {
		l.connected = map[string]string{}
	}
	l.connected[id] = email
	return nil
}

func (l *recordingLifecycle) OnDisconnect(_ context.Context, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected = append(l.disconnected, id)
}

func (l *recordingLifecycle) disconnects() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.disconnected...)
}

func dial(t *testing.T, srv *httptest.Server, email string) (*websocket.Conn, string) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?email=" + email
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var hello dashboard.ConnectedEvent
	require.NoError(t, json.Unmarshal(data, &hello))
	require.Equal(t, dashboard.TypeConnected, hello.Type)
	require.NotEmpty(t, hello.ConnectionID)
	return conn, hello.ConnectionID
}

func newHubServer(t *testing.T, lc Lifecycle) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(HubConfig{}, eventbus.New(), logx.Nop())
	hub.SetLifecycle(lc)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func TestHubPushAndDisconnect(t *testing.T) {
	t.Parallel()
	lc := &recordingLifecycle{}
	hub, srv := newHubServer(t, lc)

	conn, id := dial(t, srv, "T@x.com")
	require.Eventually(t, func() bool {
		lc.mu.Lock()
		defer lc.mu.Unlock()
		return lc.connected[id] == "t@x.com"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Post(context.Background(), id, []byte(`{"type":"dashboard_update"}`)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"dashboard_update"}`, string(data))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, lc.disconnects())

	err = hub.Post(context.Background(), id, []byte(`{}`))
	assert.Equal(t, OutcomeGone, Classify(err))
}

func TestHubUnknownConnectionIsGone(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{}, nil, logx.Nop())
	assert.ErrorIs(t, hub.Post(context.Background(), "nope", nil), ErrGone)
}

func TestHubSupersedesSameUser(t *testing.T) {
	t.Parallel()
	lc := &recordingLifecycle{}
	hub, srv := newHubServer(t, lc)

	first, firstID := dial(t, srv, "t@x.com")
	_, secondID := dial(t, srv, "t@x.com")
	require.NotEqual(t, firstID, secondID)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, lc.disconnects(), firstID)
}

func TestHubRejectsWhenRegistrationFails(t *testing.T) {
	t.Parallel()
	lc := &recordingLifecycle{reject: true}
	hub, srv := newHubServer(t, lc)

	conn, _ := dial(t, srv, "t@x.com")
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubRequiresEmail(t *testing.T) {
	t.Parallel()
	hub := NewHub(HubConfig{}, nil, logx.Nop())
	rec := httptest.NewRecorder()
	hub.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHubKickClosesLocalSocket(t *testing.T) {
	t.Parallel()
	lc := &recordingLifecycle{}
	hub, srv := newHubServer(t, lc)

	conn, id := dial(t, srv, "s@x.com")
	assert.False(t, hub.Kick("someone-else"))
	require.Eventually(t, func() bool { return hub.Kick(id) }, time.Second, 5*time.Millisecond)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{id}, lc.disconnects())
}
