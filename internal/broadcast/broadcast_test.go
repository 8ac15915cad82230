package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutordash/internal/collector"
	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	"tutordash/internal/push"
	"tutordash/internal/queue"
	"tutordash/internal/registry"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

// scriptedPusher answers per connection id. Unscripted ids succeed.
type scriptedPusher struct {
	mu       sync.Mutex
	script   map[string][]error
	panics   map[string]bool
	received map[string][]byte
	calls    map[string]int
}

func newScriptedPusher() *scriptedPusher {
	return &scriptedPusher{
		script:   map[string][]error{},
		panics:   map[string]bool{},
		received: map[string][]byte{},
		calls:    map[string]int{},
	}
}

func (p *scriptedPusher) Post(_ context.Context, id string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if p.panics[id] {
		panic("transport bug")
	}
	if errs := p.script[id]; len(errs) > 0 {
		err := errs[0]
		p.script[id] = errs[1:]
		if err != nil {
			return err
		}
	}
	p.received[id] = append([]byte(nil), payload...)
	return nil
}

func (p *scriptedPusher) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

var (
	errTransient = errors.New("timeout")
	errGone      = errors.Join(errors.New("410"), push.ErrGone)
)

func setup(t *testing.T, connIDs ...string) (*Service, *registry.Registry, storage.Store, *scriptedPusher) {
	t.Helper()
	st := storage.NewMemory()
	now := time.Now()
	for i, id := range connIDs {
		require.NoError(t, st.PutConnection(context.Background(), storage.Connection{
			ID:          id,
			UserEmail:   "t@x.com",
			ConnectedAt: now.Add(time.Duration(i) * time.Millisecond),
			ExpiresAt:   now.Add(time.Hour),
		}))
	}
	reg := registry.New(st, registry.Config{RetryDelay: time.Millisecond}, logx.Nop())
	p := newScriptedPusher()
	svc := New(Config{RetryMax: 1, RetryDelay: time.Millisecond}, reg, p, eventbus.New(), logx.Nop())
	return svc, reg, st, p
}

func envelope(students ...dashboard.StudentStatus) dashboard.Envelope {
	return dashboard.Envelope{TutorEmail: "t@x.com", Mode: dashboard.ModeFull, Snapshot: dashboard.NewSnapshot(students, time.Now())}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	t.Parallel()
	svc, reg, _, p := setup(t, "c1", "c2", "c3")
	p.script["c2"] = []error{errTransient, errTransient}

	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Gone)
	assert.Equal(t, 2, p.callCount("c2"), "transient failures are retried once")

	live, err := reg.ListActive(context.Background(), "t@x.com")
	require.NoError(t, err)
	assert.Len(t, live, 3, "transient failures keep the connection")
}

func TestBroadcastSkipsRetryAfterReset(t *testing.T) {
	t.Parallel()
	svc, reg, _, p := setup(t, "c1")
	p.script["c1"] = []error{errors.Join(errTransient, push.ErrNoRetry), nil}

	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Gone)
	assert.Equal(t, 1, p.callCount("c1"))

	live, err := reg.ListActive(context.Background(), "t@x.com")
	require.NoError(t, err)
	assert.Len(t, live, 1, "a reset is transient, not gone")
}

func TestBroadcastRetrySucceeds(t *testing.T) {
	t.Parallel()
	svc, _, _, p := setup(t, "c1")
	p.script["c1"] = []error{errTransient}

	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 2, res.Connections[0].Attempts)
}

func TestBroadcastPrunesGoneConnections(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4, eventbus.TypeConnectionGone)
	defer unsub()

	svc, reg, _, p := setup(t, "c1", "c2")
	svc.bus = bus
	p.script["c1"] = []error{errGone}

	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 1, res.Gone)
	assert.Equal(t, 1, p.callCount("c1"), "gone is never retried")

	live, err := reg.ListActive(context.Background(), "t@x.com")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "c2", live[0].ID)

	e := <-events
	assert.Equal(t, "c1", e.Data)
}

func TestBroadcastRecoversPusherPanic(t *testing.T) {
	t.Parallel()
	svc, _, _, p := setup(t, "c1", "c2")
	p.panics["c1"] = true

	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Gone)
}

func TestBroadcastNoConnections(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := setup(t)
	res, err := svc.Broadcast(context.Background(), envelope())
	require.NoError(t, err)
	assert.Equal(t, Result{TutorEmail: "t@x.com"}, res)
}

type brokenRegistry struct{}

func (brokenRegistry) ListActive(context.Context, string) ([]storage.Connection, error) {
	return nil, errors.New("store unavailable")
}
func (brokenRegistry) Unregister(context.Context, string) (bool, error) { return false, nil }

func TestBroadcastLookupFailureIsError(t *testing.T) {
	t.Parallel()
	svc := New(Config{}, brokenRegistry{}, newScriptedPusher(), nil, logx.Nop())
	_, err := svc.Broadcast(context.Background(), envelope())
	require.Error(t, err)

	body, err := dashboard.EncodeEnvelope(envelope())
	require.NoError(t, err)
	err = svc.Handle(context.Background(), queue.Message{ID: "m1", Body: body})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "lookup failures are redelivered")
}

func TestHandleDropsMalformedMessages(t *testing.T) {
	t.Parallel()
	svc, _, _, p := setup(t, "c1")
	err := svc.Handle(context.Background(), queue.Message{ID: "m1", Body: []byte("{not json")})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
	assert.Equal(t, 0, p.callCount("c1"))
}

func TestEndToEndDashboardDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	now := time.Now()
	require.NoError(t, st.PutProfile(ctx, storage.Profile{Email: "t@x.com", Name: "Tess", Role: storage.RoleTutor}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Status: "active"}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "b@x.com", Status: "active"}))
	require.NoError(t, st.PutActivity(ctx, storage.Activity{TutorEmail: "t@x.com", StudentEmail: "a@x.com", SpeakingRatio: 80, LastActive: now}))
	require.NoError(t, st.PutActivity(ctx, storage.Activity{TutorEmail: "t@x.com", StudentEmail: "b@x.com", SpeakingRatio: 10, LastActive: now}))
	for _, id := range []string{"c1", "c2"} {
		require.NoError(t, st.PutConnection(ctx, storage.Connection{ID: id, UserEmail: "t@x.com", ConnectedAt: now, ExpiresAt: now.Add(time.Hour)}))
	}

	col := collector.New(st, st, st, collector.Config{}, logx.Nop())
	snap, err := col.CollectAllStudents(ctx, "t@x.com")
	require.NoError(t, err)
	assert.Equal(t, dashboard.Summary{Active: 2, Warning: 1, Total: 2, Speaking: 1}, snap.Summary)

	q := queue.NewMemory(4)
	defer q.Close()
	body, err := dashboard.EncodeEnvelope(dashboard.Envelope{TutorEmail: "t@x.com", Mode: dashboard.ModeFull, Snapshot: snap})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "t@x.com", body)
	require.NoError(t, err)

	reg := registry.New(st, registry.Config{}, logx.Nop())
	p := newScriptedPusher()
	svc := New(Config{}, reg, p, nil, logx.Nop())

	m, err := q.Receive(ctx)
	require.NoError(t, err)
	env, err := dashboard.DecodeEnvelope(m.Body)
	require.NoError(t, err)
	res, err := svc.Broadcast(ctx, env)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Equal(t, 0, res.Failed)

	var got dashboard.Snapshot
	require.NoError(t, json.Unmarshal(p.received["c1"], &got))
	assert.Equal(t, snap.Summary, got.Summary)
	assert.Len(t, got.Students, 2)
}

func TestApplyKeepsDefaults(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := setup(t)
	svc.Apply(Config{Workers: 0, RatePerSec: 5})
	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, 8, svc.cfg.Workers)
	assert.Equal(t, 2*time.Second, svc.cfg.PushTimeout)
	assert.InDelta(t, 5, float64(svc.limiter.Limit()), 0.001)
}
