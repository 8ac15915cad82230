package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRegistry(t *testing.T, store storage.ConnectionStore) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(store, Config{Clock: clk.Now, RetryDelay: time.Millisecond}, logx.Nop()), clk
}

func TestRegisterReplacesPriorConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	// Simulate a stale duplicate left behind by an earlier race.
	require.NoError(t, store.PutConnection(ctx, storage.Connection{ID: "c0", UserEmail: "u@x.com", ExpiresAt: time.Unix(1800000000, 0)}))
	r, _ := newRegistry(t, store)

	_, err := r.Register(ctx, "c1", "u@x.com")
	require.NoError(t, err)
	_, err = r.Register(ctx, "c2", " U@x.com ")
	require.NoError(t, err)

	got, err := r.ListActive(ctx, "u@x.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].ID)
}

func TestRegisterSetsTTL(t *testing.T) {
	t.Parallel()
	r, clk := newRegistry(t, storage.NewMemory())
	c, err := r.Register(context.Background(), "c1", "u@x.com")
	require.NoError(t, err)
	assert.Equal(t, clk.Now().Add(DefaultTTL), c.ExpiresAt)
}

func TestRegisterRejectsEmpty(t *testing.T) {
	t.Parallel()
	r, _ := newRegistry(t, storage.NewMemory())
	_, err := r.Register(context.Background(), "", "u@x.com")
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = r.Register(context.Background(), "c1", "  ")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := newRegistry(t, storage.NewMemory())
	_, err := r.Register(ctx, "c1", "u@x.com")
	require.NoError(t, err)

	ok, err := r.Unregister(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Unregister(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := r.ListActive(ctx, "u@x.com")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestExpiredConnectionsAreInvisibleAndPruned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	r, clk := newRegistry(t, store)
	_, err := r.Register(ctx, "c1", "u@x.com")
	require.NoError(t, err)
	_, err = r.Register(ctx, "c2", "v@x.com")
	require.NoError(t, err)

	clk.Advance(DefaultTTL)

	got, err := r.ListActive(ctx, "u@x.com")
	require.NoError(t, err)
	assert.Empty(t, got)

	raw, err := store.ConnectionsByUser(ctx, "u@x.com")
	require.NoError(t, err)
	assert.Empty(t, raw, "expired row is deleted on read")

	n, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// flakyStore fails the first N calls of each write.
type flakyStore struct {
	storage.ConnectionStore
	mu        sync.Mutex
	putFails  int
	listFails int
}

func (f *flakyStore) PutConnection(ctx context.Context, c storage.Connection) error {
	f.mu.Lock()
	if f.putFails > 0 {
		f.putFails--
		f.mu.Unlock()
		return errors.New("throttled")
	}
	f.mu.Unlock()
	return f.ConnectionStore.PutConnection(ctx, c)
}

func (f *flakyStore) ConnectionsByUser(ctx context.Context, u string) ([]storage.Connection, error) {
	f.mu.Lock()
	if f.listFails > 0 {
		f.listFails--
		f.mu.Unlock()
		return nil, errors.New("throttled")
	}
	f.mu.Unlock()
	return f.ConnectionStore.ConnectionsByUser(ctx, u)
}

func TestStoreWritesRetryOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	once := &flakyStore{ConnectionStore: storage.NewMemory(), putFails: 1}
	r, _ := newRegistry(t, once)
	_, err := r.Register(ctx, "c1", "u@x.com")
	require.NoError(t, err)

	twice := &flakyStore{ConnectionStore: storage.NewMemory(), putFails: 2}
	r, _ = newRegistry(t, twice)
	_, err = r.Register(ctx, "c1", "u@x.com")
	require.Error(t, err)

	lists := &flakyStore{ConnectionStore: storage.NewMemory(), listFails: 2}
	r, _ = newRegistry(t, lists)
	_, err = r.ListActive(ctx, "u@x.com")
	require.Error(t, err)
}
