package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoCanceledIsCleanStop(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, s.Stop(context.Background()))
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].Active)
	assert.Empty(t, snap[0].LastErr)
}

func TestGoPanicCancelsOnError(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("bad", func(context.Context) error { panic("boom") })

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after panic")
	}
	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: panic: boom")
	assert.Equal(t, uint64(1), s.Snapshot()[0].Panics)
}

func TestGoRestartBacksOffAndRecovers(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("consumer", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	require.NoError(t, s.Wait(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.GoRestart("flaky", func(context.Context) error { return errors.New("nope") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))
	err := s.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flaky: nope")
}

func TestWaitHonorsDeadline(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	release := make(chan struct{})
	s.Go("stuck", func(context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, s.Wait(context.Background()))
}
