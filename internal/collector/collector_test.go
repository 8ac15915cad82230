package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tutordash/internal/dashboard"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

var testNow = time.UnixMilli(1700000000000)

func seed(t *testing.T, st storage.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.PutProfile(ctx, storage.Profile{Email: "t@x.com", Name: "Tess", Role: storage.RoleTutor}))
	require.NoError(t, st.PutProfile(ctx, storage.Profile{Email: "a@x.com", Name: "Ada", Role: storage.RoleStudent}))
	require.NoError(t, st.PutProfile(ctx, storage.Profile{Email: "b@x.com", Name: "Ben", Role: storage.RoleStudent}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "b@x.com", Status: "active", Room: "lobby"}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Status: "active", Room: "lobby"}))
	require.NoError(t, st.PutActivity(ctx, storage.Activity{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Room: "r1", SpeakingRatio: 80, DurationMS: 60000, LastActive: testNow}))
	require.NoError(t, st.PutActivity(ctx, storage.Activity{TutorEmail: "t@x.com", StudentEmail: "b@x.com", SpeakingRatio: 10, DurationMS: 30000, NeedsHelp: true, LastActive: testNow}))
}

func newCollector(st storage.Store, cfg Config) *Collector {
	cfg.Clock = func() time.Time { return testNow }
	return New(st, st, st, cfg, logx.Nop())
}

func TestCollectTwoActiveStudents(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st)
	c := newCollector(st, Config{})

	snap, err := c.CollectAllStudents(context.Background(), "t@x.com")
	require.NoError(t, err)
	assert.Equal(t, dashboard.Summary{Active: 2, Warning: 1, Total: 2, Speaking: 1}, snap.Summary)
	assert.Equal(t, testNow.UnixMilli(), snap.Timestamp)
	assert.Equal(t, dashboard.TypeDashboardUpdate, snap.Type)

	require.Len(t, snap.Students, 2)
	a, b := snap.Students[0], snap.Students[1]
	assert.Equal(t, "a@x.com", a.Email)
	assert.Equal(t, "Ada", a.Name)
	assert.Equal(t, "r1", a.Room)
	assert.False(t, a.Warning)
	assert.Equal(t, int64(60000), a.Duration)

	assert.Equal(t, "b@x.com", b.Email)
	assert.Equal(t, "lobby", b.Room, "falls back to assignment room")
	assert.True(t, b.Warning)
	assert.True(t, b.Alert)
	assert.Equal(t, testNow.UnixMilli(), b.LastActive)
}

func TestCollectEmptyTutor(t *testing.T) {
	t.Parallel()
	c := newCollector(storage.NewMemory(), Config{})
	snap, err := c.CollectByTutor(context.Background(), "nobody@x.com")
	require.NoError(t, err)
	assert.NotNil(t, snap.Students)
	assert.Empty(t, snap.Students)
	assert.Equal(t, dashboard.Summary{}, snap.Summary)
}

func TestCollectTotalsInvariant(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st)
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "c@x.com", Status: "inactive"}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "d@x.com", Status: "active"}))
	c := newCollector(st, Config{})

	for _, mode := range []dashboard.Mode{dashboard.ModeFull, dashboard.ModeIncremental} {
		snap, err := c.Collect(ctx, "t@x.com", mode)
		require.NoError(t, err)
		assert.Equal(t, len(snap.Students), snap.Summary.Total)
		nonActive := 0
		for _, s := range snap.Students {
			if s.Status != dashboard.StatusActive {
				nonActive++
			}
		}
		assert.Equal(t, snap.Summary.Total, snap.Summary.Active+nonActive)
	}
}

func TestIncrementalOmitsInactive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st)
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "c@x.com", Status: "inactive"}))
	require.NoError(t, st.PutAssignment(ctx, storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "d@x.com", Status: "active"}))
	c := newCollector(st, Config{})

	full, err := c.CollectAllStudents(ctx, "t@x.com")
	require.NoError(t, err)
	require.Len(t, full.Students, 4)
	assert.Equal(t, dashboard.StatusInactive, full.Students[2].Status)
	assert.Equal(t, dashboard.StatusUnknown, full.Students[3].Status, "no activity row")
	assert.Equal(t, "d@x.com", full.Students[3].Name, "no profile falls back to email")

	inc, err := c.CollectByTutor(ctx, "t@x.com")
	require.NoError(t, err)
	require.Len(t, inc.Students, 3)
	for _, s := range inc.Students {
		assert.NotEqual(t, dashboard.StatusInactive, s.Status)
	}
}

func TestInactiveAfterDemotesStaleStudents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	seed(t, st)
	require.NoError(t, st.PutActivity(ctx, storage.Activity{TutorEmail: "t@x.com", StudentEmail: "a@x.com", SpeakingRatio: 80, LastActive: testNow.Add(-time.Hour)}))
	c := newCollector(st, Config{InactiveAfter: 10 * time.Minute})

	snap, err := c.CollectAllStudents(ctx, "t@x.com")
	require.NoError(t, err)
	assert.Equal(t, dashboard.StatusInactive, snap.Students[0].Status)
	assert.False(t, snap.Students[0].Warning)
	assert.Equal(t, 1, snap.Summary.Active)
}

type failingActivity struct{ student string }

func (f failingActivity) GetActivity(_ context.Context, _, student string) (storage.Activity, bool, error) {
	if student == f.student {
		return storage.Activity{}, false, errors.New("timeout")
	}
	return storage.Activity{SpeakingRatio: 50}, true, nil
}

type failingAssignments struct{}

func (failingAssignments) AssignmentsByTutor(context.Context, string) ([]storage.Assignment, error) {
	return nil, errors.New("unavailable")
}

func TestPerStudentReadFailureDegrades(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st)
	c := New(st, st, failingActivity{student: "b@x.com"}, Config{Clock: func() time.Time { return testNow }}, logx.Nop())

	snap, err := c.CollectAllStudents(context.Background(), "t@x.com")
	require.NoError(t, err)
	require.Len(t, snap.Students, 2)
	assert.Equal(t, dashboard.StatusActive, snap.Students[0].Status)
	assert.Equal(t, dashboard.StatusUnknown, snap.Students[1].Status)
}

func TestAssignmentReadFailureIsError(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	c := New(failingAssignments{}, st, st, Config{}, logx.Nop())
	_, err := c.CollectAllStudents(context.Background(), "t@x.com")
	require.Error(t, err)
}

func TestActivityReadFailureKeepsInactive(t *testing.T) {
	t.Parallel()
	st := storage.NewMemory()
	seed(t, st)
	require.NoError(t, st.PutAssignment(context.Background(), storage.Assignment{TutorEmail: "t@x.com", StudentEmail: "b@x.com", Status: "inactive", Room: "lobby"}))
	c := New(st, st, failingActivity{student: "b@x.com"}, Config{Clock: func() time.Time { return testNow }}, logx.Nop())

	full, err := c.CollectAllStudents(context.Background(), "t@x.com")
	require.NoError(t, err)
	require.Len(t, full.Students, 2)
	assert.Equal(t, dashboard.StatusInactive, full.Students[1].Status)

	incr, err := c.CollectByTutor(context.Background(), "t@x.com")
	require.NoError(t, err)
	require.Len(t, incr.Students, 1)
	assert.Equal(t, "a@x.com", incr.Students[0].Email)
}
