package storage

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "tutordash/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "tutordash.db")}, logx.Nop())
	require.NoError(t, err)
	mem, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlite.Close()
		_ = mem.Close()
	})
	return map[string]Store{"memory": mem, "sqlite": sqlite}
}

func TestConnectionTable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutConnection(ctx, Connection{ID: "c1", UserEmail: "t@x.com", ConnectedAt: now, ExpiresAt: now.Add(time.Hour)}))
			require.NoError(t, st.PutConnection(ctx, Connection{ID: "c2", UserEmail: "t@x.com", ConnectedAt: now.Add(time.Second), ExpiresAt: now.Add(-time.Second)}))
			require.NoError(t, st.PutConnection(ctx, Connection{ID: "c3", UserEmail: "s@x.com", ConnectedAt: now, ExpiresAt: now.Add(time.Hour)}))

			byUser, err := st.ConnectionsByUser(ctx, "t@x.com")
			require.NoError(t, err)
			require.Len(t, byUser, 2)
			assert.Equal(t, "c1", byUser[0].ID)
			assert.Equal(t, now.Unix(), byUser[0].ConnectedAt.Unix())
			assert.Equal(t, now.Add(time.Hour).Unix(), byUser[0].ExpiresAt.Unix())

			n, err := st.DeleteExpiredConnections(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			ok, err := st.DeleteConnection(ctx, "c1")
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = st.DeleteConnection(ctx, "c1")
			require.NoError(t, err)
			assert.False(t, ok)

			all, err := st.AllConnections(ctx)
			require.NoError(t, err)
			require.Len(t, all, 1)
			assert.Equal(t, "c3", all[0].ID)
		})
	}
}

func TestUpstreamTables(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.PutProfile(ctx, Profile{Email: "t@x.com", Name: "Tess", Role: RoleTutor}))
			require.NoError(t, st.PutProfile(ctx, Profile{Email: "b@x.com", Name: "Bo", Role: RoleStudent}))
			require.NoError(t, st.PutProfile(ctx, Profile{Email: "a@x.com", Name: "Al", Role: RoleStudent}))
			require.NoError(t, st.PutAssignment(ctx, Assignment{TutorEmail: "t@x.com", StudentEmail: "b@x.com", Status: "active", Room: "r1"}))
			require.NoError(t, st.PutAssignment(ctx, Assignment{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Status: "inactive"}))
			require.NoError(t, st.PutAssignment(ctx, Assignment{TutorEmail: "t@x.com", StudentEmail: "a@x.com", Status: "active"}))

			tutors, err := st.ProfilesByRole(ctx, RoleTutor)
			require.NoError(t, err)
			require.Len(t, tutors, 1)
			assert.Equal(t, "Tess", tutors[0].Name)

			p, ok, err := st.GetProfile(ctx, "nobody@x.com")
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Empty(t, p.Email)

			as, err := st.AssignmentsByTutor(ctx, "t@x.com")
			require.NoError(t, err)
			require.Len(t, as, 2)
			assert.Equal(t, "a@x.com", as[0].StudentEmail)
			assert.Equal(t, "active", as[0].Status)
			assert.Equal(t, "r1", as[1].Room)

			bs, err := st.AssignmentsByStudent(ctx, "b@x.com")
			require.NoError(t, err)
			require.Len(t, bs, 1)

			last := time.UnixMilli(1700000000123)
			require.NoError(t, st.PutActivity(ctx, Activity{TutorEmail: "t@x.com", StudentEmail: "b@x.com", Room: "r2", SpeakingRatio: 42.5, DurationMS: 9000, NeedsHelp: true, LastActive: last}))
			a, ok, err := st.GetActivity(ctx, "t@x.com", "b@x.com")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 42.5, a.SpeakingRatio)
			assert.Equal(t, int64(9000), a.DurationMS)
			assert.True(t, a.NeedsHelp)
			assert.Equal(t, last.UnixMilli(), a.LastActive.UnixMilli())

			_, ok, err = st.GetActivity(ctx, "t@x.com", "a@x.com")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestQueueTableClaimAndRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)
	for name, st := range openDrivers(t) {
		st := st
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.EnqueueMessage(ctx, QueueMessage{ID: "m1", TutorEmail: "t@x.com", Body: []byte(`{"a":1}`), EnqueuedAt: now, VisibleAt: now}))
			require.NoError(t, st.EnqueueMessage(ctx, QueueMessage{ID: "m2", TutorEmail: "t@x.com", Body: []byte(`{"a":2}`), EnqueuedAt: now.Add(time.Millisecond), VisibleAt: now}))

			got, err := st.ClaimMessages(ctx, now, time.Minute, 1)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "m1", got[0].ID)
			assert.Equal(t, 1, got[0].Attempts)
			assert.Equal(t, `{"a":1}`, string(got[0].Body))

			got, err = st.ClaimMessages(ctx, now, time.Minute, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "m2", got[0].ID)

			got, err = st.ClaimMessages(ctx, now.Add(30*time.Second), time.Minute, 10)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, st.ReleaseMessage(ctx, "m2", now))
			require.NoError(t, st.DeleteMessage(ctx, "m1"))

			got, err = st.ClaimMessages(ctx, now.Add(2*time.Minute), time.Minute, 10)
			require.NoError(t, err)
			require.Len(t, got, 1)
			assert.Equal(t, "m2", got[0].ID)
			assert.Equal(t, 2, got[0].Attempts)

			assert.ErrorIs(t, st.ReleaseMessage(ctx, "missing", now), ErrNotFound)
		})
	}
}

func TestTablesValidate(t *testing.T) {
	t.Parallel()
	def := Tables{}.WithDefaults()
	require.NoError(t, def.Validate())

	bad := def
	bad.Connections = "conn; DROP TABLE x"
	assert.Error(t, bad.Validate())

	dup := def
	dup.Queue = dup.Activity
	assert.Error(t, dup.Validate())
}

func TestRenderMigrationsUsesTableNames(t *testing.T) {
	t.Parallel()
	tables := Tables{Connections: "ws_conns"}.WithDefaults()
	rendered, err := renderMigrations(tables)
	require.NoError(t, err)

	up, err := fs.ReadFile(rendered, "0001_init.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "CREATE TABLE IF NOT EXISTS ws_conns")
	assert.Contains(t, string(up), "ws_conns_user_email_idx")
	assert.NotContains(t, string(up), "{{")

	down, err := fs.ReadFile(rendered, "0001_init.down.sql")
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(down), "DROP TABLE IF EXISTS ws_conns"))
}

func TestSQLiteOpenIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "again.db")
	for i := 0; i < 2; i++ {
		st, err := Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
		require.NoError(t, err)
		require.NoError(t, st.Ping(context.Background()))
		require.NoError(t, st.Close())
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	s := &sqlStore{dollars: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dollars = false
	assert.Equal(t, "x = ?", s.q("x = ?"))
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)
}

func TestMemoryClosed(t *testing.T) {
	t.Parallel()
	st := NewMemory()
	require.NoError(t, st.Close())
	_, err := st.AllConnections(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
