package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("storage: not found")
	ErrClosed   = errors.New("storage: closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps (default)
//   - "sqlite": SQLite database file at Path
//   - "postgres": DSN via pgx
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Tables      Tables
}

// Tables names the physical tables. Empty fields fall back to defaults.
type Tables struct {
	Connections string
	Assignments string
	Profiles    string
	Activity    string
	Queue       string
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (t Tables) WithDefaults() Tables {
	def := func(v, d string) string {
		if v = strings.TrimSpace(v); v == "" {
			return d
		}
		return v
	}
	return Tables{
		Connections: def(t.Connections, "connections"),
		Assignments: def(t.Assignments, "tutor_student_assignments"),
		Profiles:    def(t.Profiles, "profiles"),
		Activity:    def(t.Activity, "student_activity"),
		Queue:       def(t.Queue, "delivery_queue"),
	}
}

// Validate rejects names that are not plain SQL identifiers; they are
// interpolated into statements.
func (t Tables) Validate() error {
	seen := map[string]string{}
	for _, kv := range [][2]string{
		{"connections", t.Connections},
		{"assignments", t.Assignments},
		{"profiles", t.Profiles},
		{"activity", t.Activity},
		{"queue", t.Queue},
	} {
		if !identRe.MatchString(kv[1]) {
			return fmt.Errorf("storage: invalid %s table name %q", kv[0], kv[1])
		}
		if prev, ok := seen[kv[1]]; ok {
			return fmt.Errorf("storage: %s and %s share table %q", prev, kv[0], kv[1])
		}
		seen[kv[1]] = kv[0]
	}
	return nil
}

// Connection is a live push endpoint for one user.
type Connection struct {
	ID          string
	UserEmail   string
	ConnectedAt time.Time
	ExpiresAt   time.Time
}

func (c Connection) Expired(now time.Time) bool { return !now.Before(c.ExpiresAt) }

type Assignment struct {
	TutorEmail   string
	StudentEmail string
	Status       string
	Room         string
	UpdatedAt    time.Time
}

const (
	RoleTutor   = "tutor"
	RoleStudent = "student"
)

type Profile struct {
	Email string
	Name  string
	Role  string
}

// Activity is the latest session metrics of a student under one tutor.
type Activity struct {
	TutorEmail    string
	StudentEmail  string
	Room          string
	SpeakingRatio float64
	DurationMS    int64
	NeedsHelp     bool
	LastActive    time.Time
}

type QueueMessage struct {
	ID         string
	TutorEmail string
	Body       []byte
	EnqueuedAt time.Time
	VisibleAt  time.Time
	Attempts   int
}

type ConnectionStore interface {
	PutConnection(ctx context.Context, c Connection) error
	// DeleteConnection reports whether a row was removed.
	DeleteConnection(ctx context.Context, id string) (bool, error)
	ConnectionsByUser(ctx context.Context, userEmail string) ([]Connection, error)
	AllConnections(ctx context.Context) ([]Connection, error)
	DeleteExpiredConnections(ctx context.Context, now time.Time) (int, error)
}

type AssignmentStore interface {
	PutAssignment(ctx context.Context, a Assignment) error
	AssignmentsByTutor(ctx context.Context, tutorEmail string) ([]Assignment, error)
	AssignmentsByStudent(ctx context.Context, studentEmail string) ([]Assignment, error)
}

type ProfileStore interface {
	PutProfile(ctx context.Context, p Profile) error
	GetProfile(ctx context.Context, email string) (Profile, bool, error)
	ProfilesByRole(ctx context.Context, role string) ([]Profile, error)
}

type ActivityStore interface {
	PutActivity(ctx context.Context, a Activity) error
	GetActivity(ctx context.Context, tutorEmail, studentEmail string) (Activity, bool, error)
}

// QueueStore backs the durable delivery queue. Claimed messages become
// invisible until their visibility deadline passes.
type QueueStore interface {
	EnqueueMessage(ctx context.Context, m QueueMessage) error
	ClaimMessages(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]QueueMessage, error)
	DeleteMessage(ctx context.Context, id string) error
	ReleaseMessage(ctx context.Context, id string, visibleAt time.Time) error
}

// Store is the full persistence API.
type Store interface {
	ConnectionStore
	AssignmentStore
	ProfileStore
	ActivityStore
	QueueStore
	Ping(ctx context.Context) error
	Close() error
}

// NormalizeEmail is the canonical key form for user emails.
func NormalizeEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }
