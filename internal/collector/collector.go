// Package collector joins assignments, profiles and activity into a
// per-tutor dashboard snapshot. It only reads.
package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tutordash/internal/dashboard"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

// DefaultWarningThreshold is the speaking ratio under which an active
// student is flagged.
const DefaultWarningThreshold = 20.0

type AssignmentReader interface {
	AssignmentsByTutor(ctx context.Context, tutorEmail string) ([]storage.Assignment, error)
}

type ProfileReader interface {
	GetProfile(ctx context.Context, email string) (storage.Profile, bool, error)
}

type ActivityReader interface {
	GetActivity(ctx context.Context, tutorEmail, studentEmail string) (storage.Activity, bool, error)
}

type Config struct {
	WarningThreshold float64
	// InactiveAfter demotes active students whose last activity is older.
	// Zero disables it.
	InactiveAfter time.Duration
	Clock         func() time.Time
}

type Collector struct {
	assignments AssignmentReader
	profiles    ProfileReader
	activity    ActivityReader
	cfg         Config
	log         logx.Logger
}

func New(assignments AssignmentReader, profiles ProfileReader, activity ActivityReader, cfg Config, log logx.Logger) *Collector {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.WarningThreshold <= 0 {
		cfg.WarningThreshold = DefaultWarningThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Collector{assignments: assignments, profiles: profiles, activity: activity, cfg: cfg, log: log}
}

// CollectByTutor builds the snapshot for incremental pushes; inactive
// students are left out.
func (c *Collector) CollectByTutor(ctx context.Context, tutorEmail string) (dashboard.Snapshot, error) {
	return c.collect(ctx, tutorEmail, false)
}

// CollectAllStudents builds the full snapshot including inactive students.
func (c *Collector) CollectAllStudents(ctx context.Context, tutorEmail string) (dashboard.Snapshot, error) {
	return c.collect(ctx, tutorEmail, true)
}

// Collect dispatches on mode.
func (c *Collector) Collect(ctx context.Context, tutorEmail string, mode dashboard.Mode) (dashboard.Snapshot, error) {
	if mode == dashboard.ModeIncremental {
		return c.CollectByTutor(ctx, tutorEmail)
	}
	return c.CollectAllStudents(ctx, tutorEmail)
}

func (c *Collector) collect(ctx context.Context, tutorEmail string, includeInactive bool) (dashboard.Snapshot, error) {
	tutorEmail = storage.NormalizeEmail(tutorEmail)
	rows, err := c.assignments.AssignmentsByTutor(ctx, tutorEmail)
	if err != nil {
		return dashboard.Snapshot{}, fmt.Errorf("collect %s: assignments: %w", tutorEmail, err)
	}

	now := c.cfg.Clock()
	students := make([]dashboard.StudentStatus, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, a := range rows {
		if err := ctx.Err(); err != nil {
			return dashboard.Snapshot{}, err
		}
		if _, dup := seen[a.StudentEmail]; dup {
			continue
		}
		seen[a.StudentEmail] = struct{}{}

		st := c.student(ctx, tutorEmail, a, now)
		if !includeInactive && st.Status == dashboard.StatusInactive {
			continue
		}
		students = append(students, st)
	}
	sort.Slice(students, func(i, j int) bool { return students[i].Email < students[j].Email })
	return dashboard.NewSnapshot(students, now), nil
}

// student classifies one assignment. Read failures degrade the row instead
// of failing the tutor.
func (c *Collector) student(ctx context.Context, tutorEmail string, a storage.Assignment, now time.Time) dashboard.StudentStatus {
	st := dashboard.StudentStatus{
		Email:  a.StudentEmail,
		Name:   a.StudentEmail,
		Room:   a.Room,
		Status: dashboard.ParseStatus(a.Status),
	}

	p, ok, err := c.profiles.GetProfile(ctx, a.StudentEmail)
	switch {
	case err != nil:
		c.log.Warn("profile read failed", logx.String("tutor", tutorEmail), logx.String("student", a.StudentEmail), logx.Err(err))
	case ok && p.Name != "":
		st.Name = p.Name
	}

	act, ok, err := c.activity.GetActivity(ctx, tutorEmail, a.StudentEmail)
	if err != nil {
		c.log.Warn("activity read failed", logx.String("tutor", tutorEmail), logx.String("student", a.StudentEmail), logx.Err(err))
	}
	if err != nil || !ok {
		if st.Status == dashboard.StatusActive {
			st.Status = dashboard.StatusUnknown
		}
		return st
	}

	if act.Room != "" {
		st.Room = act.Room
	}
	st.SpeakingRatio = act.SpeakingRatio
	st.Duration = act.DurationMS
	st.Alert = act.NeedsHelp
	if !act.LastActive.IsZero() {
		st.LastActive = act.LastActive.UnixMilli()
	}
	if st.Status == dashboard.StatusActive && c.cfg.InactiveAfter > 0 && !act.LastActive.IsZero() &&
		now.Sub(act.LastActive) > c.cfg.InactiveAfter {
		st.Status = dashboard.StatusInactive
	}
	st.Warning = st.Status == dashboard.StatusActive && st.SpeakingRatio < c.cfg.WarningThreshold
	return st
}
