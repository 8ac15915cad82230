// Package activity is the write path for student session state. An update
// lands on the activity row of every tutor the student is assigned to and
// announces a status change for each of them.
package activity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tutordash/internal/dashboard"
	"tutordash/internal/eventbus"
	"tutordash/internal/metrics"
	"tutordash/internal/storage"
	logx "tutordash/pkg/logx"
)

var (
	ErrInvalid        = errors.New("activity: invalid update")
	ErrUnknownStudent = errors.New("activity: unknown student")
	// ErrNoTutor rejects updates for students without an assignment.
	ErrNoTutor = errors.New("activity: student has no assigned tutor")
)

// Update is one status report for a student.
type Update struct {
	StudentEmail string `json:"studentEmail" validate:"notblank,email"`
	Room         string `json:"room" validate:"max=128"`
	// Status, when set, moves the student's assignments to that status.
	Status        string  `json:"status,omitempty" validate:"omitempty,oneof=active inactive"`
	SpeakingRatio float64 `json:"speakingRatio" validate:"gte=0,lte=100"`
	DurationMS    int64   `json:"durationMs" validate:"gte=0"`
	NeedsHelp     bool    `json:"needsHelp"`
}

// Result names the tutors whose dashboards changed.
type Result struct {
	StudentEmail string   `json:"studentEmail"`
	Tutors       []string `json:"tutors"`
}

type Store interface {
	storage.AssignmentStore
	storage.ProfileStore
	storage.ActivityStore
}

type Service struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
	clock func() time.Time
}

func New(store Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, bus: bus, log: log, clock: time.Now}
}

// Apply validates u, writes it under every assigned tutor and publishes a
// status change per tutor. A student with neither profile nor assignment
// is unknown; a known student without assignment is rejected with
// ErrNoTutor.
func (s *Service) Apply(ctx context.Context, u Update) (Result, error) {
	res, err := s.apply(ctx, u)
	metrics.StatusUpdates.WithLabelValues(resultLabel(err)).Inc()
	return res, err
}

func (s *Service) apply(ctx context.Context, u Update) (Result, error) {
	u.StudentEmail = storage.NormalizeEmail(u.StudentEmail)
	if err := validateUpdate(u); err != nil {
		return Result{}, err
	}
	student := u.StudentEmail
	res := Result{StudentEmail: student}

	assignments, err := s.store.AssignmentsByStudent(ctx, student)
	if err != nil {
		return res, fmt.Errorf("activity %s: assignments: %w", student, err)
	}
	if len(assignments) == 0 {
		_, known, err := s.store.GetProfile(ctx, student)
		if err != nil {
			return res, fmt.Errorf("activity %s: profile: %w", student, err)
		}
		if !known {
			return res, fmt.Errorf("activity %s: %w", student, ErrUnknownStudent)
		}
		s.log.Warn("status update without tutor rejected", logx.String("student", student))
		return res, fmt.Errorf("activity %s: %w", student, ErrNoTutor)
	}

	now := s.clock()
	for _, a := range assignments {
		room := u.Room
		if room == "" {
			room = a.Room
		}
		err := s.store.PutActivity(ctx, storage.Activity{
			TutorEmail:    a.TutorEmail,
			StudentEmail:  student,
			Room:          room,
			SpeakingRatio: u.SpeakingRatio,
			DurationMS:    u.DurationMS,
			NeedsHelp:     u.NeedsHelp,
			LastActive:    now,
		})
		if err != nil {
			return res, fmt.Errorf("activity %s: write for %s: %w", student, a.TutorEmail, err)
		}
		if u.Status != "" && dashboard.ParseStatus(u.Status) != dashboard.ParseStatus(a.Status) {
			a.Status = u.Status
			a.UpdatedAt = now
			if err := s.store.PutAssignment(ctx, a); err != nil {
				return res, fmt.Errorf("activity %s: status for %s: %w", student, a.TutorEmail, err)
			}
		}
		res.Tutors = append(res.Tutors, a.TutorEmail)
	}

	for _, tutor := range res.Tutors {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{
				Type: eventbus.TypeStatusChanged,
				Data: eventbus.StatusChange{TutorEmail: tutor, StudentEmail: student},
			})
		}
	}
	s.log.Debug("status update applied", logx.String("student", student), logx.Int("tutors", len(res.Tutors)))
	return res, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	case errors.Is(err, ErrUnknownStudent):
		return "unknown_student"
	case errors.Is(err, ErrNoTutor):
		return "no_tutor"
	default:
		return "error"
	}
}
