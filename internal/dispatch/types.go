package dispatch

import (
	"context"
	"time"

	"tutordash/internal/dashboard"
	"tutordash/internal/storage"
)

type Collector interface {
	Collect(ctx context.Context, tutorEmail string, mode dashboard.Mode) (dashboard.Snapshot, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, tutorEmail string, body []byte) (string, error)
}

// Directory enumerates tutors for the scheduled refresh.
type Directory interface {
	ProfilesByRole(ctx context.Context, role string) ([]storage.Profile, error)
}

type Config struct {
	// Debounce coalesces status-change bursts before an incremental
	// dispatch. Zero dispatches each change as it arrives.
	Debounce time.Duration
	// TutorTimeout bounds one tutor's collect+enqueue.
	TutorTimeout time.Duration
	// SkipEmpty suppresses envelopes for tutors without students.
	SkipEmpty bool
}

// Outcome describes one enqueued envelope.
type Outcome struct {
	TutorEmail string            `json:"tutorEmail"`
	Mode       dashboard.Mode    `json:"mode"`
	MessageID  string            `json:"messageId,omitempty"`
	Students   int               `json:"students"`
	Summary    dashboard.Summary `json:"summary"`
	Skipped    bool              `json:"skipped,omitempty"`
}

// BatchResult is the tally of one DispatchAll run.
type BatchResult struct {
	Tutors   int `json:"tutors"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}
