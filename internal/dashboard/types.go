// Package dashboard defines the tutor dashboard payloads and their wire codec.
package dashboard

import (
	"time"
)

// Status is a student's session state as shown to the tutor.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusUnknown  Status = "unknown"
)

// ParseStatus maps free-form assignment status strings to a Status.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusActive, StatusInactive:
		return Status(s)
	default:
		return StatusUnknown
	}
}

const TypeDashboardUpdate = "dashboard_update"

// StudentStatus is one row of a dashboard snapshot.
type StudentStatus struct {
	Email         string  `json:"email"`
	Name          string  `json:"name"`
	Room          string  `json:"room"`
	Status        Status  `json:"status"`
	SpeakingRatio float64 `json:"speakingRatio"`
	Duration      int64   `json:"duration"`
	Warning       bool    `json:"warning"`
	Alert         bool    `json:"alert"`
	LastActive    int64   `json:"lastActive"`
}

type Summary struct {
	Active   int `json:"active"`
	Warning  int `json:"warning"`
	Total    int `json:"total"`
	Speaking int `json:"speaking"`
}

// Snapshot is the payload pushed to a tutor's dashboard clients.
type Snapshot struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Students  []StudentStatus `json:"students"`
	Summary   Summary         `json:"summary"`
}

// Summarize folds students into counts. A student counts as speaking when
// the ratio is positive and not flagged as below the warning threshold.
func Summarize(students []StudentStatus) Summary {
	sum := Summary{Total: len(students)}
	for _, s := range students {
		if s.Status == StatusActive {
			sum.Active++
		}
		if s.Warning {
			sum.Warning++
		}
		if s.SpeakingRatio > 0 && !s.Warning {
			sum.Speaking++
		}
	}
	return sum
}

// NewSnapshot stamps students with the summary and timestamp.
func NewSnapshot(students []StudentStatus, now time.Time) Snapshot {
	if students == nil {
		students = []StudentStatus{}
	}
	return Snapshot{
		Type:      TypeDashboardUpdate,
		Timestamp: now.UnixMilli(),
		Students:  students,
		Summary:   Summarize(students),
	}
}

// Mode selects which collection a dispatch used.
type Mode string

const (
	// ModeFull includes every assigned student.
	ModeFull Mode = "full"
	// ModeIncremental omits inactive students.
	ModeIncremental Mode = "incremental"
)

func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeFull, ModeIncremental:
		return Mode(s), true
	case "":
		return ModeFull, true
	default:
		return "", false
	}
}

// Envelope is the queued unit of work: one snapshot for one tutor.
type Envelope struct {
	TutorEmail string   `json:"tutorEmail"`
	Mode       Mode     `json:"mode"`
	Snapshot   Snapshot `json:"snapshot"`
}

// ConnectedEvent is the first frame a WebSocket client receives.
type ConnectedEvent struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
}

const TypeConnected = "connected"
