package dashboard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks payloads that can never be processed.
var ErrMalformed = errors.New("dashboard: malformed envelope")

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if strings.TrimSpace(env.TutorEmail) == "" {
		return nil, fmt.Errorf("%w: empty tutor email", ErrMalformed)
	}
	if env.Snapshot.Students == nil {
		env.Snapshot.Students = []StudentStatus{}
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses a queued envelope. All failures wrap ErrMalformed.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.TutorEmail) == "" {
		return Envelope{}, fmt.Errorf("%w: empty tutor email", ErrMalformed)
	}
	if env.Snapshot.Type != TypeDashboardUpdate {
		return Envelope{}, fmt.Errorf("%w: unexpected snapshot type %q", ErrMalformed, env.Snapshot.Type)
	}
	if env.Mode == "" {
		env.Mode = ModeFull
	}
	if env.Snapshot.Students == nil {
		env.Snapshot.Students = []StudentStatus{}
	}
	return env, nil
}

// EncodeSnapshot renders the client-facing payload.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	if s.Students == nil {
		s.Students = []StudentStatus{}
	}
	return json.Marshal(s)
}
