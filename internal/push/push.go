// Package push delivers serialized snapshots to individual connections.
package push

import (
	"context"
	"errors"
)

// ErrGone reports that the connection no longer exists at the transport.
// Callers should drop it from the registry.
var ErrGone = errors.New("push: connection gone")

// ErrNoRetry marks a transient failure after which the transport dropped
// its end of the connection, so an immediate retry cannot succeed. The
// connection is not gone: the client reconnects on its own.
var ErrNoRetry = errors.New("push: connection reset")

// Pusher posts one payload to one connection. A nil error means delivered,
// an error wrapping ErrGone means the endpoint is dead, anything else is
// transient.
type Pusher interface {
	Post(ctx context.Context, connectionID string, payload []byte) error
}

type Outcome string

const (
	OutcomeOK    Outcome = "ok"
	OutcomeGone  Outcome = "gone"
	OutcomeError Outcome = "error"
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrGone):
		return OutcomeGone
	default:
		return OutcomeError
	}
}

// Retryable reports whether a transient err is worth another attempt now.
func Retryable(err error) bool {
	return Classify(err) == OutcomeError && !errors.Is(err, ErrNoRetry)
}
