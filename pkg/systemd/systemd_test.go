package systemd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifierStates(t *testing.T) {
	t.Parallel()
	var sent []string
	n := Notifier{send: func(state string) (bool, error) {
		sent = append(sent, state)
		return true, nil
	}}
	_, err := n.Ready()
	require.NoError(t, err)
	_, _ = n.Status("serving 3 connections")
	_, _ = n.Stopping()
	assert.Equal(t, []string{"READY=1", "STATUS=serving 3 connections", "STOPPING=1"}, sent)
}

func TestNoSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	ok, err := Notifier{}.Ready()
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, Notifier{}.Watchdog(context.Background()))
}
