// Package systemd reports service state to the systemd manager. Outside a
// systemd unit (NOTIFY_SOCKET unset) every call is a no-op.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify states. The zero value uses daemon.SdNotify.
type Notifier struct {
	send func(state string) (bool, error)
}

func (n Notifier) notify(state string) (bool, error) {
	if n.send != nil {
		return n.send(state)
	}
	return daemon.SdNotify(false, state)
}

// Ready reports that startup finished.
func (n Notifier) Ready() (bool, error) { return n.notify(daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func (n Notifier) Stopping() (bool, error) { return n.notify(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl status.
func (n Notifier) Status(text string) (bool, error) { return n.notify("STATUS=" + text) }

// Watchdog pings the watchdog at half the configured interval until ctx
// ends. It returns at once when the unit has no WatchdogSec.
func (n Notifier) Watchdog(ctx context.Context) error {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return err
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_, _ = n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
