package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tutordash/internal/app"
	logx "tutordash/pkg/logx"
)

const stopTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP/WebSocket server, queue consumer and schedules",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// NotifyContext does not say which signal fired.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case <-ctx.Done():
		reason = signalReason(sigCh)
	case <-a.Done():
		reason = app.StopFatalError
		if a.Err() == nil {
			reason = signalReason(sigCh)
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		a.Logger().Warn("stop failed", logx.Err(err))
	}
	return a.Err()
}

func signalReason(ch <-chan os.Signal) app.StopReason {
	select {
	case s := <-ch:
		if s == syscall.SIGTERM {
			return app.StopSIGTERM
		}
		return app.StopSIGINT
	default:
		return app.StopUnknown
	}
}
