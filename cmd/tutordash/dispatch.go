package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tutordash/internal/app"
	"tutordash/internal/dashboard"
)

var (
	dispatchTutor string
	dispatchMode  string
	dispatchAll   bool
	dispatchPrint bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Collect and enqueue a dashboard snapshot for one tutor (or all)",
	Long: `Enqueues a snapshot on the configured queue. With a memory:// queue nothing
outside this process will deliver it; use store:// against the database a
running server consumes, or --print to only show the snapshot.`,
	RunE: runDispatch,
}

func init() {
	f := dispatchCmd.Flags()
	f.StringVar(&dispatchTutor, "tutor", "", "tutor email")
	f.StringVar(&dispatchMode, "mode", string(dashboard.ModeFull), "full or incremental")
	f.BoolVar(&dispatchAll, "all", false, "dispatch every tutor in the directory")
	f.BoolVar(&dispatchPrint, "print", false, "print the collected snapshot instead of enqueueing")
	dispatchCmd.MarkFlagsMutuallyExclusive("tutor", "all")
}

func runDispatch(cmd *cobra.Command, _ []string) error {
	mode, ok := dashboard.ParseMode(strings.TrimSpace(dispatchMode))
	if !ok {
		return fmt.Errorf("unknown mode %q", dispatchMode)
	}
	if !dispatchAll && strings.TrimSpace(dispatchTutor) == "" {
		return fmt.Errorf("--tutor or --all is required")
	}

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	ctx := cmd.Context()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	switch {
	case dispatchPrint && dispatchAll:
		return fmt.Errorf("--print needs --tutor")
	case dispatchPrint:
		snap, err := a.Collector().Collect(ctx, dispatchTutor, mode)
		if err != nil {
			return err
		}
		return enc.Encode(snap)
	case dispatchAll:
		res, err := a.Dispatcher().DispatchAll(ctx)
		if encErr := enc.Encode(res); encErr != nil {
			return encErr
		}
		return err
	default:
		out, err := a.Dispatcher().Dispatch(ctx, dispatchTutor, mode)
		if err != nil {
			return err
		}
		return enc.Encode(out)
	}
}
