package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tutordash/internal/app"
	"tutordash/internal/seed"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load profiles and assignments from a YAML file into storage",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed file (yaml)")
	_ = seedCmd.MarkFlagRequired("file")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	f, err := seed.Load(seedFile)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

	res, err := seed.Apply(cmd.Context(), a.Store(), f)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d profiles, %d assignments\n", res.Profiles, res.Assignments)
	return nil
}
