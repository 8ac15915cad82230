package main

import (
	"github.com/spf13/cobra"

	"tutordash/internal/app"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply or roll back the storage schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(*cobra.Command, []string) error {
		return app.MigrateUp(cfgPath)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations (postgres only)",
	RunE: func(*cobra.Command, []string) error {
		return app.MigrateDown(cfgPath, migrateSteps)
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&migrateSteps, "steps", 1, "migrations to roll back; 0 rolls back all")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}
