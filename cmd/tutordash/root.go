package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "tutordash",
	Short:         "Tutor dashboard status pipeline",
	Long:          `Collects student session status and pushes dashboard snapshots to tutors. Commands: serve, dispatch, seed, migrate.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// .env only fills variables that are not already set.
		_ = godotenv.Load(".env")
	},
	RunE: runServe, // default: same as "tutordash serve"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath(), "path to config (json or yaml)")
	rootCmd.AddCommand(serveCmd, dispatchCmd, seedCmd, migrateCmd)
}

func defaultConfigPath() string {
	for _, p := range []string{"./config.yaml", "./config.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "./config.json"
}
