package main

import (
	"fmt"

	"github.com/facadeworks/elevsync/internal/db"
	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		requireConfig(cfg.RequireDatabase())

		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
		logger.Info("migrations applied")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
