package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/facadeworks/elevsync/internal/models"
	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync and print its summary",
	Long: `Discovers the root folders, walks every non-excluded subtree and prints
the run summary as JSON. Exits non-zero when the run failed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loadConfig(), true)
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		summary, err := a.scheduler.SyncAll(ctx)
		if summary != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summary); encErr != nil {
				return fmt.Errorf("failed to print summary: %w", encErr)
			}
		}
		if err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		if summary.Outcome == models.SyncOutcomeFailed {
			return fmt.Errorf("sync %s failed with %d errors", summary.RunID, len(summary.Errors))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
