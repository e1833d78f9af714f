package main

import (
	"fmt"
	"time"

	"github.com/facadeworks/elevsync/internal/models"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent sync runs and parse progress",
	Long:  `Displays the most recent sync runs and how many elevations are in each parse status.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(loadConfig(), false)
		defer a.Close()
		ctx := cmd.Context()

		fmt.Println("=== elevsync: Status ===")
		fmt.Println()

		runs, err := a.db.ListSyncRuns(ctx, 10)
		if err != nil {
			return fmt.Errorf("failed to list sync runs: %w", err)
		}
		if len(runs) > 0 {
			fmt.Println("Recent Sync Runs:")
			for _, r := range runs {
				fmt.Printf("  %s - %s ago (%s, %d roots, %d nodes, %d errors, took %s)\n",
					shortID(r.ID),
					formatDuration(time.Since(r.FinishedAt)),
					r.Outcome,
					r.Roots,
					r.Processed,
					len(r.Errors),
					formatDuration(r.FinishedAt.Sub(r.StartedAt)),
				)
			}
		} else {
			fmt.Println("No sync runs recorded yet.")
			fmt.Println("Run 'elevsync sync' to mirror the remote catalog.")
		}
		fmt.Println()

		counts, err := a.db.CountByParseStatus(ctx)
		if err != nil {
			return fmt.Errorf("failed to count parse statuses: %w", err)
		}
		fmt.Println("Elevations by Parse Status:")
		for _, s := range []models.ParseStatus{
			models.ParseStatusPending,
			models.ParseStatusInProgress,
			models.ParseStatusSuccess,
			models.ParseStatusPartial,
			models.ParseStatusFailed,
			models.ParseStatusValidationFailed,
		} {
			fmt.Printf("  %-18s %d\n", s, counts[s])
		}

		return nil
	},
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.0fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.0fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
