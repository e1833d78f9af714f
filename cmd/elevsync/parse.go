package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var parsePending bool

var parseCmd = &cobra.Command{
	Use:   "parse [elevation-id]",
	Short: "Parse downloaded artifacts",
	Long: `Validates an elevation's parts-list artifact and stores its glass
specifications. With --pending, parses one batch of candidates instead.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if parsePending {
			return cobra.NoArgs(cmd, args)
		}
		return cobra.ExactArgs(1)(cmd, args)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		a := newApp(cfg, false)
		defer a.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if parsePending {
			batch, err := a.pipeline.ParsePending(cmd.Context(), cfg.Artifact.MaxRetries, cfg.Artifact.BatchSize)
			if err != nil {
				return err
			}
			return enc.Encode(batch)
		}

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid elevation id %q", args[0])
		}
		res, err := a.pipeline.Parse(cmd.Context(), id)
		if err != nil {
			return err
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("failed to print result: %w", err)
		}
		if !res.Success {
			return fmt.Errorf("parse failed: %s", res.Error)
		}
		return nil
	},
}

func init() {
	parseCmd.Flags().BoolVar(&parsePending, "pending", false, "parse a batch of pending or retryable elevations")
	rootCmd.AddCommand(parseCmd)
}
