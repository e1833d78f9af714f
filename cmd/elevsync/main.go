// Command elevsync mirrors the remote catalog hierarchy into PostgreSQL and
// enriches elevations from their downloaded parts-list artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/facadeworks/elevsync/internal/logger"
	"github.com/spf13/cobra"
)

var version string

var rootCmd = &cobra.Command{
	Use:   "elevsync",
	Short: "Mirror the remote catalog and enrich elevations",
	Long: `elevsync walks the remote catalog (folders, projects, phases, elevations),
reconciles it into PostgreSQL, downloads each elevation's parts-list database
and extracts glass specifications from it.`,
	SilenceUsage: true,
}

func main() {
	defer logger.Close()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		logger.Close()
		os.Exit(1)
	}
}
