// Command scholarrd is Scholarr's ingestion daemon: the Scheduler tick
// loop, the PDF Resolution Queue worker pool, the Prometheus metrics
// endpoint, and the REST+SSE API server, all wired from one config
// snapshot. Grounded on the teacher's cmd/webstalk/main.go — a cobra root
// command with persistent --config/--verbose flags, one subcommand per
// mode of operation, a shared setupLogger — generalized from a one-shot
// crawl CLI to a long-running daemon with an ops-facing run/migrate pair.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/scholarr/ingestion/internal/config"
)

var (
	cfgFile string
	verbose bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "scholarrd",
		Short: "Scholarr ingestion daemon",
		Long: `scholarrd walks each tracked scholar's Google Scholar profile on a schedule,
upserts discovered publications, resolves open-access PDFs, enriches
identifiers, and serves the REST+SSE API the Scholarr frontend talks to.`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("scholarrd %s\n", config.Version)
		},
	}
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}
