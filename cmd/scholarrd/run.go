package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var runUserID string

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Trigger a manual ingestion run for one user and wait for it to finish",
		RunE:  runRun,
	}
	cmd.Flags().StringVar(&runUserID, "user", "", "user ID to run scholars for (required)")
	return cmd
}

// runRun is a one-shot companion to serve: it triggers exactly one manual
// run through the same Scheduler used by the API's POST /api/v1/runs, then
// polls until the run reaches a terminal status, mirroring the teacher's
// crawl-then-wait shape in runCrawl.
func runRun(cmd *cobra.Command, args []string) error {
	if runUserID == "" {
		return fmt.Errorf("--user is required")
	}

	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return fmt.Errorf("build components: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.pdfPool.Run(ctx)

	run, err := c.sched.TriggerManual(ctx, runUserID)
	if err != nil {
		return fmt.Errorf("trigger run: %w", err)
	}
	logger.Info("run triggered", "run_id", run.ID, "user_id", runUserID)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			current, err := c.runs.GetRun(ctx, run.ID)
			if err != nil {
				return fmt.Errorf("poll run: %w", err)
			}
			if current.Status.IsTerminal() {
				fmt.Printf("run %s finished: status=%s scholars=%d new_publications=%d failed=%d partial=%d\n",
					current.ID, current.Status, current.ScholarCount, current.NewPublicationCount, current.FailedCount, current.PartialCount)
				return nil
			}
		}
	}
}
