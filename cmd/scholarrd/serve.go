package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, PDF queue worker pool, and API server",
		RunE:  runServe,
	}
}

// runServe is the long-running daemon mode. Grounded on the teacher's
// runCrawl: build collaborators, start them, install a signal handler that
// tears everything down, then block until shutdown completes.
func runServe(cmd *cobra.Command, args []string) error {
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

	go c.sched.Run(ctx)
	go c.pdfPool.Run(ctx)
	go c.pollQueueDepths(ctx)

	if cfg.Metrics.Enabled {
		if err := c.metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			logger.Warn("failed to start metrics server", "error", err)
		}
	}

	apiServer := c.newAPIServer(logger)
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("start api server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down...", "signal", sig)
	cancel()

	return nil
}

// pollQueueDepths feeds the continuation and PDF queue depth gauges on a
// ticker, since neither queue's own loop runs often enough to double as a
// metrics heartbeat.
func (c *components) pollQueueDepths(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := c.continuationStore.CountPending(ctx); err == nil {
				c.metrics.SetContinuationQueueDepth(n)
			}
			if n, err := c.pdfQueueStore.CountPending(ctx); err == nil {
				c.metrics.SetPdfQueueDepth(n)
			}
		}
	}
}
