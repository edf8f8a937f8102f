package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/scheduler"
)

// Job ids registered by serve.
const (
	jobRespond     = "respond"
	jobMaintenance = "maintenance"
)

// newServeCmd creates `dmclaw serve`, the long-running mode.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer direct messages on a schedule until stopped",
		Long: `Run the responder as a daemon. Worker loops drain the queue on the
schedule.respond cron expression; reconciliation and stale recovery run on
schedule.maintenance. SIGINT or SIGTERM stops after in-flight sends finish.

Examples:
  dmclaw serve
  dmclaw serve --workers 8
  dmclaw serve --config ./dmclaw.yaml`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().Int("workers", 0, "concurrent claim loops (default from config)")
	cmd.Flags().Bool("dry-run", false, "compose and mark replies without sending")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("workers") {
		cfg.Responder.Workers, _ = cmd.Flags().GetInt("workers")
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.Responder.DryRun, _ = cmd.Flags().GetBool("dry-run")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openAppWith(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	r, err := a.newResponder()
	if err != nil {
		return err
	}
	defer closeResponder(r, logger)

	workers := cfg.Responder.Workers
	sched := scheduler.New(logger)
	jobs := []*scheduler.Job{
		{
			ID:       jobMaintenance,
			Schedule: cfg.Schedule.Maintenance,
			Run: func(ctx context.Context) error {
				_, _, err := r.Maintain(ctx)
				return err
			},
		},
		{
			ID:       jobRespond,
			Schedule: cfg.Schedule.Respond,
			Run: func(ctx context.Context) error {
				stats, err := r.RunWorkers(ctx, workers)
				if stats.Claimed > 0 {
					logStats(logger, stats)
				}
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return fmt.Errorf("schedule: %w", err)
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	// Work off the backlog before the first tick.
	for _, id := range []string{jobMaintenance, jobRespond} {
		if err := sched.RunNow(id); err != nil {
			logger.Warn("startup run failed", "job", id, "error", err)
		}
	}

	logger.Info("dmclaw running, press Ctrl+C to stop",
		"persona", cfg.PersonaName,
		"channel", cfg.Channel.Type,
		"mode", cfg.Responder.Mode,
		"workers", workers,
		"dry_run", cfg.Responder.DryRun,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out after 15s, forcing exit")
	}
	return nil
}
