package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/config"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

// newRunCmd creates `dmclaw run`, which processes one batch and exits.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process one batch of pending direct messages",
		Long: `Reconcile already-answered messages, recover stale claims, then claim
one batch of pending messages and reply to each. An empty queue is a
successful run.

Examples:
  dmclaw run
  dmclaw run --dry-run --limit 5
  dmclaw run --mode template`,
		Args: cobra.NoArgs,
		RunE: runRun,
	}

	cmd.Flags().Int("limit", 0, "batch size (default from config)")
	cmd.Flags().Int("max-retries", 0, "attempt ceiling per message (default from config)")
	cmd.Flags().Bool("dry-run", false, "compose and mark replies without sending")
	cmd.Flags().String("persona-name", "", "assistant name used in replies")
	cmd.Flags().String("mode", "", "reply mode: conversational or template")
	cmd.Flags().Bool("skip-answered-check", false, "skip reconciliation and stale recovery")
	return cmd
}

// applyRunFlags overlays explicitly set flags onto cfg.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("limit") {
		cfg.Responder.BatchLimit, _ = flags.GetInt("limit")
	}
	if flags.Changed("max-retries") {
		cfg.Responder.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("dry-run") {
		cfg.Responder.DryRun, _ = flags.GetBool("dry-run")
	}
	if flags.Changed("persona-name") {
		cfg.PersonaName, _ = flags.GetString("persona-name")
	}
	if flags.Changed("mode") {
		cfg.Responder.Mode, _ = flags.GetString("mode")
	}
	if flags.Changed("skip-answered-check") {
		cfg.Responder.SkipAnsweredCheck, _ = flags.GetBool("skip-answered-check")
	}
	return cfg.Validate()
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(cmd, cfg); err != nil {
		return err
	}

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

	stats, err := r.RunOnce(ctx)
	logStats(logger, stats)
	return err
}

func closeResponder(r *responder.Responder, logger *slog.Logger) {
	if err := r.Close(); err != nil {
		logger.Warn("failed to disconnect channel", "error", err)
	}
}

func logStats(logger *slog.Logger, s responder.Stats) {
	logger.Info("dm responder run done",
		"run_id", s.RunID,
		"auto_responded", s.AutoResponded,
		"recovered", s.Recovered,
		"claimed", s.Claimed,
		"responded", s.Responded,
		"skipped", s.Skipped,
		"failed", s.Failed,
		"duration", s.Duration,
	)
}
