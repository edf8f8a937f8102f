package commands

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/fuse"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

func newRecoverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Return stale sending claims to failed",
		Long: `Messages left in sending longer than --stale-minutes (a crashed run)
are marked failed so the next run retries them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			minutes := a.cfg.Responder.StaleMinutes
			if cmd.Flags().Changed("stale-minutes") {
				minutes, _ = cmd.Flags().GetInt("stale-minutes")
			}
			n, err := a.queue.RecoverStale(ctx, minutes)
			if err != nil {
				return err
			}
			cmd.Printf("recovered %d stale message(s)\n", n)
			return nil
		},
	}
	cmd.Flags().Int("stale-minutes", queue.DefaultStaleMinutes, "age after which a sending claim is stale")
	return cmd
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark messages already answered outside dmclaw as responded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.queue.ReconcileAlreadyAnswered(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("marked %d message(s) as already answered\n", n)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show inbound message counts per state and today's spend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			counts, err := a.queue.Counts(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STATUS\tCOUNT")
			var open int64
			for _, s := range queue.AllStatuses {
				fmt.Fprintf(w, "%s\t%d\n", s, counts[s])
				if !s.Terminal() {
					open += counts[s]
				}
			}
			fmt.Fprintf(w, "open\t%d\n", open)
			if err := w.Flush(); err != nil {
				return err
			}

			f, err := fuse.New(a.cfg.FuseOptions(), a.logger)
			if err != nil {
				return err
			}
			day, err := f.Today(ctx)
			if err != nil {
				return fmt.Errorf("read spend ledger: %w", err)
			}
			cmd.Printf("\nspend today: $%.4f of $%.2f (%d completion calls)\n", day.CostUSD, f.Cap(), day.Calls)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := openAppWith(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			before, err := a.db.Migrator.CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			if err := a.db.Migrator.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			after, err := a.db.Migrator.CurrentVersion(ctx)
			if err != nil {
				return fmt.Errorf("read schema version: %w", err)
			}
			if err := a.db.Probe(ctx); err != nil {
				return err
			}
			cmd.Printf("schema version %d -> %d (%s)\n", before, after, a.db.Backend)
			return nil
		},
	}
}
