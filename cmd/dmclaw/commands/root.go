// Package commands implements the dmclaw CLI with cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dmclaw",
		Short: "dmclaw - direct message auto-responder",
		Long: `dmclaw claims pending inbound direct messages, composes a reply from
deterministic rules or a budget-capped completion model, and delivers it
exactly once over Telegram, Discord or WhatsApp.

Examples:
  dmclaw run --dry-run
  dmclaw serve
  dmclaw status
  dmclaw try`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newRecoverCmd(),
		newReconcileCmd(),
		newStatusCmd(),
		newMigrateCmd(),
		newTryCmd(),
		newSetupCmd(),
		newSecretsCmd(),
		newVersionCmd(version),
	)

	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the dmclaw version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("dmclaw %s\n", version)
		},
	}
}
