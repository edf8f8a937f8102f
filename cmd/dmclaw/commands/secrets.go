package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/config"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage tokens and API keys in the vault or OS keyring",
		Long: `Secrets resolve from the encrypted vault first, then the OS keyring,
then environment variables, then the config file.

Known names: ` + fmt.Sprint(config.SecretNames()),
	}
	cmd.PersistentFlags().String("store", "", "vault or keyring (default: vault when it exists)")
	cmd.AddCommand(newSecretsSetCmd(), newSecretsGetCmd(), newSecretsDeleteCmd(), newSecretsListCmd())
	return cmd
}

func newSecretsSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAME [VALUE]",
		Short: "Store a secret (prompts for the value when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if !config.IsKnownSecret(name) {
				cmd.PrintErrf("warning: %s is not read by dmclaw\n", name)
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			} else {
				v, err := config.ReadPassword(name + ": ")
				if err != nil {
					return err
				}
				value = v
			}
			if value == "" {
				return errors.New("empty value")
			}

			switch store, err := secretStore(cmd); {
			case err != nil:
				return err
			case store == storeKeyring:
				if err := config.StoreKeyring(name, value); err != nil {
					return fmt.Errorf("store in keyring: %w", err)
				}
				cmd.Printf("%s stored in the OS keyring\n", name)
			default:
				vault, err := openOrCreateVault()
				if err != nil {
					return err
				}
				defer vault.Lock()
				if err := vault.Set(name, value); err != nil {
					return err
				}
				cmd.Printf("%s stored in %s\n", name, vault.Path())
			}
			return nil
		},
	}
}

func newSecretsGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get NAME",
		Short: "Show where a secret resolves from (value masked unless --reveal)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, source := lookupSecret(args[0], unlockedVault())
			if source == "" {
				return fmt.Errorf("%w: %s", config.ErrMissingSecret, args[0])
			}
			if reveal, _ := cmd.Flags().GetBool("reveal"); !reveal {
				value = mask(value)
			}
			cmd.Printf("%s=%s (%s)\n", args[0], value, source)
			return nil
		},
	}
	cmd.Flags().Bool("reveal", false, "print the full value")
	return cmd
}

func newSecretsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete NAME",
		Short: "Remove a secret from the vault and the OS keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			removed := 0
			if vault := unlockedVault(); vault != nil {
				defer vault.Lock()
				if v, _ := vault.Get(name); v != "" {
					if err := vault.Delete(name); err != nil {
						return err
					}
					removed++
				}
			}
			if config.GetKeyring(name) != "" {
				if err := config.DeleteKeyring(name); err != nil && !errors.Is(err, keyring.ErrNotFound) {
					return fmt.Errorf("delete from keyring: %w", err)
				}
				removed++
			}
			if removed == 0 {
				return fmt.Errorf("%s not found in vault or keyring", name)
			}
			cmd.Printf("%s deleted\n", name)
			return nil
		},
	}
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known secrets and where each resolves from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			vault := unlockedVault()
			names := config.SecretNames()
			if vault != nil {
				defer vault.Lock()
				keys, err := vault.Keys()
				if err != nil {
					return err
				}
				for _, k := range keys {
					if !slices.Contains(names, k) {
						names = append(names, k)
					}
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSOURCE")
			for _, name := range names {
				_, source := lookupSecret(name, vault)
				if source == "" {
					source = "-"
				}
				fmt.Fprintf(w, "%s\t%s\n", name, source)
			}
			return w.Flush()
		},
	}
}

// lookupSecret resolves name in priority order and names the source.
func lookupSecret(name string, vault *config.Vault) (value, source string) {
	if vault != nil {
		if v, err := vault.Get(name); err == nil && v != "" {
			return v, "vault"
		}
	}
	if v := config.GetKeyring(name); v != "" {
		return v, "keyring"
	}
	if v := os.Getenv(name); v != "" {
		return v, "env"
	}
	return "", ""
}

func secretStore(cmd *cobra.Command) (string, error) {
	store, _ := cmd.Flags().GetString("store")
	switch store {
	case storeVault, storeKeyring:
		return store, nil
	case "":
		if config.NewVault(config.VaultFile).Exists() || !config.KeyringAvailable() {
			return storeVault, nil
		}
		return storeKeyring, nil
	default:
		return "", fmt.Errorf("unknown store %q (vault or keyring)", store)
	}
}

// unlockedVault returns the unlocked default vault, or nil.
func unlockedVault() *config.Vault {
	return config.UnlockVault(slog.Default())
}

func openOrCreateVault() (*config.Vault, error) {
	vault := config.NewVault(config.VaultFile)
	if vault.Exists() {
		if v := config.UnlockVault(slog.Default()); v != nil {
			return v, nil
		}
		return nil, errors.New("could not unlock the vault")
	}
	password, err := config.ReadPassword("New vault password: ")
	if err != nil {
		return nil, err
	}
	confirm, err := config.ReadPassword("Repeat password: ")
	if err != nil {
		return nil, err
	}
	if password != confirm {
		return nil, errors.New("passwords do not match")
	}
	if err := vault.Create(password); err != nil {
		return nil, err
	}
	return vault, nil
}

func mask(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}
