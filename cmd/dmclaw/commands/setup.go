package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/whatsapp"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/config"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

// Where setup stores secrets.
const (
	storeVault   = "vault"
	storeKeyring = "keyring"
	storeNone    = "none"
)

// newSetupCmd creates `dmclaw setup`, the interactive config wizard.
func newSetupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walk through the essentials and write dmclaw.yaml. Tokens and API keys
go to the encrypted vault (AES-256-GCM) or the OS keyring; the config file
only holds ${VAR} references. With the WhatsApp channel, setup also links
the device by QR code.

Examples:
  dmclaw setup
  dmclaw setup --config ./configs/dmclaw.yaml`,
		Args: cobra.NoArgs,
		RunE: runSetup,
	}
	return cmd
}

// setupAnswers collects the wizard fields that do not map 1:1 onto Config.
type setupAnswers struct {
	dailyCap      string
	channelSecret string
	llmKey        string
	storage       string
	vaultPassword string
	pairNow       bool
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = "dmclaw.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		overwrite := false
		err := huh.NewConfirm().
			Title(fmt.Sprintf("%s exists. Overwrite it?", path)).
			Description("The current file is kept as " + path + ".bak").
			Value(&overwrite).
			Run()
		if err != nil {
			return wizardErr(err)
		}
		if !overwrite {
			return nil
		}
	}

	cfg := config.DefaultConfig()
	ans := setupAnswers{
		dailyCap: strconv.FormatFloat(cfg.Spend.DailyCapUSD, 'f', -1, 64),
		storage:  storeVault,
		pairNow:  true,
	}
	vault := config.NewVault(config.VaultFile)
	needsToken := func() bool { return cfg.Channel.Type != config.ChannelWhatsApp }

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Description("Used when the assistant introduces itself.").
				Value(&cfg.PersonaName).
				Validate(notEmpty("name")),
			huh.NewSelect[string]().
				Title("Messaging channel").
				Options(
					huh.NewOption("Telegram (Bot API)", config.ChannelTelegram),
					huh.NewOption("Discord (bot DMs)", config.ChannelDiscord),
					huh.NewOption("WhatsApp (linked device)", config.ChannelWhatsApp),
				).
				Value(&cfg.Channel.Type),
			huh.NewSelect[string]().
				Title("Reply mode").
				Options(
					huh.NewOption("Conversational (rules, onboarding, completion fallback)", responder.ModeConversational),
					huh.NewOption("Template (fixed acknowledgement)", responder.ModeTemplate),
				).
				Value(&cfg.Responder.Mode),
		),
		huh.NewGroup(
			huh.NewSelect[database.BackendType]().
				Title("Database").
				Description("PostgreSQL is shared with the message listener in production.").
				Options(
					huh.NewOption("PostgreSQL", database.BackendPostgreSQL),
					huh.NewOption("SQLite (single node)", database.BackendSQLite),
				).
				Value(&cfg.Database.Backend),
		),
		huh.NewGroup(
			huh.NewInput().Title("PostgreSQL host").Value(&cfg.Database.PostgreSQL.Host),
			huh.NewInput().Title("Database name").Value(&cfg.Database.PostgreSQL.Database).Validate(notEmpty("database")),
			huh.NewInput().Title("User").Value(&cfg.Database.PostgreSQL.User).Validate(notEmpty("user")),
		).WithHideFunc(func() bool { return cfg.Database.Backend != database.BackendPostgreSQL }),
		huh.NewGroup(
			huh.NewInput().Title("SQLite file").Value(&cfg.Database.SQLite.Path).Validate(notEmpty("path")),
		).WithHideFunc(func() bool { return cfg.Database.Backend != database.BackendSQLite }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Use the completion model as a fallback?").
				Value(&cfg.LLM.Enabled),
			huh.NewInput().
				Title("Model").
				Description("Any OpenRouter model id.").
				Value(&cfg.LLM.Model),
			huh.NewInput().
				Title("Daily spend cap (USD)").
				Value(&ans.dailyCap).
				Validate(func(s string) error {
					v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
					if err != nil || v < 0 {
						return errors.New("enter a non-negative number")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return cfg.Responder.Mode == responder.ModeTemplate }),
		huh.NewGroup(
			huh.NewInput().
				Title("Bot token").
				Description("Stored encrypted; leave empty to set it later with dmclaw secrets set.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.channelSecret),
		).WithHideFunc(func() bool { return !needsToken() }),
		huh.NewGroup(
			huh.NewInput().
				Title("OpenRouter API key").
				Description("Leave empty to skip.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.llmKey),
		).WithHideFunc(func() bool { return !cfg.LLM.Enabled || cfg.Responder.Mode == responder.ModeTemplate }),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should secrets be stored?").
				Options(
					huh.NewOption("Encrypted vault (.dmclaw.vault)", storeVault),
					huh.NewOption("OS keyring", storeKeyring),
					huh.NewOption("Nowhere, I will export environment variables", storeNone),
				).
				Value(&ans.storage),
			huh.NewInput().
				Title("Vault password").
				Description("Non-interactive runs read it from "+config.EnvVaultPassword+".").
				EchoMode(huh.EchoModePassword).
				Value(&ans.vaultPassword).
				Validate(func(s string) error {
					if ans.storage == storeVault && len(s) < 8 {
						return errors.New("use at least 8 characters")
					}
					return nil
				}),
		).WithHideFunc(func() bool { return ans.channelSecret == "" && ans.llmKey == "" }),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Link the WhatsApp device now?").
				Description("Scan the QR payload with WhatsApp > Linked devices.").
				Value(&ans.pairNow),
		).WithHideFunc(func() bool { return needsToken() }),
	)
	if err := form.Run(); err != nil {
		return wizardErr(err)
	}

	cfg.Spend.DailyCapUSD, _ = strconv.ParseFloat(strings.TrimSpace(ans.dailyCap), 64)
	if cfg.Database.Backend == database.BackendPostgreSQL {
		cfg.Database.PostgreSQL.Password = "${" + config.EnvDBPassword + "}"
	}

	secrets := map[string]string{}
	if ans.llmKey != "" {
		secrets[config.EnvLLMAPIKey] = ans.llmKey
	}
	if ans.channelSecret != "" {
		switch cfg.Channel.Type {
		case config.ChannelTelegram:
			secrets[config.EnvTelegramToken] = ans.channelSecret
		case config.ChannelDiscord:
			secrets[config.EnvDiscordToken] = ans.channelSecret
		}
	}
	if err := storeSecrets(vault, ans, secrets); err != nil {
		return err
	}

	if err := config.SaveConfigToFile(cfg, path); err != nil {
		return err
	}
	cmd.Printf("Wrote %s\n", path)

	if cfg.Channel.Type == config.ChannelWhatsApp && ans.pairNow {
		if err := pairWhatsApp(cmd, cfg); err != nil {
			return err
		}
	}
	cmd.Println("Next: dmclaw migrate && dmclaw run --dry-run")
	return nil
}

func storeSecrets(vault *config.Vault, ans setupAnswers, secrets map[string]string) error {
	if len(secrets) == 0 {
		return nil
	}
	switch ans.storage {
	case storeVault:
		if vault.Exists() {
			if err := vault.Unlock(ans.vaultPassword); err != nil {
				return fmt.Errorf("unlock vault: %w", err)
			}
		} else if err := vault.Create(ans.vaultPassword); err != nil {
			return fmt.Errorf("create vault: %w", err)
		}
		defer vault.Lock()
		for name, value := range secrets {
			if err := vault.Set(name, value); err != nil {
				return err
			}
		}
		fmt.Printf("Stored %d secret(s) in %s\n", len(secrets), vault.Path())
	case storeKeyring:
		for name, value := range secrets {
			if err := config.StoreKeyring(name, value); err != nil {
				return fmt.Errorf("store %s in keyring: %w", name, err)
			}
		}
		fmt.Printf("Stored %d secret(s) in the OS keyring\n", len(secrets))
	default:
		for name := range secrets {
			fmt.Printf("Remember to export %s\n", name)
		}
	}
	return nil
}

// pairWhatsApp links the device, printing each QR payload as it rotates.
func pairWhatsApp(cmd *cobra.Command, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	w := whatsapp.New(cfg.Channel.WhatsApp, newLogger(cfg.Logging, false, os.Stderr))
	cmd.Println("Waiting for QR codes. Render the payload below with any QR tool and scan it.")
	err := w.Pair(ctx, func(code string) {
		cmd.Printf("\nQR payload:\n%s\n", code)
	})
	if err != nil {
		return fmt.Errorf("whatsapp pairing: %w", err)
	}
	cmd.Println("WhatsApp device linked.")
	return nil
}

func notEmpty(field string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
}

func wizardErr(err error) error {
	if errors.Is(err, huh.ErrUserAborted) {
		return errors.New("setup aborted")
	}
	return err
}
