package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/discord"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/telegram"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/whatsapp"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/composer"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/config"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/fuse"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/llm"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

// app is the wiring shared by the subcommands.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *database.DB
	queue  *queue.Queue
}

// loadConfig loads the config (flag, standard locations or defaults),
// builds the logger and resolves secrets.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, found, err := config.Load(path)
	if err != nil {
		if found != "" {
			return nil, nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := newLogger(cfg.Logging, verbose, os.Stderr)
	if found != "" {
		logger.Debug("config loaded", "path", found)
	} else {
		logger.Debug("no config file found, using defaults")
	}

	// Audit before resolving so only values written in the file are flagged.
	config.AuditSecrets(cfg, logger)
	config.ResolveSecrets(cfg, logger)
	return cfg, logger, nil
}

// newLogger builds the slog handler selected by the logging section.
func newLogger(lc config.LoggingConfig, verbose bool, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(lc.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// openApp loads config and opens the store.
func openApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openAppWith(ctx, cfg, logger)
}

func openAppWith(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		db:     db,
		queue:  queue.New(db, cfg.QueueOptions(), logger),
	}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.logger.Warn("failed to close database", "error", err)
	}
}

// newComposer wires the profile store, completion client and spend fuse.
func (a *app) newComposer() (*composer.Composer, error) {
	store := profile.NewStore(a.db, a.cfg.StoreOptions(), a.logger)
	client := llm.New(a.cfg.LLMClientConfig(), nil, a.logger)
	if a.cfg.LLM.Enabled && !client.Enabled() {
		a.logger.Warn("completion fallback disabled: no API key", "secret", config.EnvLLMAPIKey)
	}
	guard, err := fuse.New(a.cfg.FuseOptions(), a.logger)
	if err != nil {
		return nil, err
	}
	return composer.New(store, a.queue, client, guard, a.cfg.ComposerOptions(), a.logger), nil
}

// newResponder builds a responder for the configured mode and channel.
// Dry runs get no sender.
func (a *app) newResponder() (*responder.Responder, error) {
	if err := a.cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	var c responder.Composer
	if a.cfg.Responder.Mode != responder.ModeTemplate {
		comp, err := a.newComposer()
		if err != nil {
			return nil, err
		}
		c = comp
	}
	var sender channels.Sender
	if !a.cfg.Responder.DryRun {
		s, err := newSender(a.cfg, a.logger)
		if err != nil {
			return nil, err
		}
		sender = s
	}
	return responder.New(a.queue, c, sender, a.cfg.ResponderOptions(), a.logger)
}

// newSender returns the sender for channel.type.
func newSender(cfg *config.Config, logger *slog.Logger) (channels.Sender, error) {
	switch cfg.Channel.Type {
	case config.ChannelTelegram:
		return telegram.New(cfg.Channel.Telegram, nil, logger), nil
	case config.ChannelDiscord:
		return discord.New(cfg.Channel.Discord, logger), nil
	case config.ChannelWhatsApp:
		return whatsapp.New(cfg.Channel.WhatsApp, logger), nil
	default:
		return nil, fmt.Errorf("unknown channel %q", cfg.Channel.Type)
	}
}
