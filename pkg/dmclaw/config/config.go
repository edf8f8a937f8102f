// Package config defines the dmclaw configuration file, its defaults and
// the conversions into each component's options.
package config

import (
	"fmt"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/discord"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/telegram"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels/whatsapp"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/composer"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/fuse"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/llm"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

// Channel types.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
	ChannelWhatsApp = "whatsapp"
)

// Config holds all dmclaw configuration.
type Config struct {
	// PersonaName is the assistant name used in replies.
	PersonaName string `yaml:"persona_name"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Database selects and configures the storage backend.
	Database database.Config `yaml:"database"`

	// Responder configures batch processing and delivery.
	Responder ResponderConfig `yaml:"responder"`

	// Profile configures style gating and onboarding.
	Profile ProfileConfig `yaml:"profile"`

	// LLM configures the completion fallback.
	LLM LLMConfig `yaml:"llm"`

	// Spend configures the daily completion spend fuse.
	Spend SpendConfig `yaml:"spend"`

	// Channel selects the messaging platform replies go out on.
	Channel ChannelConfig `yaml:"channel"`

	// Schedule holds the cron expressions used by serve.
	Schedule ScheduleConfig `yaml:"schedule"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// ResponderConfig configures the responder.
type ResponderConfig struct {
	// Mode is "conversational" or "template".
	Mode string `yaml:"mode"`

	// Template is the reply used in template mode. Supports {sender_name},
	// {text}, {excerpt} and {date}.
	Template string `yaml:"template"`

	BatchLimit        int           `yaml:"batch_limit"`
	MaxRetries        int           `yaml:"max_retries"`
	StaleMinutes      int           `yaml:"stale_minutes"`
	DryRun            bool          `yaml:"dry_run"`
	SkipAnsweredCheck bool          `yaml:"skip_answered_check"`
	RecordOutbound    bool          `yaml:"record_outbound"`
	Workers           int           `yaml:"workers"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
}

// ProfileConfig holds the style thresholds and onboarding fields.
type ProfileConfig struct {
	ConfirmConfidence   float64       `yaml:"confirm_confidence"`
	AutoApplyConfidence float64       `yaml:"auto_apply_confidence"`
	StyleTTL            time.Duration `yaml:"style_ttl"`
	ReconfirmCooldown   time.Duration `yaml:"reconfirm_cooldown"`

	// RequiredFields is the onboarding checklist, in prompt order.
	RequiredFields []string `yaml:"required_fields"`

	// Platform scopes user lookups (default: the channel type).
	Platform string `yaml:"platform"`
}

// LLMConfig configures the completion API.
type LLMConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	PromptPricePer1K     float64 `yaml:"prompt_price_per_1k"`
	CompletionPricePer1K float64 `yaml:"completion_price_per_1k"`

	// Referer and Title are sent as OpenRouter attribution headers.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// SpendConfig configures the spend fuse.
type SpendConfig struct {
	DailyCapUSD float64       `yaml:"daily_cap_usd"`
	LedgerPath  string        `yaml:"ledger_path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// ChannelConfig selects one sender.
type ChannelConfig struct {
	// Type is "telegram", "discord" or "whatsapp".
	Type string `yaml:"type"`

	Telegram telegram.Config `yaml:"telegram"`
	Discord  discord.Config  `yaml:"discord"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// ScheduleConfig holds serve's cron expressions.
type ScheduleConfig struct {
	// Respond drains the queue.
	Respond string `yaml:"respond"`

	// Maintenance reconciles answered messages and sweeps stale claims.
	Maintenance string `yaml:"maintenance"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	style := profile.DefaultStylePolicy()
	return &Config{
		PersonaName: composer.DefaultPersonaName,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Database: database.DefaultConfig(),
		Responder: ResponderConfig{
			Mode:         responder.ModeConversational,
			BatchLimit:   responder.DefaultBatchLimit,
			MaxRetries:   queue.DefaultMaxRetries,
			StaleMinutes: queue.DefaultStaleMinutes,
			Workers:      responder.DefaultWorkers,
			SendTimeout:  responder.DefaultSendTimeout,
		},
		Profile: ProfileConfig{
			ConfirmConfidence:   style.Confirm,
			AutoApplyConfidence: style.AutoApply,
			StyleTTL:            style.TTL,
			ReconfirmCooldown:   style.ReconfirmCooldown,
			RequiredFields:      append([]string(nil), profile.DefaultRequiredFields...),
		},
		LLM: LLMConfig{
			Enabled:              true,
			BaseURL:              llm.DefaultBaseURL,
			APIKey:               "${OPENROUTER_API_KEY}",
			Model:                llm.DefaultModel,
			Temperature:          llm.DefaultTemperature,
			MaxTokens:            llm.DefaultMaxTokens,
			Timeout:              llm.DefaultTimeout,
			PromptPricePer1K:     0.00027,
			CompletionPricePer1K: 0.0011,
		},
		Spend: SpendConfig{
			DailyCapUSD: 1.0,
			LedgerPath:  "./data/spend-ledger.json",
			LockTimeout: fuse.DefaultLockTimeout,
		},
		Channel: ChannelConfig{
			Type:     ChannelTelegram,
			Telegram: telegram.Config{Token: "${TELEGRAM_BOT_TOKEN}"},
			Discord:  discord.Config{Token: "${DISCORD_BOT_TOKEN}"},
			WhatsApp: whatsapp.Config{SessionPath: "./data/whatsapp.db"},
		},
		Schedule: ScheduleConfig{
			Respond:     "@every 1m",
			Maintenance: "*/10 * * * *",
		},
	}
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	switch c.Responder.Mode {
	case responder.ModeConversational, responder.ModeTemplate:
	default:
		return fmt.Errorf("responder.mode: unknown mode %q", c.Responder.Mode)
	}
	switch c.Channel.Type {
	case ChannelTelegram, ChannelDiscord, ChannelWhatsApp:
	default:
		return fmt.Errorf("channel.type: unknown channel %q", c.Channel.Type)
	}
	switch c.Database.Backend {
	case "", database.BackendSQLite, database.BackendPostgreSQL:
	default:
		return fmt.Errorf("database.backend: unknown backend %q", c.Database.Backend)
	}
	p := c.Profile
	if p.ConfirmConfidence < 0 || p.AutoApplyConfidence > 1 || p.ConfirmConfidence > p.AutoApplyConfidence {
		return fmt.Errorf("profile: need 0 <= confirm_confidence <= auto_apply_confidence <= 1, got %.2f and %.2f",
			p.ConfirmConfidence, p.AutoApplyConfidence)
	}
	if c.Spend.DailyCapUSD < 0 {
		return fmt.Errorf("spend.daily_cap_usd must not be negative")
	}
	return nil
}

// Platform returns the platform used to scope profile lookups.
func (c *Config) Platform() string {
	if c.Profile.Platform != "" {
		return c.Profile.Platform
	}
	return c.Channel.Type
}

// QueueOptions converts the responder section into queue options.
func (c *Config) QueueOptions() queue.Options {
	return queue.Options{MaxRetries: c.Responder.MaxRetries}
}

// ResponderOptions converts the responder section into responder options.
func (c *Config) ResponderOptions() responder.Options {
	r := c.Responder
	return responder.Options{
		Mode:              r.Mode,
		Template:          r.Template,
		BatchLimit:        r.BatchLimit,
		MaxRetries:        r.MaxRetries,
		StaleMinutes:      r.StaleMinutes,
		DryRun:            r.DryRun,
		SkipAnsweredCheck: r.SkipAnsweredCheck,
		RecordOutbound:    r.RecordOutbound,
		Workers:           r.Workers,
		SendTimeout:       r.SendTimeout,
	}
}

// StylePolicy converts the profile thresholds.
func (c *Config) StylePolicy() profile.StylePolicy {
	return profile.StylePolicy{
		Confirm:           c.Profile.ConfirmConfidence,
		AutoApply:         c.Profile.AutoApplyConfidence,
		TTL:               c.Profile.StyleTTL,
		ReconfirmCooldown: c.Profile.ReconfirmCooldown,
	}
}

// ComposerOptions converts persona and profile settings.
func (c *Config) ComposerOptions() composer.Options {
	return composer.Options{
		PersonaName:    c.PersonaName,
		RequiredFields: c.Profile.RequiredFields,
		Style:          c.StylePolicy(),
	}
}

// StoreOptions converts profile store settings.
func (c *Config) StoreOptions() profile.StoreOptions {
	return profile.StoreOptions{Platform: c.Platform()}
}

// LLMClientConfig converts the llm section. An unresolved key reference
// counts as no key, which disables the client.
func (c *Config) LLMClientConfig() llm.Config {
	l := c.LLM
	key := l.APIKey
	if IsEnvReference(key) {
		key = ""
	}
	return llm.Config{
		Enabled:              l.Enabled,
		BaseURL:              l.BaseURL,
		APIKey:               key,
		Model:                l.Model,
		Temperature:          l.Temperature,
		MaxTokens:            l.MaxTokens,
		Timeout:              l.Timeout,
		PromptPricePer1K:     l.PromptPricePer1K,
		CompletionPricePer1K: l.CompletionPricePer1K,
		Referer:              l.Referer,
		Title:                l.Title,
	}
}

// FuseOptions converts the spend section.
func (c *Config) FuseOptions() fuse.Options {
	return fuse.Options{
		LedgerPath:  c.Spend.LedgerPath,
		DailyCapUSD: c.Spend.DailyCapUSD,
		LockTimeout: c.Spend.LockTimeout,
	}
}
