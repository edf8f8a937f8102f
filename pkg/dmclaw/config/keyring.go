package config

// Secrets resolve, highest priority first, from:
//  1. the encrypted vault (.dmclaw.vault, needs the master password)
//  2. the OS keyring (Secret Service, Keychain, Credential Manager)
//  3. environment variables, including .env files
//  4. the config file value

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "dmclaw"

	// EnvVaultPassword unlocks the vault in non-interactive runs.
	EnvVaultPassword = "DMCLAW_VAULT_PASSWORD"
)

// Secret names, shared by the vault, the keyring and the environment.
const (
	EnvLLMAPIKey     = "OPENROUTER_API_KEY"
	EnvTelegramToken = "TELEGRAM_BOT_TOKEN"
	EnvDiscordToken  = "DISCORD_BOT_TOKEN"
	EnvDBPassword    = "DMCLAW_DB_PASSWORD"
	envDatabaseURL   = "DATABASE_URL"
)

// ErrMissingSecret means a secret the selected components need is unset.
var ErrMissingSecret = errors.New("missing secret")

type secretField struct {
	name  string
	field func(*Config) *string
}

var secretFields = []secretField{
	{EnvLLMAPIKey, func(c *Config) *string { return &c.LLM.APIKey }},
	{EnvTelegramToken, func(c *Config) *string { return &c.Channel.Telegram.Token }},
	{EnvDiscordToken, func(c *Config) *string { return &c.Channel.Discord.Token }},
	{EnvDBPassword, func(c *Config) *string { return &c.Database.PostgreSQL.Password }},
	{envDatabaseURL, func(c *Config) *string { return &c.Database.PostgreSQL.DSN }},
}

// SecretNames lists the secrets dmclaw knows how to resolve.
func SecretNames() []string {
	names := make([]string, 0, len(secretFields))
	for _, s := range secretFields {
		names = append(names, s.name)
	}
	return names
}

// IsKnownSecret reports whether name is one of SecretNames.
func IsKnownSecret(name string) bool {
	return slices.Contains(SecretNames(), name)
}

// StoreKeyring saves a secret to the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring retrieves a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__dmclaw_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveSecrets fills secret fields from the vault and the keyring. A
// locked vault is unlocked with DMCLAW_VAULT_PASSWORD or, on a terminal,
// an interactive prompt. The unlocked vault is returned (nil otherwise).
func ResolveSecrets(cfg *Config, logger *slog.Logger) *Vault {
	vault := NewVault(VaultFile)
	if vault.Exists() {
		unlockVault(vault, logger)
	}
	resolveSecretsFrom(cfg, vault, logger)
	if vault.IsUnlocked() {
		return vault
	}
	return nil
}

// UnlockVault opens the vault at the default path, or returns nil when
// it does not exist or cannot be unlocked.
func UnlockVault(logger *slog.Logger) *Vault {
	vault := NewVault(VaultFile)
	if !vault.Exists() {
		return nil
	}
	unlockVault(vault, logger)
	if !vault.IsUnlocked() {
		return nil
	}
	return vault
}

func unlockVault(vault *Vault, logger *slog.Logger) {
	if pass := os.Getenv(EnvVaultPassword); pass != "" {
		if err := vault.Unlock(pass); err != nil {
			logger.Warn("failed to unlock vault with "+EnvVaultPassword, "error", err)
		} else {
			logger.Debug("vault unlocked via " + EnvVaultPassword)
			return
		}
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault exists but no " + EnvVaultPassword + " in non-interactive mode, using keyring/env/config")
		return
	}
	password, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("failed to read vault password", "error", err)
		return
	}
	if err := vault.Unlock(password); err != nil {
		logger.Warn("failed to unlock vault", "error", err)
	}
}

// resolveSecretsFrom applies vault then keyring values over cfg.
func resolveSecretsFrom(cfg *Config, vault *Vault, logger *slog.Logger) {
	fromVault := 0
	for _, s := range secretFields {
		p := s.field(cfg)
		if vault != nil && vault.IsUnlocked() {
			if val, err := vault.Get(s.name); err == nil && val != "" {
				*p = val
				fromVault++
				continue
			}
		}
		if val := GetKeyring(s.name); val != "" {
			*p = val
			logger.Debug("secret loaded from OS keyring", "secret", s.name)
		}
	}
	if fromVault > 0 {
		logger.Info("secrets loaded from encrypted vault", "count", fromVault)
	}
}

// resolveEnvSecrets fills empty or unexpanded secret fields from the
// environment.
func resolveEnvSecrets(cfg *Config) {
	for _, s := range secretFields {
		p := s.field(cfg)
		if *p != "" && !IsEnvReference(*p) {
			continue
		}
		if val := os.Getenv(s.name); val != "" {
			*p = val
		}
	}
}

// RequireSecrets checks that the selected channel has its credential.
// Dry runs never connect, so they need none.
func (c *Config) RequireSecrets() error {
	if c.Responder.DryRun {
		return nil
	}
	var name, value string
	switch c.Channel.Type {
	case ChannelTelegram:
		name, value = EnvTelegramToken, c.Channel.Telegram.Token
	case ChannelDiscord:
		name, value = EnvDiscordToken, c.Channel.Discord.Token
	default:
		return nil
	}
	if value == "" || IsEnvReference(value) {
		return fmt.Errorf("%w: %s (channel %s)", ErrMissingSecret, name, c.Channel.Type)
	}
	return nil
}
