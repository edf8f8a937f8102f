package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/responder"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.StylePolicy(); got != profile.DefaultStylePolicy() {
		t.Errorf("StylePolicy = %+v, want defaults", got)
	}
	if !reflect.DeepEqual(cfg.Profile.RequiredFields, profile.DefaultRequiredFields) {
		t.Errorf("required fields = %v", cfg.Profile.RequiredFields)
	}
	if cfg.Platform() != ChannelTelegram {
		t.Errorf("Platform = %q", cfg.Platform())
	}
	// The unset key placeholder must not enable the client.
	if lc := cfg.LLMClientConfig(); lc.APIKey != "" {
		t.Errorf("LLMClientConfig key = %q", lc.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Responder.Mode = "broadcast" }},
		{"channel", func(c *Config) { c.Channel.Type = "irc" }},
		{"backend", func(c *Config) { c.Database.Backend = "mysql" }},
		{"thresholds", func(c *Config) { c.Profile.ConfirmConfidence = 0.9 }},
		{"auto apply above one", func(c *Config) { c.Profile.AutoApplyConfidence = 1.5 }},
		{"negative cap", func(c *Config) { c.Spend.DailyCapUSD = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestParseConfigOverlaysDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
persona_name: Crab
database:
  backend: postgresql
  postgresql:
    host: db.internal
responder:
  mode: template
  workers: 2
  send_timeout: 45s
profile:
  required_fields: [primary_role, primary_company]
llm:
  model: openai/gpt-4o-mini
channel:
  type: discord
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.PersonaName != "Crab" || cfg.Responder.Mode != responder.ModeTemplate || cfg.Responder.Workers != 2 {
		t.Errorf("explicit values not applied: %+v", cfg.Responder)
	}
	if cfg.Responder.SendTimeout != 45*time.Second {
		t.Errorf("send_timeout = %v", cfg.Responder.SendTimeout)
	}
	if cfg.Database.Backend != database.BackendPostgreSQL || cfg.Database.PostgreSQL.Host != "db.internal" || cfg.Database.PostgreSQL.Port != 5432 {
		t.Errorf("database = %+v", cfg.Database.PostgreSQL)
	}
	if !cfg.LLM.Enabled || cfg.LLM.Temperature != 0.2 || cfg.LLM.MaxTokens != 300 {
		t.Errorf("llm defaults lost: %+v", cfg.LLM)
	}
	if cfg.Responder.BatchLimit != responder.DefaultBatchLimit || cfg.Responder.MaxRetries != 3 {
		t.Errorf("responder defaults lost: %+v", cfg.Responder)
	}
	if got := cfg.ComposerOptions().RequiredFields; !reflect.DeepEqual(got, []string{"primary_role", "primary_company"}) {
		t.Errorf("required fields = %v", got)
	}
	if cfg.Platform() != ChannelDiscord {
		t.Errorf("Platform = %q", cfg.Platform())
	}

	opts := cfg.ResponderOptions()
	if opts.Mode != responder.ModeTemplate || opts.Workers != 2 || opts.SendTimeout != 45*time.Second {
		t.Errorf("ResponderOptions = %+v", opts)
	}
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	if _, err := ParseConfig([]byte("responder: [")); err == nil {
		t.Error("malformed YAML accepted")
	}
	if _, err := ParseConfig([]byte("channel: {type: fax}")); err == nil {
		t.Error("unknown channel accepted")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DMCLAW_TEST_SET", "value")

	tests := []struct {
		in, want string
	}{
		{"${DMCLAW_TEST_SET}", "value"},
		{"$DMCLAW_TEST_SET", "value"},
		{"${DMCLAW_TEST_UNSET}", "${DMCLAW_TEST_UNSET}"},
		{"$DMCLAW_TEST_UNSET", "$DMCLAW_TEST_UNSET"},
		{"${DMCLAW_TEST_UNSET:-fallback}", "fallback"},
		{"${DMCLAW_TEST_SET:-fallback}", "value"},
		{"key: ${DMCLAW_TEST_SET}/${DMCLAW_TEST_UNSET:-x}", "key: value/x"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.in); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	if _, err := expandEnvVarsWithValidation("token: ${DMCLAW_TEST_UNSET:?set the token}"); err == nil ||
		!strings.Contains(err.Error(), "set the token") {
		t.Errorf("required variable error = %v", err)
	}
	if got, err := expandEnvVarsWithValidation("${DMCLAW_TEST_SET:?x}"); err != nil || got != "value" {
		t.Errorf("expandEnvVarsWithValidation = %q, %v", got, err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv(EnvTelegramToken, "123:abc")
	t.Setenv("DMCLAW_TEST_MODEL", "x-ai/grok")

	dir := t.TempDir()
	path := filepath.Join(dir, "dmclaw.yaml")
	writeFile(t, path, `
database:
  sqlite: {path: ./state/dm.db}
llm:
  model: ${DMCLAW_TEST_MODEL}
spend:
  ledger_path: /var/lib/dmclaw/ledger.json
`)

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.LLM.Model != "x-ai/grok" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.Channel.Telegram.Token != "123:abc" {
		t.Errorf("telegram token = %q", cfg.Channel.Telegram.Token)
	}
	if want := filepath.Join(dir, "state", "dm.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("sqlite path = %q, want %q", cfg.Database.SQLite.Path, want)
	}
	if cfg.Spend.LedgerPath != "/var/lib/dmclaw/ledger.json" {
		t.Errorf("ledger path = %q", cfg.Spend.LedgerPath)
	}
	if err := cfg.RequireSecrets(); err != nil {
		t.Errorf("RequireSecrets: %v", err)
	}
}

func TestLoadConfigMissingRequiredVar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dmclaw.yaml")
	writeFile(t, path, "llm:\n  api_key: ${DMCLAW_TEST_REQUIRED:?export the key}\n")
	if _, err := LoadConfigFromFile(path); err == nil {
		t.Fatal("missing required variable accepted")
	}
}

func TestRequireSecrets(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.RequireSecrets(); !errors.Is(err, ErrMissingSecret) {
		t.Errorf("unresolved token: err = %v, want ErrMissingSecret", err)
	}
	cfg.Responder.DryRun = true
	if err := cfg.RequireSecrets(); err != nil {
		t.Errorf("dry run: %v", err)
	}
	cfg = DefaultConfig()
	cfg.Channel.Type = ChannelWhatsApp
	if err := cfg.RequireSecrets(); err != nil {
		t.Errorf("whatsapp pairs instead of using a token: %v", err)
	}
}

func TestSaveConfigToFileRestoresReferences(t *testing.T) {
	t.Setenv(EnvLLMAPIKey, "sk-or-live-123")

	path := filepath.Join(t.TempDir(), "conf", "dmclaw.yaml")
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-or-live-123"
	cfg.Channel.Discord.Token = "inline-token"
	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if strings.Contains(text, "sk-or-live-123") || !strings.Contains(text, "${OPENROUTER_API_KEY}") {
		t.Errorf("api key not sanitized:\n%s", text)
	}
	if !strings.Contains(text, "inline-token") {
		t.Errorf("explicit token dropped:\n%s", text)
	}
	if cfg.LLM.APIKey != "sk-or-live-123" {
		t.Error("SaveConfigToFile mutated its input")
	}

	back, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("saved file does not parse: %v", err)
	}
	if back.Responder.SendTimeout != cfg.Responder.SendTimeout || back.Profile.StyleTTL != cfg.Profile.StyleTTL {
		t.Errorf("durations did not survive: %+v", back.Responder)
	}

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("backup missing: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}
