package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable references in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (upper case only)
//
// Groups: 1 variable name, 2 modifier ("-" or "?"), 3 default or message,
// 4 bare variable name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// configCandidates are tried in order by FindConfigFile.
var configCandidates = []string{
	"dmclaw.yaml",
	"dmclaw.yml",
	"config.yaml",
	"configs/dmclaw.yaml",
}

// envFiles are loaded before expansion. Existing variables win.
var envFiles = []string{".env", ".env.local"}

// LoadConfigFromFile reads a YAML config file, loads .env files, expands
// environment references and overlays the result onto DefaultConfig.
// A ${VAR:?message} reference with VAR unset is an error.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveEnvSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// Load finds and loads the config file. An empty path searches the
// standard locations; when none exists the defaults are used, with
// secrets still resolved from the environment.
func Load(path string) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		for i := range secretFields {
			p := secretFields[i].field(cfg)
			*p = expandEnvVars(*p)
		}
		resolveEnvSecrets(cfg)
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// ParseConfig parses YAML bytes over DefaultConfig. Keys absent from the
// document keep their default value.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. Secrets
// that came from the environment are written back as references, and the
// previous file is kept as path.bak.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	for _, s := range secretFields {
		p := s.field(&sanitized)
		*p = sanitizeSecret(*p, s.name)
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile returns the first existing standard config path, or "".
func FindConfigFile() string {
	for _, path := range configCandidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// AuditSecrets warns about secrets that look hardcoded in the config file.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	for _, s := range secretFields {
		if s.name == envDatabaseURL {
			continue
		}
		v := *s.field(cfg)
		if v == "" || IsEnvReference(v) || os.Getenv(s.name) == v {
			continue
		}
		if looksLikeRealKey(v) {
			logger.Warn("secret appears to be hardcoded in config",
				"secret", s.name,
				"hint", "use ${"+s.name+"} or dmclaw secrets set "+s.name)
		}
	}
}

// IsEnvReference reports whether s is an unexpanded variable reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "$")
}

func loadEnvFiles() {
	for _, f := range envFiles {
		// godotenv.Load does not overwrite variables already set.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces variable references with their values. Unset
// plain references are kept as is; unset ${VAR:-d} yields d; unset
// ${VAR:?msg} yields an ERROR: marker picked up by
// expandEnvVarsWithValidation.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bareVar := sub[1], sub[2], sub[3], sub[4]

		if bareVar != "" {
			if val, ok := os.LookupEnv(bareVar); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars that fails on the first
// unset ${VAR:?msg}.
func expandEnvVarsWithValidation(input string) (string, error) {
	for _, sub := range envVarPattern.FindAllStringSubmatch(input, -1) {
		if sub[2] != "?" {
			continue
		}
		if _, ok := os.LookupEnv(sub[1]); ok {
			continue
		}
		msg := sub[3]
		if msg == "" {
			msg = "required environment variable not set"
		}
		return "", fmt.Errorf("config error: %s - %s", sub[1], msg)
	}
	return expandEnvVars(input), nil
}

// resolvePaths lists the path fields resolved against the config file.
func resolvePaths(cfg *Config) []*string {
	return []*string{
		&cfg.Database.SQLite.Path,
		&cfg.Spend.LedgerPath,
		&cfg.Channel.WhatsApp.SessionPath,
	}
}

// resolveRelativePaths makes relative paths absolute against the config
// file's directory, so runs behave the same from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	configDir := filepath.Dir(configPath)
	for _, p := range resolvePaths(cfg) {
		*p = resolvePathFromConfig(*p, configDir)
	}
}

// resolvePathFromConfig expands ~ and joins relative paths to configDir.
func resolvePathFromConfig(path, configDir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret turns a secret equal to its env variable back into a
// reference.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

func looksLikeRealKey(s string) bool {
	switch {
	case IsEnvReference(s):
		return false
	case strings.HasPrefix(s, "sk-"):
		return true
	default:
		return len(s) > 20
	}
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
