package database

import (
	"time"
)

// Config represents the database configuration.
type Config struct {
	// Backend is the database backend type (default: "sqlite")
	Backend BackendType `yaml:"backend"`

	// SQLite configuration
	SQLite SQLiteConfig `yaml:"sqlite"`

	// PostgreSQL configuration
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`

	// AutoMigrate applies the schema on open (default: false; production
	// schemas are owned by the listener deployment)
	AutoMigrate bool `yaml:"auto_migrate"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/dmclaw.db")
	Path string `yaml:"path"`

	// Journal mode (default: WAL)
	JournalMode string `yaml:"journal_mode"`

	// Busy timeout in milliseconds (default: 5000)
	BusyTimeout int `yaml:"busy_timeout"`

	// Enable foreign keys (default: true)
	ForeignKeys bool `yaml:"foreign_keys"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// DSN overrides the discrete fields below (supports ${DATABASE_URL})
	DSN string `yaml:"dsn"`

	// Host (default: "localhost")
	Host string `yaml:"host"`

	// Port (default: 5432)
	Port int `yaml:"port"`

	// Database name
	Database string `yaml:"database"`

	// User for authentication
	User string `yaml:"user"`

	// Password for authentication (supports ${ENV_VAR} expansion)
	Password string `yaml:"password"`

	// SSL mode: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"ssl_mode"`

	// Connection pooling
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration (SQLite).
func DefaultConfig() Config {
	return Config{
		Backend: BackendSQLite,
		SQLite: SQLiteConfig{
			Path:        "./data/dmclaw.db",
			JournalMode: "WAL",
			BusyTimeout: 5000,
			ForeignKeys: true,
		},
		PostgreSQL: PostgreSQLConfig{
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		},
	}
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c

	if out.Backend == "" {
		out.Backend = BackendSQLite
	}

	if out.SQLite.Path == "" {
		out.SQLite.Path = "./data/dmclaw.db"
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = "WAL"
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = 5000
	}

	if out.PostgreSQL.Host == "" {
		out.PostgreSQL.Host = "localhost"
	}
	if out.PostgreSQL.Port == 0 {
		out.PostgreSQL.Port = 5432
	}

	return out
}
