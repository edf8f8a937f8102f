// Package database opens the message store and describes what it can do.
// SQLite is the default backend; PostgreSQL is used when several workers or
// hosts share one queue.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database/backends"
)

// BackendType identifies the type of database backend.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
)

// Migrator handles schema versioning for a backend.
type Migrator interface {
	// CurrentVersion returns the applied schema version (0 when none).
	CurrentVersion(ctx context.Context) (int, error)

	// Migrate applies the schema.
	Migrate(ctx context.Context) error

	// NeedsMigration reports whether the schema is behind.
	NeedsMigration(ctx context.Context) (bool, error)
}

// DB is an open store plus the facts every query builder needs: which SQL
// dialect to speak and which optional tables and columns exist.
type DB struct {
	SQL      *sql.DB
	Backend  BackendType
	Migrator Migrator

	// Caps is resolved once by Open (or Probe) and read-only afterwards.
	Caps Capabilities
}

// Open connects to the configured backend, optionally migrates, and probes
// capabilities.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()

	var db *DB
	switch cfg.Backend {
	case BackendSQLite:
		b, err := backends.OpenSQLite(backends.SQLiteConfig{
			Path:        cfg.SQLite.Path,
			JournalMode: cfg.SQLite.JournalMode,
			BusyTimeout: cfg.SQLite.BusyTimeout,
			ForeignKeys: cfg.SQLite.ForeignKeys,
		})
		if err != nil {
			return nil, err
		}
		db = &DB{SQL: b.DB, Backend: BackendSQLite, Migrator: b.Migrator}

	case BackendPostgreSQL:
		p := cfg.PostgreSQL
		b, err := backends.OpenPostgreSQL(backends.PostgreSQLConfig{
			DSN:             p.DSN,
			Host:            p.Host,
			Port:            p.Port,
			Database:        p.Database,
			User:            p.User,
			Password:        p.Password,
			SSLMode:         p.SSLMode,
			MaxOpenConns:    p.MaxOpenConns,
			MaxIdleConns:    p.MaxIdleConns,
			ConnMaxLifetime: p.ConnMaxLifetime,
			ConnMaxIdleTime: p.ConnMaxIdleTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		db = &DB{SQL: b.DB, Backend: BackendPostgreSQL, Migrator: b.Migrator}

	default:
		return nil, fmt.Errorf("unsupported database backend %q", cfg.Backend)
	}

	if cfg.AutoMigrate {
		if err := db.Migrator.Migrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	if err := db.Probe(ctx); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database ready",
		"backend", db.Backend,
		"profile_columns", len(db.Caps.ProfileColumns),
		"profile_state", db.Caps.ProfileState,
		"state_version", db.Caps.StateVersion,
		"profile_events", db.Caps.ProfileEvents,
	)
	return db, nil
}

// Probe (re)resolves Caps. Call it after migrating a database opened
// without AutoMigrate.
func (d *DB) Probe(ctx context.Context) error {
	caps, err := ProbeCapabilities(ctx, d.SQL, d.Backend)
	if err != nil {
		return fmt.Errorf("probe capabilities: %w", err)
	}
	d.Caps = caps
	return nil
}

// Close closes the underlying connection pool.
func (d *DB) Close() error {
	return d.SQL.Close()
}

// Postgres reports whether the store speaks the PostgreSQL dialect.
func (d *DB) Postgres() bool {
	return d.Backend == BackendPostgreSQL
}

// Rebind converts '?' placeholders to the backend's native form.
func (d *DB) Rebind(query string) string {
	if d.Backend != BackendPostgreSQL {
		return query
	}
	return rebindDollar(query)
}

// rebindDollar rewrites '?' into $1..$n, ignoring '?' inside quoted literals.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case ch == '\'':
			inQuote = !inQuote
			b.WriteByte(ch)
		case ch == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
