// Package backends provides database backend implementations.
package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteBackend wraps the SQLite database connection with additional functionality.
type SQLiteBackend struct {
	DB     *sql.DB
	Config SQLiteConfig

	// Migrator handles schema migrations
	Migrator *SQLiteMigrator
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path        string
	JournalMode string
	BusyTimeout int
	ForeignKeys bool
}

// OpenSQLite opens or creates a SQLite database with the given configuration.
//
// Transactions are opened with BEGIN IMMEDIATE so a claim takes the write
// lock up front. SQLite has no row-level locking; serializing claimants on the
// database write lock is what keeps two workers off the same conversation.
func OpenSQLite(config SQLiteConfig) (*SQLiteBackend, error) {
	if config.Path == "" {
		config.Path = "./data/dmclaw.db"
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.BusyTimeout == 0 {
		config.BusyTimeout = 5000
	}

	// Ensure parent directory exists
	dir := filepath.Dir(config.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_txlock=immediate",
		config.Path, config.JournalMode, config.BusyTimeout)
	if config.ForeignKeys {
		dsn += "&_foreign_keys=ON"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", config.Path, err)
	}

	// Verify connectivity
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteBackend{
		DB:       db,
		Config:   config,
		Migrator: NewSQLiteMigrator(db),
	}, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	return b.DB.Close()
}

// SQLiteMigrator handles schema migrations for SQLite.
type SQLiteMigrator struct {
	db *sql.DB
}

// NewSQLiteMigrator creates a new SQLite migrator.
func NewSQLiteMigrator(db *sql.DB) *SQLiteMigrator {
	return &SQLiteMigrator{db: db}
}

// CurrentVersion returns the current schema version.
func (m *SQLiteMigrator) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		// Table might not exist yet
		if errors.Is(err, sql.ErrNoRows) || strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// Migrate applies the schema and records the current version.
func (m *SQLiteMigrator) Migrate(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	// Run schema (idempotent via IF NOT EXISTS)
	if _, err := m.db.ExecContext(ctx, GetSQLiteSchema()); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current < SchemaVersion {
		_, err = m.db.ExecContext(ctx, "INSERT OR IGNORE INTO schema_version (version) VALUES (?)", SchemaVersion)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	}
	return nil
}

// NeedsMigration returns true if schema is outdated.
func (m *SQLiteMigrator) NeedsMigration(ctx context.Context) (bool, error) {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return false, err
	}
	return current < SchemaVersion, nil
}

// GetSQLiteSchema returns the SQLite schema DDL.
func GetSQLiteSchema() string {
	return `
CREATE TABLE IF NOT EXISTS users (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	platform     TEXT NOT NULL DEFAULT 'telegram',
	external_id  TEXT NOT NULL,
	handle       TEXT,
	display_name TEXT,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (platform, external_id)
);

CREATE TABLE IF NOT EXISTS dm_conversations (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	platform         TEXT NOT NULL DEFAULT 'telegram',
	external_chat_id TEXT NOT NULL,
	subject_user_id  INTEGER REFERENCES users(id),
	title            TEXT,
	last_activity_at TIMESTAMP,
	UNIQUE (platform, external_chat_id)
);

CREATE TABLE IF NOT EXISTS dm_messages (
	id                           INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id              INTEGER NOT NULL REFERENCES dm_conversations(id),
	sender_id                    INTEGER REFERENCES users(id),
	external_message_id          TEXT,
	direction                    TEXT NOT NULL CHECK (direction IN ('inbound', 'outbound')),
	text                         TEXT,
	sent_at                      TIMESTAMP NOT NULL,
	response_status              TEXT NOT NULL DEFAULT 'pending'
		CHECK (response_status IN ('pending', 'sending', 'responded', 'failed', 'not_applicable')),
	response_attempts            INTEGER NOT NULL DEFAULT 0,
	response_last_error          TEXT,
	response_attempted_at        TIMESTAMP,
	responded_at                 TIMESTAMP,
	response_message_external_id TEXT,
	UNIQUE (conversation_id, external_message_id)
);

CREATE INDEX IF NOT EXISTS idx_dm_messages_queue ON dm_messages(direction, response_status, sent_at);
CREATE INDEX IF NOT EXISTS idx_dm_messages_conversation ON dm_messages(conversation_id, direction, sent_at);
CREATE UNIQUE INDEX IF NOT EXISTS uq_dm_messages_one_sending
	ON dm_messages(conversation_id) WHERE response_status = 'sending';

CREATE TABLE IF NOT EXISTS user_psychographics (
	id                         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id                    INTEGER NOT NULL REFERENCES users(id),
	created_at                 TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	primary_role               TEXT,
	primary_company            TEXT,
	preferred_contact_style    TEXT,
	notable_topics             TEXT,
	generated_bio_professional TEXT,
	generated_bio_personal     TEXT,
	tone                       TEXT,
	professionalism            TEXT,
	verbosity                  TEXT,
	decision_style             TEXT,
	seniority_signal           TEXT,
	based_in                   TEXT,
	attended_events            TEXT,
	driving_values             TEXT,
	pain_points                TEXT,
	connection_requests        TEXT,
	deep_skills                TEXT,
	technical_specifics        TEXT,
	affiliations               TEXT,
	commercial_archetype       TEXT,
	group_tags                 TEXT,
	peak_hours                 TEXT,
	active_days                TEXT,
	most_active_days           TEXT,
	total_messages             INTEGER,
	avg_msg_length             INTEGER,
	last_active_days           INTEGER,
	top_conversation_partners  TEXT,
	fifo                       TEXT,
	role_company_timeline      TEXT
);

CREATE INDEX IF NOT EXISTS idx_user_psychographics_user ON user_psychographics(user_id, created_at);

CREATE TABLE IF NOT EXISTS dm_profile_state (
	user_id                        INTEGER PRIMARY KEY REFERENCES users(id),
	onboarding_status              TEXT NOT NULL DEFAULT 'not_started',
	onboarding_required_fields     TEXT,
	onboarding_missing_fields      TEXT,
	onboarding_last_prompted_field TEXT,
	onboarding_started_at          TIMESTAMP,
	onboarding_completed_at        TIMESTAMP,
	onboarding_turns               INTEGER NOT NULL DEFAULT 0,
	snapshot                       TEXT,
	version                        INTEGER NOT NULL DEFAULT 0,
	updated_at                     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS dm_profile_update_events (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id           INTEGER NOT NULL REFERENCES users(id),
	source_message_id INTEGER,
	event_type        TEXT NOT NULL,
	event_payload     TEXT,
	extracted_facts   TEXT,
	confidence        REAL,
	processed         INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_dm_profile_update_events_user ON dm_profile_update_events(user_id, processed, id);

CREATE TABLE IF NOT EXISTS dm_feedback (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id         INTEGER REFERENCES users(id),
	conversation_id INTEGER REFERENCES dm_conversations(id),
	message_id      INTEGER,
	kind            TEXT NOT NULL,
	text            TEXT,
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
}
