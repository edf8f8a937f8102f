package backends

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenSQLite(t *testing.T) {
	config := SQLiteConfig{
		Path:        filepath.Join(t.TempDir(), "nested", "test.db"),
		JournalMode: "WAL",
		BusyTimeout: 5000,
		ForeignKeys: true,
	}

	backend, err := OpenSQLite(config)
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	if backend.DB == nil {
		t.Fatal("DB is nil")
	}
	if err := backend.DB.Ping(); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestSQLiteBackend_Migration(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()

	needs, err := backend.Migrator.NeedsMigration(ctx)
	if err != nil {
		t.Fatalf("NeedsMigration failed: %v", err)
	}
	if !needs {
		t.Error("expected a fresh database to need migration")
	}

	// Running twice must be idempotent.
	for i := 0; i < 2; i++ {
		if err := backend.Migrator.Migrate(ctx); err != nil {
			t.Fatalf("Migrate #%d failed: %v", i+1, err)
		}
	}

	version, err := backend.Migrator.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != SchemaVersion {
		t.Errorf("expected version %d, got %d", SchemaVersion, version)
	}

	for _, table := range []string{"users", "dm_conversations", "dm_messages", "user_psychographics",
		"dm_profile_state", "dm_profile_update_events", "dm_feedback"} {
		var name string
		err := backend.DB.QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestSQLiteBackend_OneSendingPerConversation(t *testing.T) {
	ctx := context.Background()
	backend, err := OpenSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer backend.Close()
	if err := backend.Migrator.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	stmts := []string{
		`INSERT INTO dm_conversations (id, external_chat_id) VALUES (1, 'chat-1')`,
		`INSERT INTO dm_messages (conversation_id, external_message_id, direction, text, sent_at, response_status)
		 VALUES (1, 'a', 'inbound', 'one', '2026-01-01 10:00:00', 'sending')`,
	}
	for _, stmt := range stmts {
		if _, err := backend.DB.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	_, err = backend.DB.ExecContext(ctx, `INSERT INTO dm_messages
		(conversation_id, external_message_id, direction, text, sent_at, response_status)
		VALUES (1, 'b', 'inbound', 'two', '2026-01-01 10:01:00', 'sending')`)
	if err == nil || !strings.Contains(strings.ToLower(err.Error()), "unique") {
		t.Fatalf("expected unique violation for a second sending row, got %v", err)
	}
}

func TestBuildPostgreSQLDSN(t *testing.T) {
	tests := []struct {
		name   string
		config PostgreSQLConfig
		want   string
	}{
		{
			name:   "explicit dsn wins",
			config: PostgreSQLConfig{DSN: "postgres://u:p@db/dm", Host: "ignored"},
			want:   "postgres://u:p@db/dm",
		},
		{
			name:   "keyword form",
			config: PostgreSQLConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "dm", SSLMode: "require"},
			want:   "host=db port=5433 user=u password=p dbname=dm sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildPostgreSQLDSN(tt.config); got != tt.want {
				t.Errorf("buildPostgreSQLDSN() = %q, want %q", got, tt.want)
			}
		})
	}
}
