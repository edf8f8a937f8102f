// Package dbtest opens migrated SQLite databases and seeds dm_* rows for
// package tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
)

// Open returns a migrated SQLite database under t.TempDir().
func Open(t testing.TB) *database.DB {
	t.Helper()
	cfg := database.DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "dmclaw.db")
	cfg.AutoMigrate = true

	db, err := database.Open(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// Base is a fixed reference time for seeded rows.
var Base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// At returns Base shifted by the given number of minutes.
func At(minutes int) time.Time {
	return Base.Add(time.Duration(minutes) * time.Minute)
}

// User inserts a user and returns its id.
func User(t testing.TB, db *database.DB, externalID, handle, name string) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO users (external_id, handle, display_name) VALUES (?, ?, ?)`,
		externalID, handle, name)
}

// Conversation inserts a conversation with the given counterpart.
func Conversation(t testing.TB, db *database.DB, chatID string, userID int64) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO dm_conversations (external_chat_id, subject_user_id) VALUES (?, ?)`,
		chatID, userID)
}

// Inbound inserts a pending inbound message.
func Inbound(t testing.TB, db *database.DB, convID, senderID int64, extID, text string, sentAt time.Time) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO dm_messages
		(conversation_id, sender_id, external_message_id, direction, text, sent_at)
		VALUES (?, ?, ?, 'inbound', ?, ?)`,
		convID, senderID, extID, text, sentAt.UTC())
}

// Outbound inserts an outbound message as the listener would.
func Outbound(t testing.TB, db *database.DB, convID int64, extID, text string, sentAt time.Time) int64 {
	t.Helper()
	return insert(t, db, `INSERT INTO dm_messages
		(conversation_id, external_message_id, direction, text, sent_at, response_status)
		VALUES (?, ?, 'outbound', ?, ?, 'not_applicable')`,
		convID, extID, text, sentAt.UTC())
}

// Exec runs a statement and fails the test on error.
func Exec(t testing.TB, db *database.DB, query string, args ...any) {
	t.Helper()
	if _, err := db.SQL.ExecContext(context.Background(), query, args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// MessageState is the lifecycle columns of one dm_messages row.
type MessageState struct {
	Status     string
	Attempts   int
	LastError  string
	ExternalID string
}

// State reads the lifecycle columns of a message.
func State(t testing.TB, db *database.DB, id int64) MessageState {
	t.Helper()
	var s MessageState
	err := db.SQL.QueryRowContext(context.Background(), `
		SELECT response_status, response_attempts,
		       COALESCE(response_last_error, ''), COALESCE(response_message_external_id, '')
		FROM dm_messages WHERE id = ?`, id).Scan(&s.Status, &s.Attempts, &s.LastError, &s.ExternalID)
	if err != nil {
		t.Fatalf("read state of %d: %v", id, err)
	}
	return s
}

func insert(t testing.TB, db *database.DB, query string, args ...any) int64 {
	t.Helper()
	res, err := db.SQL.ExecContext(context.Background(), query, args...)
	if err != nil {
		t.Fatalf("insert %q: %v", query, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("last insert id: %v", err)
	}
	return id
}
