package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}
	for _, tt := range tests {
		if got := rebindDollar(tt.in); got != tt.want {
			t.Errorf("rebindDollar(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRebind_SQLiteUnchanged(t *testing.T) {
	db := &DB{Backend: BackendSQLite}
	q := "UPDATE t SET a = ? WHERE id = ?"
	if got := db.Rebind(q); got != q {
		t.Errorf("Rebind changed a sqlite query: %q", got)
	}
}

func TestOpen_SQLiteAutoMigrate(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "dm.db")
	cfg.AutoMigrate = true

	db, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Postgres() {
		t.Error("expected sqlite dialect")
	}
	want := AllCapabilities()
	if !db.Caps.BaseProfile || !db.Caps.ProfileState || !db.Caps.ProfileEvents || !db.Caps.Feedback {
		t.Errorf("expected all optional tables, got %+v", db.Caps)
	}
	if !db.Caps.StateVersion {
		t.Error("expected dm_profile_state.version")
	}
	if len(db.Caps.ProfileColumns) != len(want.ProfileColumns) {
		t.Errorf("expected %d profile columns, got %d", len(want.ProfileColumns), len(db.Caps.ProfileColumns))
	}
}

func TestProbeCapabilities_PartialSchema(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.SQLite.Path = filepath.Join(t.TempDir(), "dm.db")

	db, err := Open(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Caps.BaseProfile || db.Caps.ProfileState {
		t.Fatalf("empty database reported tables: %+v", db.Caps)
	}

	_, err = db.SQL.ExecContext(ctx, `CREATE TABLE user_psychographics (
		id INTEGER PRIMARY KEY, user_id INTEGER, created_at TIMESTAMP,
		primary_role TEXT, notable_topics TEXT, total_msgs INTEGER, unrelated TEXT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := db.Probe(ctx); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}

	if !db.Caps.BaseProfile {
		t.Fatal("expected BaseProfile after creating the table")
	}
	got := db.Caps.ProfileColumns
	if len(got) != 2 || got[0] != "primary_role" || got[1] != "notable_topics" {
		t.Errorf("ProfileColumns = %v, want [primary_role notable_topics]", got)
	}
	if db.Caps.HasProfileColumn("primary_company") {
		t.Error("primary_company should be absent")
	}
	if db.Caps.ProfileAliases["total_msgs"] != "total_messages" {
		t.Errorf("ProfileAliases = %v, want total_msgs -> total_messages", db.Caps.ProfileAliases)
	}

	_, err = db.SQL.ExecContext(ctx, `CREATE TABLE dm_profile_state (
		user_id INTEGER PRIMARY KEY, onboarding_status TEXT, snapshot TEXT, updated_at TIMESTAMP)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}
	if err := db.Probe(ctx); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if !db.Caps.ProfileState || db.Caps.StateVersion {
		t.Errorf("legacy dm_profile_state: ProfileState = %v, StateVersion = %v", db.Caps.ProfileState, db.Caps.StateVersion)
	}
}
