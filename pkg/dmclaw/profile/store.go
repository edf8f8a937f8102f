package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
)

// DefaultEventLimit bounds PendingEvents.
const DefaultEventLimit = 20

// StoreOptions configures a Store.
type StoreOptions struct {
	// Platform scopes user lookups (default "telegram").
	Platform string

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Store reads and writes the profile tables. Every read honours the probed
// capabilities: a missing table or column yields empty data, not an error.
type Store struct {
	db       *database.DB
	platform string
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore creates a Store.
func NewStore(db *database.DB, opts StoreOptions, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Platform == "" {
		opts.Platform = "telegram"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		db:       db,
		platform: opts.Platform,
		now:      func() time.Time { return opts.Now().UTC() },
		logger:   logger.With("component", "profile_store"),
	}
}

// Base is the latest enrichment row of a user.
type Base struct {
	Profile   Profile
	CreatedAt time.Time
	Found     bool
}

// LoadBase reads the newest user_psychographics row.
func (s *Store) LoadBase(ctx context.Context, userID int64) (Base, error) {
	caps := s.db.Caps
	if userID <= 0 || !caps.BaseProfile {
		return Base{}, nil
	}

	// Column names come from the probed allowlist, never from input.
	names := append([]string(nil), caps.ProfileColumns...)
	targets := append([]string(nil), caps.ProfileColumns...)
	for legacy, canonical := range caps.ProfileAliases {
		names = append(names, legacy)
		targets = append(targets, canonical)
	}
	if len(names) == 0 {
		return Base{}, nil
	}

	query := fmt.Sprintf(`
		SELECT created_at, %s
		FROM user_psychographics
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, strings.Join(names, ", "))

	values := make([]Value, len(names))
	dest := make([]any, 0, len(names)+1)
	var createdAt sql.NullTime
	dest = append(dest, &createdAt)
	for i := range values {
		dest = append(dest, &values[i])
	}

	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(query), userID).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return Base{}, nil
	}
	if err != nil {
		return Base{}, fmt.Errorf("load base profile: %w", err)
	}

	cols := make(map[string]Value, len(names))
	for i, name := range targets {
		cols[name] = values[i]
	}
	b := Base{Profile: FromColumns(cols), Found: true}
	if createdAt.Valid {
		b.CreatedAt = createdAt.Time.UTC()
	}
	return b, nil
}

// PendingEvents returns the newest unprocessed events, oldest first.
func (s *Store) PendingEvents(ctx context.Context, userID int64, limit int) ([]Event, error) {
	if userID <= 0 || !s.db.Caps.ProfileEvents {
		return nil, nil
	}
	if limit <= 0 {
		limit = DefaultEventLimit
	}

	rows, err := s.db.SQL.QueryContext(ctx, s.db.Rebind(`
		SELECT id, user_id, COALESCE(source_message_id, 0), event_type,
		       event_payload, extracted_facts, confidence, created_at
		FROM dm_profile_update_events
		WHERE user_id = ? AND processed = ?
		ORDER BY id DESC
		LIMIT ?`), userID, false, limit)
	if err != nil {
		return nil, fmt.Errorf("pending profile events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e          Event
			facts      Value
			confidence sql.NullFloat64
			createdAt  sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.SourceMessageID, &e.Type,
			&e.Payload, &facts, &confidence, &createdAt); err != nil {
			return nil, fmt.Errorf("scan profile event: %w", err)
		}
		e.Facts = ParseFacts(facts)
		if confidence.Valid {
			e.Confidence = Float(confidence.Float64)
		}
		if createdAt.Valid {
			e.CreatedAt = createdAt.Time.UTC()
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

// AppendEvent inserts an unprocessed extraction event and returns its id.
func (s *Store) AppendEvent(ctx context.Context, e Event) (int64, error) {
	if !s.db.Caps.ProfileEvents {
		return 0, nil
	}
	facts, err := EncodeFacts(e.Facts)
	if err != nil {
		return 0, fmt.Errorf("encode facts: %w", err)
	}
	var payload any
	if !e.Payload.IsNull() {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return 0, fmt.Errorf("encode payload: %w", err)
		}
		payload = string(b)
	}
	var confidence any
	if e.Confidence != nil {
		confidence = *e.Confidence
	}
	var source any
	if e.SourceMessageID > 0 {
		source = e.SourceMessageID
	}

	var id int64
	err = s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		INSERT INTO dm_profile_update_events
			(user_id, source_message_id, event_type, event_payload, extracted_facts, confidence, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		e.UserID, source, e.Type, payload, facts, confidence, false, s.now()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append profile event: %w", err)
	}
	return id, nil
}

// LoadState reads the dm_profile_state row, or the default state.
func (s *Store) LoadState(ctx context.Context, userID int64, required []string) (State, error) {
	state := NewState(userID, required)
	if userID <= 0 || !s.db.Caps.ProfileState {
		return state, nil
	}

	var (
		status       string
		req, missing Value
		lastPrompted sql.NullString
		started      sql.NullTime
		completed    sql.NullTime
		turns        sql.NullInt64
		snapshot     sql.NullString
		version      int64
	)
	versionCol := "0"
	if s.db.Caps.StateVersion {
		versionCol = "version"
	}
	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(`
		SELECT onboarding_status, onboarding_required_fields, onboarding_missing_fields,
		       onboarding_last_prompted_field, onboarding_started_at, onboarding_completed_at,
		       onboarding_turns, snapshot, `+versionCol+`
		FROM dm_profile_state
		WHERE user_id = ?`), userID).Scan(&status, &req, &missing, &lastPrompted,
		&started, &completed, &turns, &snapshot, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("load profile state: %w", err)
	}

	state.Exists = true
	state.Version = version
	ob := &state.Onboarding
	if st := OnboardingStatus(status); st.Valid() {
		ob.Status = st
	}
	ob.RequiredFields = NormalizeFields(req.Strings(12), ob.RequiredFields, false)
	ob.MissingFields = NormalizeFields(missing.Strings(12), ob.RequiredFields, true)
	if missing.IsNull() {
		ob.MissingFields = append([]string(nil), ob.RequiredFields...)
	}
	ob.LastPromptedField = strings.TrimSpace(lastPrompted.String)
	if started.Valid {
		t := started.Time.UTC()
		ob.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time.UTC()
		ob.CompletedAt = &t
	}
	if turns.Valid && turns.Int64 > 0 {
		ob.Turns = int(turns.Int64)
	}

	if snapshot.Valid {
		if err := state.UnmarshalSnapshot([]byte(snapshot.String)); err != nil {
			// A corrupt snapshot only loses style and overrides.
			s.logger.Warn("ignoring unreadable profile snapshot", "user_id", userID, "error", err)
		}
	}
	return state, nil
}

// ErrStateConflict means the dm_profile_state row changed between
// LoadState and SaveState.
var ErrStateConflict = errors.New("profile state changed concurrently")

// SaveState writes the dm_profile_state row. When the schema carries a
// version column the write only lands if the row is still at state.Version
// (or still absent for a state that was never stored); otherwise it returns
// ErrStateConflict and the caller reloads.
func (s *Store) SaveState(ctx context.Context, state State) error {
	if state.UserID <= 0 || !s.db.Caps.ProfileState {
		return nil
	}
	ob := state.Onboarding
	status := ob.Status
	if !status.Valid() {
		status = OnboardingNotStarted
	}
	required := NormalizeFields(ob.RequiredFields, DefaultRequiredFields, false)
	missing := NormalizeFields(ob.MissingFields, required, true)

	reqJSON, err := json.Marshal(required)
	if err != nil {
		return err
	}
	missingJSON, err := json.Marshal(missing)
	if err != nil {
		return err
	}
	snapshot, err := state.MarshalSnapshot()
	if err != nil {
		return err
	}
	turns := ob.Turns
	if turns < 0 {
		turns = 0
	}
	args := []any{
		string(status), string(reqJSON), string(missingJSON),
		nullString(ob.LastPromptedField), nullTime(ob.StartedAt), nullTime(ob.CompletedAt),
		turns, snapshot, s.now(),
	}

	if !s.db.Caps.StateVersion {
		_, err = s.db.SQL.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO dm_profile_state (
				onboarding_status, onboarding_required_fields, onboarding_missing_fields,
				onboarding_last_prompted_field, onboarding_started_at, onboarding_completed_at,
				onboarding_turns, snapshot, updated_at, user_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				onboarding_status = excluded.onboarding_status,
				onboarding_required_fields = excluded.onboarding_required_fields,
				onboarding_missing_fields = excluded.onboarding_missing_fields,
				onboarding_last_prompted_field = excluded.onboarding_last_prompted_field,
				onboarding_started_at = excluded.onboarding_started_at,
				onboarding_completed_at = excluded.onboarding_completed_at,
				onboarding_turns = excluded.onboarding_turns,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at`), append(args, state.UserID)...)
		if err != nil {
			return fmt.Errorf("save profile state: %w", err)
		}
		return nil
	}

	var res sql.Result
	if state.Exists {
		res, err = s.db.SQL.ExecContext(ctx, s.db.Rebind(`
			UPDATE dm_profile_state SET
				onboarding_status = ?,
				onboarding_required_fields = ?,
				onboarding_missing_fields = ?,
				onboarding_last_prompted_field = ?,
				onboarding_started_at = ?,
				onboarding_completed_at = ?,
				onboarding_turns = ?,
				snapshot = ?,
				updated_at = ?,
				version = version + 1
			WHERE user_id = ? AND version = ?`), append(args, state.UserID, state.Version)...)
	} else {
		res, err = s.db.SQL.ExecContext(ctx, s.db.Rebind(`
			INSERT INTO dm_profile_state (
				onboarding_status, onboarding_required_fields, onboarding_missing_fields,
				onboarding_last_prompted_field, onboarding_started_at, onboarding_completed_at,
				onboarding_turns, snapshot, updated_at, user_id, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (user_id) DO NOTHING`), append(args, state.UserID)...)
	}
	if err != nil {
		return fmt.Errorf("save profile state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save profile state: %w", err)
	}
	if n == 0 {
		return ErrStateConflict
	}
	return nil
}

// Target names a third party a user asked about.
type Target struct {
	Handle  string
	Name    string
	Company string
}

// Empty reports whether no lookup key is set.
func (t Target) Empty() bool { return t.Handle == "" && t.Name == "" }

// Match is a user found by LookupUser.
type Match struct {
	UserID      int64
	DisplayName string
	Handle      string
	Base        Base
}

// LookupUser finds the user a third-party question refers to: by handle, or
// by display name with an optional company filter. Exact name matches rank
// first.
func (s *Store) LookupUser(ctx context.Context, t Target) (Match, bool, error) {
	var (
		query string
		args  []any
	)
	switch {
	case t.Handle != "":
		query = `
			SELECT id, COALESCE(display_name, ''), COALESCE(handle, '')
			FROM users
			WHERE platform = ? AND lower(handle) = lower(?)
			ORDER BY id DESC
			LIMIT 1`
		args = []any{s.platform, t.Handle}

	case t.Name != "":
		exact := strings.ToLower(t.Name)
		like := "%" + exact + "%"
		var b strings.Builder
		b.WriteString(`
			SELECT u.id, COALESCE(u.display_name, ''), COALESCE(u.handle, '')
			FROM users u
			WHERE u.platform = ?
			  AND (lower(COALESCE(u.display_name, '')) = ?
			    OR lower(COALESCE(u.handle, '')) = ?
			    OR lower(COALESCE(u.display_name, '')) LIKE ?
			    OR lower(COALESCE(u.handle, '')) LIKE ?)`)
		args = []any{s.platform, exact, exact, like, like}

		if filters := s.companyFilters(); t.Company != "" && len(filters) > 0 {
			b.WriteString("\n\t\t\t  AND (")
			companyLike := "%" + strings.ToLower(t.Company) + "%"
			for i, f := range filters {
				if i > 0 {
					b.WriteString(" OR ")
				}
				b.WriteString(f)
				args = append(args, companyLike)
			}
			b.WriteString(")")
		}
		b.WriteString(`
			ORDER BY CASE
				WHEN lower(COALESCE(u.display_name, '')) = ? THEN 0
				WHEN lower(COALESCE(u.handle, '')) = ? THEN 1
				ELSE 2
			END, u.id DESC
			LIMIT 1`)
		args = append(args, exact, exact)
		query = b.String()

	default:
		return Match{}, false, nil
	}

	var m Match
	err := s.db.SQL.QueryRowContext(ctx, s.db.Rebind(query), args...).Scan(&m.UserID, &m.DisplayName, &m.Handle)
	if errors.Is(err, sql.ErrNoRows) {
		return Match{}, false, nil
	}
	if err != nil {
		return Match{}, false, fmt.Errorf("lookup user: %w", err)
	}

	if m.Base, err = s.LoadBase(ctx, m.UserID); err != nil {
		return m, true, err
	}
	return m, true, nil
}

// companyFilters returns one LIKE clause per company-bearing base column
// present in the schema.
func (s *Store) companyFilters() []string {
	var out []string
	for _, col := range []string{"primary_company", "generated_bio_professional"} {
		if !s.db.Caps.HasProfileColumn(col) {
			continue
		}
		out = append(out, fmt.Sprintf(`lower(COALESCE((
				SELECT up.%s FROM user_psychographics up
				WHERE up.user_id = u.id
				ORDER BY up.created_at DESC, up.id DESC
				LIMIT 1), '')) LIKE ?`, col))
	}
	return out
}

// Feedback kinds.
const (
	FeedbackExplicit = "explicit"
	FeedbackImplicit = "implicit"
)

// Feedback is a product-feedback message worth keeping.
type Feedback struct {
	UserID         int64
	ConversationID int64
	MessageID      int64
	Kind           string
	Text           string
}

// RecordFeedback stores a feedback row when the table exists.
func (s *Store) RecordFeedback(ctx context.Context, f Feedback) error {
	if !s.db.Caps.Feedback {
		return nil
	}
	_, err := s.db.SQL.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO dm_feedback (user_id, conversation_id, message_id, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		nullID(f.UserID), nullID(f.ConversationID), nullID(f.MessageID), f.Kind, f.Text, s.now())
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}
