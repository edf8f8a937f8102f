// Package queue turns inbound direct messages into exclusively owned units of
// work and moves them through the response lifecycle:
//
//	pending -> sending -> responded | failed
//	failed  -> sending            (while response_attempts < max retries)
//	any non-terminal -> not_applicable (idempotency detection only)
//
// Exclusivity comes from the database, never from in-process locks. On
// PostgreSQL the claim locks candidate rows with FOR UPDATE SKIP LOCKED; on
// SQLite the claim runs in a BEGIN IMMEDIATE transaction. Both schemas carry a
// partial unique index allowing one sending row per conversation.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
)

// Defaults used when Options leave a field zero.
const (
	DefaultMaxRetries   = 3
	DefaultStaleMinutes = 10
	DefaultHistoryTurns = 8
	DefaultHistoryRunes = 280
	candidateMultiplier = 10
)

// Options configures a Queue.
type Options struct {
	// MaxRetries is the attempt ceiling a permanent failure is pinned to.
	MaxRetries int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Queue wraps the dm_messages table.
type Queue struct {
	db         *database.DB
	maxRetries int
	now        func() time.Time
	logger     *slog.Logger
}

// New creates a Queue.
func New(db *database.DB, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		db:         db,
		maxRetries: opts.MaxRetries,
		now:        func() time.Time { return opts.Now().UTC() },
		logger:     logger.With("component", "queue"),
	}
}

// outboundSince matches an outbound row at or after the inbound row "m".
const outboundSince = `
	SELECT 1 FROM dm_messages o
	WHERE o.conversation_id = m.conversation_id
	  AND o.direction = 'outbound'
	  AND o.sent_at >= m.sent_at`

// candidatesQuery picks the earliest eligible inbound message of each
// conversation. The lock clause is appended inside the first CTE.
func candidatesQuery(lockClause string) string {
	return `
WITH candidates AS (
	SELECT m.id, m.conversation_id, m.sent_at
	FROM dm_messages m
	JOIN dm_conversations c ON c.id = m.conversation_id
	WHERE m.direction = 'inbound'
	  AND m.response_status IN ('pending', 'failed')
	  AND m.response_attempts < ?
	  AND NOT EXISTS (` + outboundSince + `)
	  AND NOT EXISTS (
		SELECT 1 FROM dm_messages s
		WHERE s.conversation_id = m.conversation_id
		  AND s.response_status = 'sending')
	ORDER BY m.sent_at, m.id
	LIMIT ?
	` + lockClause + `
), ranked AS (
	SELECT id, sent_at,
	       ROW_NUMBER() OVER (PARTITION BY conversation_id ORDER BY sent_at, id) AS rn
	FROM candidates
)
SELECT id FROM ranked WHERE rn = 1 ORDER BY sent_at, id LIMIT ?`
}

const claimedColumns = `
	m.id, m.conversation_id, COALESCE(m.external_message_id, ''), COALESCE(m.text, ''),
	m.sent_at, m.response_attempts,
	COALESCE(m.sender_id, 0), COALESCE(u.external_id, ''), COALESCE(u.handle, ''), COALESCE(u.display_name, '')`

// ClaimBatch claims up to limit messages, at most one per conversation, and
// moves them to sending. An empty result is not an error.
func (q *Queue) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]ClaimedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	tx, err := q.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	lock := ""
	if q.db.Postgres() {
		lock = "FOR UPDATE OF m, c SKIP LOCKED"
	}
	ids, err := queryIDs(ctx, tx, q.db.Rebind(candidatesQuery(lock)), maxRetries, limit*candidateMultiplier, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	now := q.now()
	update := q.db.Rebind(`
		UPDATE dm_messages
		SET response_status = 'sending',
		    response_attempted_at = ?,
		    response_attempts = response_attempts + 1,
		    response_last_error = NULL
		WHERE id = ? AND response_status IN ('pending', 'failed')`)
	claimed := ids[:0]
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, update, now, id)
		if err != nil {
			return nil, fmt.Errorf("claim message %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			claimed = append(claimed, id)
		}
	}
	if len(claimed) == 0 {
		return nil, tx.Commit()
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(claimed)), ", ")
	args := make([]any, len(claimed))
	for i, id := range claimed {
		args[i] = id
	}
	rows, err := tx.QueryContext(ctx, q.db.Rebind(`
		SELECT`+claimedColumns+`
		FROM dm_messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.id IN (`+placeholders+`)
		ORDER BY m.sent_at, m.id`), args...)
	if err != nil {
		return nil, fmt.Errorf("load claimed messages: %w", err)
	}
	msgs, err := scanClaimed(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	q.logger.Debug("claimed batch", "count", len(msgs), "limit", limit)
	return msgs, nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanClaimed(rows *sql.Rows) ([]ClaimedMessage, error) {
	defer rows.Close()
	var msgs []ClaimedMessage
	for rows.Next() {
		var m ClaimedMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.ExternalMessageID, &m.Text,
			&m.SentAt, &m.Attempts,
			&m.SenderID, &m.SenderExternalID, &m.SenderHandle, &m.SenderDisplayName); err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		m.SentAt = m.SentAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecoverStale moves messages stuck in sending for longer than staleMinutes
// back to failed so they can be retried.
func (q *Queue) RecoverStale(ctx context.Context, staleMinutes int) (int64, error) {
	if staleMinutes <= 0 {
		staleMinutes = DefaultStaleMinutes
	}
	cutoff := q.now().Add(-time.Duration(staleMinutes) * time.Minute)
	res, err := q.db.SQL.ExecContext(ctx, q.db.Rebind(`
		UPDATE dm_messages
		SET response_status = 'failed',
		    response_last_error = ?
		WHERE direction = 'inbound'
		  AND response_status = 'sending'
		  AND COALESCE(response_attempted_at, sent_at) < ?`), StaleReason, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("recovered stale messages", "count", n, "stale_minutes", staleMinutes)
	}
	return n, nil
}

// firstOutbound selects a column of the first outbound row at or after the
// inbound row being updated.
func firstOutbound(column string) string {
	return `(SELECT o.` + column + ` FROM dm_messages o
		WHERE o.conversation_id = dm_messages.conversation_id
		  AND o.direction = 'outbound'
		  AND o.sent_at >= dm_messages.sent_at
		ORDER BY o.sent_at, o.id LIMIT 1)`
}

var attributeOutbound = `
	SET response_status = 'responded',
	    response_message_external_id = COALESCE(response_message_external_id, ` + firstOutbound("external_message_id") + `),
	    responded_at = COALESCE(responded_at, ` + firstOutbound("sent_at") + `),
	    response_last_error = NULL`

var hasAttributableOutbound = `EXISTS (
		SELECT 1 FROM dm_messages o
		WHERE o.conversation_id = dm_messages.conversation_id
		  AND o.direction = 'outbound'
		  AND o.sent_at >= dm_messages.sent_at)`

// ReconcileAlreadyAnswered marks responded every unfinished inbound message
// whose conversation already has an outbound message at or after it.
func (q *Queue) ReconcileAlreadyAnswered(ctx context.Context) (int64, error) {
	res, err := q.db.SQL.ExecContext(ctx, `
		UPDATE dm_messages`+attributeOutbound+`
		WHERE direction = 'inbound'
		  AND response_status IN ('pending', 'failed', 'sending')
		  AND `+hasAttributableOutbound)
	if err != nil {
		return 0, fmt.Errorf("reconcile answered: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("reconciled answered messages", "count", n)
	}
	return n, nil
}

// MarkRespondedFromExistingOutbound attributes an existing outbound message
// as the response to id. It reports false when no such outbound exists.
func (q *Queue) MarkRespondedFromExistingOutbound(ctx context.Context, id int64) (bool, error) {
	res, err := q.db.SQL.ExecContext(ctx, q.db.Rebind(`
		UPDATE dm_messages`+attributeOutbound+`
		WHERE id = ? AND direction = 'inbound' AND `+hasAttributableOutbound), id)
	if err != nil {
		return false, fmt.Errorf("attribute outbound to %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkResponded records a delivered reply.
func (q *Queue) MarkResponded(ctx context.Context, id int64, externalID string) error {
	return q.exec(ctx, "mark responded", id, `
		UPDATE dm_messages
		SET response_status = 'responded',
		    responded_at = ?,
		    response_message_external_id = ?,
		    response_last_error = NULL
		WHERE id = ? AND direction = 'inbound'`, q.now(), nullIfEmpty(externalID), id)
}

// MarkFailed records a delivery failure. A permanent failure pins the attempt
// counter to the retry ceiling so the message is never claimed again.
func (q *Queue) MarkFailed(ctx context.Context, id int64, reason string, permanent bool) error {
	reason = truncateBytes(reason, MaxReasonBytes)
	if permanent {
		return q.exec(ctx, "mark failed", id, `
			UPDATE dm_messages
			SET response_status = 'failed',
			    response_last_error = ?,
			    response_attempts = CASE WHEN response_attempts < ? THEN ? ELSE response_attempts END
			WHERE id = ? AND direction = 'inbound'`, reason, q.maxRetries, q.maxRetries, id)
	}
	return q.exec(ctx, "mark failed", id, `
		UPDATE dm_messages
		SET response_status = 'failed',
		    response_last_error = ?
		WHERE id = ? AND direction = 'inbound'`, reason, id)
}

// MarkNotApplicable retires a message without sending.
func (q *Queue) MarkNotApplicable(ctx context.Context, id int64, reason string) error {
	return q.exec(ctx, "mark not applicable", id, `
		UPDATE dm_messages
		SET response_status = 'not_applicable',
		    response_last_error = ?
		WHERE id = ? AND direction = 'inbound'`, truncateBytes(reason, MaxReasonBytes), id)
}

func (q *Queue) exec(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := q.db.SQL.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return nil
}

// HasOutboundSince reports whether the conversation already has an outbound
// message at or after msg.
func (q *Queue) HasOutboundSince(ctx context.Context, msg ClaimedMessage) (bool, error) {
	var exists bool
	err := q.db.SQL.QueryRowContext(ctx, q.db.Rebind(`
		SELECT EXISTS (
			SELECT 1 FROM dm_messages
			WHERE conversation_id = ? AND direction = 'outbound' AND sent_at >= ?)`),
		msg.ConversationID, msg.SentAt).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outbound since: %w", err)
	}
	return exists, nil
}

// TextAlreadySent reports whether text was already sent in the conversation
// at or after msg.
func (q *Queue) TextAlreadySent(ctx context.Context, msg ClaimedMessage, text string) (bool, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return false, nil
	}
	var exists bool
	err := q.db.SQL.QueryRowContext(ctx, q.db.Rebind(`
		SELECT EXISTS (
			SELECT 1 FROM dm_messages
			WHERE conversation_id = ? AND direction = 'outbound' AND sent_at >= ?
			  AND TRIM(COALESCE(text, '')) = ?)`),
		msg.ConversationID, msg.SentAt, text).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check duplicate text: %w", err)
	}
	return exists, nil
}

// RecentMessages returns up to limit recent turns of a conversation, oldest
// first, each cut to DefaultHistoryRunes.
func (q *Queue) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = DefaultHistoryTurns
	}
	rows, err := q.db.SQL.QueryContext(ctx, q.db.Rebind(`
		SELECT direction, COALESCE(text, ''), sent_at
		FROM dm_messages
		WHERE conversation_id = ? AND TRIM(COALESCE(text, '')) <> ''
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.Direction, &t.Text, &t.SentAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		t.Text = truncateRunes(strings.TrimSpace(t.Text), DefaultHistoryRunes)
		t.SentAt = t.SentAt.UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// RecordOutbound stores a reply the responder sent, for deployments whose
// listener does not capture outgoing messages.
func (q *Queue) RecordOutbound(ctx context.Context, msg ClaimedMessage, externalID, text string, sentAt time.Time) error {
	sentAt = sentAt.UTC()
	_, err := q.db.SQL.ExecContext(ctx, q.db.Rebind(`
		INSERT INTO dm_messages
			(conversation_id, external_message_id, direction, text, sent_at, response_status)
		VALUES (?, ?, 'outbound', ?, ?, 'not_applicable')
		ON CONFLICT (conversation_id, external_message_id) DO NOTHING`),
		msg.ConversationID, nullIfEmpty(externalID), text, sentAt)
	if err != nil {
		return fmt.Errorf("record outbound: %w", err)
	}
	_, err = q.db.SQL.ExecContext(ctx, q.db.Rebind(`
		UPDATE dm_conversations SET last_activity_at = ?
		WHERE id = ? AND (last_activity_at IS NULL OR last_activity_at < ?)`),
		sentAt, msg.ConversationID, sentAt)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// Counts returns the number of inbound messages per status.
func (q *Queue) Counts(ctx context.Context) (map[Status]int64, error) {
	rows, err := q.db.SQL.QueryContext(ctx, `
		SELECT response_status, COUNT(*)
		FROM dm_messages
		WHERE direction = 'inbound'
		GROUP BY response_status`)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int64, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for rows.Next() {
		var (
			s Status
			n int64
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
