package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database/dbtest"
)

type fixture struct {
	db    *database.DB
	q     *Queue
	user  int64
	conv  int64
	clock time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: dbtest.Open(t), clock: dbtest.At(60)}
	f.q = New(f.db, Options{MaxRetries: 3, Now: func() time.Time { return f.clock }}, nil)
	f.user = dbtest.User(t, f.db, "1001", "ana", "Ana")
	f.conv = dbtest.Conversation(t, f.db, "chat-1001", f.user)
	return f
}

func TestClaimBatch_OnePerConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	second := dbtest.Inbound(t, f.db, f.conv, f.user, "m2", "are you there?", dbtest.At(1))

	other := dbtest.User(t, f.db, "1002", "bo", "Bo")
	otherConv := dbtest.Conversation(t, f.db, "chat-1002", other)
	otherMsg := dbtest.Inbound(t, f.db, otherConv, other, "m3", "hi", dbtest.At(2))

	msgs, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 claimed messages, got %d", len(msgs))
	}
	if msgs[0].ID != first || msgs[1].ID != otherMsg {
		t.Errorf("claimed %d,%d; want %d,%d", msgs[0].ID, msgs[1].ID, first, otherMsg)
	}
	if msgs[0].SenderExternalID != "1001" || msgs[0].SenderHandle != "ana" || msgs[0].SenderDisplayName != "Ana" {
		t.Errorf("sender metadata not joined: %+v", msgs[0])
	}
	if msgs[0].Attempts != 1 {
		t.Errorf("expected attempts 1, got %d", msgs[0].Attempts)
	}
	if !msgs[0].SentAt.Equal(dbtest.At(0)) {
		t.Errorf("SentAt = %v, want %v", msgs[0].SentAt, dbtest.At(0))
	}

	// While the first message is sending, its successor stays unclaimable.
	again, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("second ClaimBatch failed: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected no claim while conversation is sending, got %+v", again)
	}
	if s := dbtest.State(t, f.db, second); s.Status != string(StatusPending) {
		t.Errorf("successor status = %s, want pending", s.Status)
	}

	if err := f.q.MarkResponded(ctx, first, "out-1"); err != nil {
		t.Fatalf("MarkResponded failed: %v", err)
	}
	next, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("third ClaimBatch failed: %v", err)
	}
	if len(next) != 1 || next[0].ID != second {
		t.Fatalf("expected successor %d after first responded, got %+v", second, next)
	}
}

func TestClaimBatch_ConcurrentClaimers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const conversations = 20
	firsts := map[int64]int64{}
	for i := 0; i < conversations; i++ {
		user := dbtest.User(t, f.db, fmt.Sprintf("30%02d", i), fmt.Sprintf("u%d", i), "")
		conv := dbtest.Conversation(t, f.db, fmt.Sprintf("chat-30%02d", i), user)
		firsts[conv] = dbtest.Inbound(t, f.db, conv, user, fmt.Sprintf("c%d-a", i), "first", dbtest.At(i))
		dbtest.Inbound(t, f.db, conv, user, fmt.Sprintf("c%d-b", i), "second", dbtest.At(i+30))
	}

	var (
		mu      sync.Mutex
		claimed []ClaimedMessage
		wg      sync.WaitGroup
		errs    = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := f.q.ClaimBatch(ctx, 3, 3)
				if err != nil {
					errs <- err
					return
				}
				if len(msgs) == 0 {
					return
				}
				mu.Lock()
				claimed = append(claimed, msgs...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	seenMsg := map[int64]bool{}
	seenConv := map[int64]bool{}
	for _, m := range claimed {
		if seenMsg[m.ID] {
			t.Errorf("message %d claimed twice", m.ID)
		}
		if seenConv[m.ConversationID] {
			t.Errorf("conversation %d has two claims", m.ConversationID)
		}
		seenMsg[m.ID] = true
		seenConv[m.ConversationID] = true
		if firsts[m.ConversationID] != m.ID {
			t.Errorf("conversation %d claimed message %d, want its earliest %d", m.ConversationID, m.ID, firsts[m.ConversationID])
		}
	}
	if len(claimed) != conversations {
		t.Errorf("claimed %d messages, want %d", len(claimed), conversations)
	}

	var sending int
	if err := f.db.SQL.QueryRowContext(ctx, `SELECT COUNT(*) FROM dm_messages WHERE response_status = 'sending'`).Scan(&sending); err != nil {
		t.Fatal(err)
	}
	if sending != conversations {
		t.Errorf("%d rows in sending, want %d", sending, conversations)
	}
}

func TestClaimBatch_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		u := dbtest.User(t, f.db, "u"+string(rune('a'+i)), "", "")
		c := dbtest.Conversation(t, f.db, "c"+string(rune('a'+i)), u)
		dbtest.Inbound(t, f.db, c, u, "x", "hey", dbtest.At(i))
	}
	msgs, err := f.q.ClaimBatch(ctx, 2, 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("expected 2, got %d", len(msgs))
	}
}

func TestClaimBatch_SkipsAnsweredConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	dbtest.Outbound(t, f.db, f.conv, "o1", "hi Ana", dbtest.At(1))

	msgs, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected nothing claimable, got %+v", msgs)
	}
}

func TestClaimBatch_BoundedRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))

	for attempt := 1; attempt <= 3; attempt++ {
		msgs, err := f.q.ClaimBatch(ctx, 10, 3)
		if err != nil {
			t.Fatalf("attempt %d: ClaimBatch failed: %v", attempt, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("attempt %d: expected a claim, got %d", attempt, len(msgs))
		}
		if err := f.q.MarkFailed(ctx, id, "network down", false); err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
	}

	msgs, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected exhausted message to stay unclaimed, got %+v", msgs)
	}
	s := dbtest.State(t, f.db, id)
	if s.Status != string(StatusFailed) || s.Attempts != 3 {
		t.Errorf("state = %+v, want failed with 3 attempts", s)
	}
}

func TestMarkFailed_PermanentPinsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	if _, err := f.q.ClaimBatch(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}
	if err := f.q.MarkFailed(ctx, id, "unparseable recipient id", true); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	s := dbtest.State(t, f.db, id)
	if s.Attempts != 3 || s.Status != string(StatusFailed) {
		t.Errorf("state = %+v, want failed with attempts pinned to 3", s)
	}
}

func TestMarkFailed_TruncatesReason(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))

	if err := f.q.MarkFailed(ctx, id, strings.Repeat("é", 2000), false); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	s := dbtest.State(t, f.db, id)
	if len(s.LastError) > MaxReasonBytes {
		t.Errorf("reason is %d bytes, want <= %d", len(s.LastError), MaxReasonBytes)
	}
	if !strings.HasSuffix(s.LastError, "é") {
		t.Error("reason was cut inside a rune")
	}
}

func TestMarkResponded_UnknownID(t *testing.T) {
	f := newFixture(t)
	err := f.q.MarkResponded(context.Background(), 999, "x")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	if _, err := f.q.ClaimBatch(ctx, 10, 3); err != nil {
		t.Fatalf("ClaimBatch failed: %v", err)
	}

	f.clock = f.clock.Add(5 * time.Minute)
	n, err := f.q.RecoverStale(ctx, 10)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d messages before the window elapsed", n)
	}

	f.clock = f.clock.Add(6 * time.Minute)
	n, err = f.q.RecoverStale(ctx, 10)
	if err != nil {
		t.Fatalf("RecoverStale failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered message, got %d", n)
	}
	s := dbtest.State(t, f.db, id)
	if s.Status != string(StatusFailed) || s.LastError != StaleReason {
		t.Errorf("state = %+v, want failed with stale reason", s)
	}
}

func TestReconcileAlreadyAnswered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	answered := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "first", dbtest.At(0))
	dbtest.Outbound(t, f.db, f.conv, "o1", "a human replied", dbtest.At(2))
	dbtest.Outbound(t, f.db, f.conv, "o2", "and again", dbtest.At(3))
	later := dbtest.Inbound(t, f.db, f.conv, f.user, "m2", "thanks", dbtest.At(5))

	n, err := f.q.ReconcileAlreadyAnswered(ctx)
	if err != nil {
		t.Fatalf("ReconcileAlreadyAnswered failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled message, got %d", n)
	}
	s := dbtest.State(t, f.db, answered)
	if s.Status != string(StatusResponded) || s.ExternalID != "o1" {
		t.Errorf("answered state = %+v, want responded via o1", s)
	}
	if s := dbtest.State(t, f.db, later); s.Status != string(StatusPending) {
		t.Errorf("later message status = %s, want pending", s.Status)
	}
}

func TestMarkRespondedFromExistingOutbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))

	ok, err := f.q.MarkRespondedFromExistingOutbound(ctx, id)
	if err != nil || ok {
		t.Fatalf("expected no attribution without outbound, got %v, %v", ok, err)
	}

	dbtest.Outbound(t, f.db, f.conv, "o1", "hi", dbtest.At(1))
	ok, err = f.q.MarkRespondedFromExistingOutbound(ctx, id)
	if err != nil || !ok {
		t.Fatalf("expected attribution, got %v, %v", ok, err)
	}
	if s := dbtest.State(t, f.db, id); s.ExternalID != "o1" {
		t.Errorf("external id = %q, want o1", s.ExternalID)
	}
}

func TestIdempotencyReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(10))
	msg := ClaimedMessage{ID: id, ConversationID: f.conv, SentAt: dbtest.At(10)}

	dbtest.Outbound(t, f.db, f.conv, "old", "Hi there!", dbtest.At(5))

	has, err := f.q.HasOutboundSince(ctx, msg)
	if err != nil || has {
		t.Fatalf("HasOutboundSince = %v, %v; want false", has, err)
	}
	dup, err := f.q.TextAlreadySent(ctx, msg, "Hi there!")
	if err != nil || dup {
		t.Fatalf("older identical text must not count, got %v, %v", dup, err)
	}

	dbtest.Outbound(t, f.db, f.conv, "new", "Hi there!", dbtest.At(11))
	has, err = f.q.HasOutboundSince(ctx, msg)
	if err != nil || !has {
		t.Fatalf("HasOutboundSince = %v, %v; want true", has, err)
	}
	dup, err = f.q.TextAlreadySent(ctx, msg, "  Hi there!  ")
	if err != nil || !dup {
		t.Fatalf("TextAlreadySent = %v, %v; want true", dup, err)
	}
}

func TestRecentMessages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		dbtest.Inbound(t, f.db, f.conv, f.user, "m"+string(rune('a'+i)), "turn "+string(rune('a'+i)), dbtest.At(i))
	}
	dbtest.Outbound(t, f.db, f.conv, "o", strings.Repeat("x", 400), dbtest.At(20))

	turns, err := f.q.RecentMessages(ctx, f.conv, 8)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(turns) != 8 {
		t.Fatalf("expected 8 turns, got %d", len(turns))
	}
	if turns[0].Text != "turn d" {
		t.Errorf("oldest turn = %q, want %q", turns[0].Text, "turn d")
	}
	last := turns[len(turns)-1]
	if last.Inbound() || len(last.Text) != DefaultHistoryRunes {
		t.Errorf("newest turn should be the truncated outbound, got %q (%d)", last.Direction, len(last.Text))
	}
}

func TestRecordOutboundAndCounts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	dbtest.Inbound(t, f.db, f.conv, f.user, "m2", "hello?", dbtest.At(1))

	msgs, err := f.q.ClaimBatch(ctx, 10, 3)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("ClaimBatch = %d, %v", len(msgs), err)
	}
	if err := f.q.MarkResponded(ctx, id, "42"); err != nil {
		t.Fatalf("MarkResponded failed: %v", err)
	}
	if err := f.q.RecordOutbound(ctx, msgs[0], "42", "Hi Ana", dbtest.At(2)); err != nil {
		t.Fatalf("RecordOutbound failed: %v", err)
	}
	// Recording the same provider id twice is a no-op.
	if err := f.q.RecordOutbound(ctx, msgs[0], "42", "Hi Ana", dbtest.At(2)); err != nil {
		t.Fatalf("second RecordOutbound failed: %v", err)
	}

	counts, err := f.q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[StatusResponded] != 1 || counts[StatusPending] != 1 || counts[StatusSending] != 0 {
		t.Errorf("counts = %v", counts)
	}

	// The recorded outbound now answers m2 as well.
	n, err := f.q.ReconcileAlreadyAnswered(ctx)
	if err != nil || n != 1 {
		t.Errorf("ReconcileAlreadyAnswered = %d, %v; want 1", n, err)
	}
}

func TestTruncateBytes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本", 4, "日"},
	}
	for _, tt := range tests {
		if got := truncateBytes(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateBytes(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusResponded || s == StatusNotApplicable
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestSenderName(t *testing.T) {
	tests := []struct {
		msg  ClaimedMessage
		want string
	}{
		{ClaimedMessage{SenderDisplayName: "Ana", SenderHandle: "ana"}, "Ana"},
		{ClaimedMessage{SenderHandle: "ana"}, "ana"},
		{ClaimedMessage{}, "friend"},
	}
	for _, tt := range tests {
		if got := tt.msg.SenderName("friend"); got != tt.want {
			t.Errorf("SenderName(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}
