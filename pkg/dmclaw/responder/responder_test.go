package responder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/composer"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/database/dbtest"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

type sent struct {
	recipient string
	text      string
}

type fakeSender struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	sent       []sent
	connects   int
	closed     bool
}

func (s *fakeSender) Name() string { return "fake" }

func (s *fakeSender) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	return s.connectErr
}

func (s *fakeSender) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSender) SendDirect(_ context.Context, recipient, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.sent = append(s.sent, sent{recipient: recipient, text: text})
	return fmt.Sprintf("out-%d", len(s.sent)), nil
}

type composerFunc func(ctx context.Context, msg queue.ClaimedMessage) (composer.Reply, error)

func (f composerFunc) Compose(ctx context.Context, msg queue.ClaimedMessage) (composer.Reply, error) {
	return f(ctx, msg)
}

type fixture struct {
	db   *database.DB
	q    *queue.Queue
	user int64
	conv int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{db: dbtest.Open(t)}
	f.q = queue.New(f.db, queue.Options{MaxRetries: 3}, nil)
	f.user = dbtest.User(t, f.db, "1001", "ana", "Ana")
	f.conv = dbtest.Conversation(t, f.db, "chat-1001", f.user)
	return f
}

func newTemplateResponder(t *testing.T, q Queue, sender channels.Sender, opts Options) *Responder {
	t.Helper()
	opts.Mode = ModeTemplate
	if opts.Template == "" {
		opts.Template = "Hi {sender_name}, got: {text}"
	}
	r, err := New(q, nil, sender, opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRunOnceDeliversAndMarksResponded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	sender := &fakeSender{}
	r := newTemplateResponder(t, f.q, sender, Options{})

	stats, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Claimed != 1 || stats.Responded != 1 || stats.RunID == "" {
		t.Errorf("stats = %+v", stats)
	}
	if len(sender.sent) != 1 || sender.sent[0].recipient != "1001" || sender.sent[0].text != "Hi Ana, got: hello" {
		t.Fatalf("sent = %+v", sender.sent)
	}
	st := dbtest.State(t, f.db, id)
	if st.Status != string(queue.StatusResponded) || st.ExternalID != "out-1" {
		t.Errorf("state = %+v", st)
	}

	// Nothing is left to claim, so a second run sends nothing.
	stats, err = r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if stats.Claimed != 0 || len(sender.sent) != 1 {
		t.Errorf("second run stats = %+v, sent = %d", stats, len(sender.sent))
	}
	if sender.connects != 1 {
		t.Errorf("connects = %d, want 1", sender.connects)
	}
	if err := r.Close(); err != nil || !sender.closed {
		t.Errorf("Close: err=%v closed=%v", err, sender.closed)
	}
}

func TestRunOnceDryRun(t *testing.T) {
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	r := newTemplateResponder(t, f.q, nil, Options{DryRun: true})

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Responded != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if st := dbtest.State(t, f.db, id); st.Status != string(queue.StatusResponded) || st.ExternalID != DryRunExternalID {
		t.Errorf("state = %+v", st)
	}
}

func TestRunOnceRetryableFailureIsBounded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	sender := &fakeSender{sendErr: channels.ErrChannelDisconnected}
	r := newTemplateResponder(t, f.q, sender, Options{MaxRetries: 3})

	for i := 0; i < 5; i++ {
		if _, err := r.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce %d: %v", i, err)
		}
	}
	st := dbtest.State(t, f.db, id)
	if st.Status != string(queue.StatusFailed) || st.Attempts != 3 {
		t.Errorf("state = %+v", st)
	}
	if !strings.Contains(st.LastError, "not connected") {
		t.Errorf("last error = %q", st.LastError)
	}
}

func TestRunOncePermanentFailurePinsAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	sender := &fakeSender{sendErr: channels.Permanent("fake", "user blocked the bot", nil)}
	r := newTemplateResponder(t, f.q, sender, Options{MaxRetries: 3})

	stats, err := r.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Failed != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if st := dbtest.State(t, f.db, id); st.Status != string(queue.StatusFailed) || st.Attempts != 3 {
		t.Errorf("state = %+v", st)
	}
	if stats, _ := r.RunOnce(ctx); stats.Claimed != 0 {
		t.Errorf("permanently failed message claimed again: %+v", stats)
	}
}

func TestRunOnceConnectFailureReleasesClaims(t *testing.T) {
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	sender := &fakeSender{connectErr: errors.New("dial failed")}
	r := newTemplateResponder(t, f.q, sender, Options{})

	if _, err := r.RunOnce(context.Background()); err == nil {
		t.Fatal("expected connect error")
	}
	if st := dbtest.State(t, f.db, id); st.Status != string(queue.StatusFailed) || st.Attempts != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestRunOnceComposeErrorIsRetryable(t *testing.T) {
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	c := composerFunc(func(context.Context, queue.ClaimedMessage) (composer.Reply, error) {
		return composer.Reply{}, errors.New("profile store down")
	})
	r, err := New(f.q, c, &fakeSender{}, Options{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	st := dbtest.State(t, f.db, id)
	if st.Status != string(queue.StatusFailed) || st.Attempts != 1 || !strings.Contains(st.LastError, "profile store down") {
		t.Errorf("state = %+v", st)
	}
}

func TestRunOnceRecordsOutbound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	r := newTemplateResponder(t, f.q, &fakeSender{}, Options{RecordOutbound: true})

	if _, err := r.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	answered, err := f.q.HasOutboundSince(ctx, queue.ClaimedMessage{ID: id, ConversationID: f.conv, SentAt: dbtest.At(0)})
	if err != nil {
		t.Fatalf("HasOutboundSince: %v", err)
	}
	if !answered {
		t.Error("outbound reply was not recorded")
	}
}

// racingQueue lets an outbound message land between the claim and the guard.
type racingQueue struct {
	*queue.Queue
	afterClaim func()
}

func (q racingQueue) ClaimBatch(ctx context.Context, limit, maxRetries int) ([]queue.ClaimedMessage, error) {
	msgs, err := q.Queue.ClaimBatch(ctx, limit, maxRetries)
	if err == nil && len(msgs) > 0 {
		q.afterClaim()
	}
	return msgs, err
}

func TestRunOnceSkipsMessageAnsweredAfterClaim(t *testing.T) {
	f := newFixture(t)
	id := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
	q := racingQueue{Queue: f.q, afterClaim: func() {
		dbtest.Outbound(t, f.db, f.conv, "human-1", "answered by hand", dbtest.At(1))
	}}
	sender := &fakeSender{}
	r := newTemplateResponder(t, q, sender, Options{})

	stats, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if stats.Skipped != 1 || len(sender.sent) != 0 {
		t.Errorf("stats = %+v, sent = %d", stats, len(sender.sent))
	}
	if st := dbtest.State(t, f.db, id); st.Status != string(queue.StatusResponded) || st.ExternalID != "human-1" {
		t.Errorf("state = %+v", st)
	}
}

func TestRunWorkersDrainsQueue(t *testing.T) {
	f := newFixture(t)
	var ids []int64
	for i := 0; i < 5; i++ {
		user := dbtest.User(t, f.db, fmt.Sprintf("20%02d", i), fmt.Sprintf("user%d", i), "")
		conv := dbtest.Conversation(t, f.db, fmt.Sprintf("chat-20%02d", i), user)
		ids = append(ids, dbtest.Inbound(t, f.db, conv, user, "m1", "hi", dbtest.At(i)))
	}
	sender := &fakeSender{}
	r := newTemplateResponder(t, f.q, sender, Options{BatchLimit: 2, Workers: 2})

	stats, err := r.RunWorkers(context.Background(), 2)
	if err != nil {
		t.Fatalf("RunWorkers: %v", err)
	}
	if stats.Responded != 5 || len(sender.sent) != 5 {
		t.Errorf("stats = %+v, sent = %d", stats, len(sender.sent))
	}
	for _, id := range ids {
		if st := dbtest.State(t, f.db, id); st.Status != string(queue.StatusResponded) {
			t.Errorf("message %d state = %+v", id, st)
		}
	}
}

// memQueue is an in-memory Queue for guards that need a fixed store answer.
type memQueue struct {
	mu          sync.Mutex
	claim       []queue.ClaimedMessage
	alreadySent map[string]bool
	status      map[int64]string
	reasons     map[int64]string
}

func newMemQueue(msgs ...queue.ClaimedMessage) *memQueue {
	return &memQueue{claim: msgs, alreadySent: map[string]bool{}, status: map[int64]string{}, reasons: map[int64]string{}}
}

func (q *memQueue) ClaimBatch(context.Context, int, int) ([]queue.ClaimedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.claim
	q.claim = nil
	return out, nil
}

func (q *memQueue) RecoverStale(context.Context, int) (int64, error) { return 0, nil }
func (q *memQueue) ReconcileAlreadyAnswered(context.Context) (int64, error) { return 0, nil }

func (q *memQueue) MarkRespondedFromExistingOutbound(context.Context, int64) (bool, error) {
	return false, nil
}

func (q *memQueue) set(id int64, status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.status[id] = status
	q.reasons[id] = reason
	return nil
}

func (q *memQueue) MarkResponded(_ context.Context, id int64, _ string) error {
	return q.set(id, string(queue.StatusResponded), "")
}

func (q *memQueue) MarkFailed(_ context.Context, id int64, reason string, _ bool) error {
	return q.set(id, string(queue.StatusFailed), reason)
}

func (q *memQueue) MarkNotApplicable(_ context.Context, id int64, reason string) error {
	return q.set(id, string(queue.StatusNotApplicable), reason)
}

func (q *memQueue) HasOutboundSince(context.Context, queue.ClaimedMessage) (bool, error) {
	return false, nil
}

func (q *memQueue) TextAlreadySent(_ context.Context, _ queue.ClaimedMessage, text string) (bool, error) {
	return q.alreadySent[text], nil
}

func (q *memQueue) RecordOutbound(context.Context, queue.ClaimedMessage, string, string, time.Time) error {
	return nil
}

type claimState struct {
	id    int64
	state dbtest.MessageState
}

func TestDuplicateGuards(t *testing.T) {
	at := dbtest.At(0)
	msg := func(id int64) queue.ClaimedMessage {
		return queue.ClaimedMessage{ID: id, ConversationID: 1, Text: "hello", SentAt: at, SenderExternalID: "1001", Attempts: 1}
	}

	t.Run("same batch", func(t *testing.T) {
		// Ana writes from two conversations; both claims land in one batch.
		f := newFixture(t)
		conv2 := dbtest.Conversation(t, f.db, "chat-1001-b", f.user)
		a := dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
		b := dbtest.Inbound(t, f.db, conv2, f.user, "m2", "hello again", dbtest.At(1))
		sender := &fakeSender{}
		r := newTemplateResponder(t, f.q, sender, Options{Template: "same reply"})

		stats, err := r.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if stats.Claimed != 2 || stats.Responded != 1 || stats.Skipped != 1 || len(sender.sent) != 1 {
			t.Fatalf("stats = %+v, sent = %+v", stats, sender.sent)
		}
		states := []claimState{{a, dbtest.State(t, f.db, a)}, {b, dbtest.State(t, f.db, b)}}
		var responded, skipped int
		for _, st := range states {
			switch st.state.Status {
			case string(queue.StatusResponded):
				responded++
			case string(queue.StatusNotApplicable):
				skipped++
				if st.state.LastError != ReasonDuplicateInBatch {
					t.Errorf("message %d reason = %q, want %q", st.id, st.state.LastError, ReasonDuplicateInBatch)
				}
			default:
				t.Errorf("message %d state = %+v", st.id, st.state)
			}
		}
		if responded != 1 || skipped != 1 {
			t.Errorf("responded = %d, skipped = %d", responded, skipped)
		}
	})

	t.Run("different text same recipient", func(t *testing.T) {
		f := newFixture(t)
		conv2 := dbtest.Conversation(t, f.db, "chat-1001-b", f.user)
		dbtest.Inbound(t, f.db, f.conv, f.user, "m1", "hello", dbtest.At(0))
		dbtest.Inbound(t, f.db, conv2, f.user, "m2", "bye", dbtest.At(1))
		sender := &fakeSender{}
		r := newTemplateResponder(t, f.q, sender, Options{Template: "got: {text}"})

		stats, err := r.RunOnce(context.Background())
		if err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if stats.Responded != 2 || len(sender.sent) != 2 {
			t.Errorf("stats = %+v, sent = %+v", stats, sender.sent)
		}
	})

	t.Run("already sent", func(t *testing.T) {
		q := newMemQueue(msg(3))
		q.alreadySent["same reply"] = true
		sender := &fakeSender{}
		r := newTemplateResponder(t, q, sender, Options{Template: "same reply"})

		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if len(sender.sent) != 0 || q.reasons[3] != ReasonDuplicateSent || q.status[3] != string(queue.StatusNotApplicable) {
			t.Errorf("sent = %d, status = %q, reason = %q", len(sender.sent), q.status[3], q.reasons[3])
		}
	})

	t.Run("missing recipient", func(t *testing.T) {
		m := msg(4)
		m.SenderExternalID = ""
		q := newMemQueue(m)
		r := newTemplateResponder(t, q, &fakeSender{}, Options{})

		if _, err := r.RunOnce(context.Background()); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
		if q.status[4] != string(queue.StatusFailed) || !strings.Contains(q.reasons[4], "invalid recipient") {
			t.Errorf("status = %q, reason = %q", q.status[4], q.reasons[4])
		}
	})
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{errors.New("timeout"), Retryable},
		{channels.ErrChannelDisconnected, Retryable},
		{fmt.Errorf("send: %w", channels.ErrInvalidRecipient), Permanent},
		{channels.Permanent("telegram", "forbidden", errors.New("403")), Permanent},
	}
	for _, tt := range tests {
		if got := Classify(tt.err); got != tt.want {
			t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestNewValidatesOptions(t *testing.T) {
	f := newFixture(t)
	if _, err := New(f.q, nil, &fakeSender{}, Options{Mode: ModeConversational}, nil); err == nil {
		t.Error("conversational mode without composer accepted")
	}
	if _, err := New(f.q, nil, nil, Options{Mode: ModeTemplate}, nil); err == nil {
		t.Error("missing sender accepted outside dry-run")
	}
	if _, err := New(f.q, nil, &fakeSender{}, Options{Mode: "shout"}, nil); err == nil {
		t.Error("unknown mode accepted")
	}
}
