// Package responder drives claimed inbound messages to a terminal state.
// Each message is checked for an existing answer, composed, deduplicated
// and delivered; every outcome is written back to the queue before the
// message is considered done.
package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/composer"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

// Reply modes.
const (
	ModeConversational = "conversational"
	ModeTemplate       = "template"
)

// Skip reasons written to response_last_error.
const (
	ReasonAnsweredExternally = "already_responded_externally"
	ReasonDuplicateInBatch   = "duplicate_text_in_same_batch"
	ReasonDuplicateSent      = "duplicate_text_already_sent"
)

// DryRunExternalID marks messages handled without sending.
const DryRunExternalID = "dry-run"

// Defaults used when Options leave a field zero.
const (
	DefaultBatchLimit  = 20
	DefaultWorkers     = 4
	DefaultSendTimeout = 30 * time.Second
)

// Queue is the subset of queue.Queue the responder drives.
type Queue interface {
	ClaimBatch(ctx context.Context, limit, maxRetries int) ([]queue.ClaimedMessage, error)
	RecoverStale(ctx context.Context, staleMinutes int) (int64, error)
	ReconcileAlreadyAnswered(ctx context.Context) (int64, error)
	MarkRespondedFromExistingOutbound(ctx context.Context, id int64) (bool, error)
	MarkResponded(ctx context.Context, id int64, externalID string) error
	MarkFailed(ctx context.Context, id int64, reason string, permanent bool) error
	MarkNotApplicable(ctx context.Context, id int64, reason string) error
	HasOutboundSince(ctx context.Context, msg queue.ClaimedMessage) (bool, error)
	TextAlreadySent(ctx context.Context, msg queue.ClaimedMessage, text string) (bool, error)
	RecordOutbound(ctx context.Context, msg queue.ClaimedMessage, externalID, text string, sentAt time.Time) error
}

// Composer produces conversational replies.
type Composer interface {
	Compose(ctx context.Context, msg queue.ClaimedMessage) (composer.Reply, error)
}

// Options configures a Responder.
type Options struct {
	Mode              string
	Template          string
	BatchLimit        int
	MaxRetries        int
	StaleMinutes      int
	DryRun            bool
	SkipAnsweredCheck bool
	RecordOutbound    bool
	Workers           int
	SendTimeout       time.Duration

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Stats summarizes one batch run.
type Stats struct {
	RunID         string
	AutoResponded int64
	Recovered     int64
	Claimed       int
	Responded     int
	Skipped       int
	Failed        int
	Duration      time.Duration
}

// Add accumulates other into s, keeping s's run id.
func (s *Stats) Add(other Stats) {
	s.AutoResponded += other.AutoResponded
	s.Recovered += other.Recovered
	s.Claimed += other.Claimed
	s.Responded += other.Responded
	s.Skipped += other.Skipped
	s.Failed += other.Failed
	s.Duration += other.Duration
}

// Responder processes claimed messages.
type Responder struct {
	queue    Queue
	composer Composer
	sender   channels.Sender
	opts     Options
	now      func() time.Time
	logger   *slog.Logger

	connMu    sync.Mutex
	connected bool
}

// New creates a Responder. sender may be nil in dry-run mode; composer may
// be nil in template mode.
func New(q Queue, c Composer, sender channels.Sender, opts Options, logger *slog.Logger) (*Responder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeConversational
	}
	switch opts.Mode {
	case ModeConversational:
		if c == nil {
			return nil, errors.New("conversational mode needs a composer")
		}
	case ModeTemplate:
		if opts.Template == "" {
			opts.Template = composer.DefaultTemplate
		}
	default:
		return nil, fmt.Errorf("unknown reply mode %q", opts.Mode)
	}
	if sender == nil && !opts.DryRun {
		return nil, errors.New("a sender is required unless dry-run is on")
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = DefaultBatchLimit
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = queue.DefaultMaxRetries
	}
	if opts.StaleMinutes <= 0 {
		opts.StaleMinutes = queue.DefaultStaleMinutes
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Responder{
		queue:    q,
		composer: c,
		sender:   sender,
		opts:     opts,
		now:      func() time.Time { return opts.Now().UTC() },
		logger:   logger.With("component", "responder"),
	}, nil
}

// Maintain marks messages answered outside the responder as responded and
// sweeps stale claims back to failed.
func (r *Responder) Maintain(ctx context.Context) (autoResponded, recovered int64, err error) {
	if autoResponded, err = r.queue.ReconcileAlreadyAnswered(ctx); err != nil {
		return 0, 0, err
	}
	if recovered, err = r.queue.RecoverStale(ctx, r.opts.StaleMinutes); err != nil {
		return autoResponded, 0, err
	}
	if autoResponded > 0 || recovered > 0 {
		r.logger.Info("queue maintenance", "auto_responded", autoResponded, "recovered", recovered)
	}
	return autoResponded, recovered, nil
}

// RunOnce runs maintenance (unless SkipAnsweredCheck is set), claims one
// batch and processes it. An empty queue is not an error.
func (r *Responder) RunOnce(ctx context.Context) (Stats, error) {
	stats := Stats{RunID: uuid.NewString()}
	start := time.Now()

	if !r.opts.SkipAnsweredCheck {
		var err error
		if stats.AutoResponded, stats.Recovered, err = r.Maintain(ctx); err != nil {
			return stats, err
		}
	}
	batch, err := r.runBatch(ctx, stats.RunID)
	stats.Add(batch)
	stats.Duration = time.Since(start)
	return stats, err
}

// RunWorkers starts n claim loops that drain the queue. A loop stops when a
// claim comes back empty or a whole batch failed, so retryable failures wait
// for the next run; RunWorkers returns once all loops are done.
func (r *Responder) RunWorkers(ctx context.Context, n int) (Stats, error) {
	if n <= 0 {
		n = 1
	}
	runID := uuid.NewString()
	var (
		mu    sync.Mutex
		total = Stats{RunID: runID}
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				s, err := r.runBatch(gctx, runID)
				mu.Lock()
				total.Add(s)
				mu.Unlock()
				if err != nil {
					return err
				}
				if s.Claimed == 0 || s.Failed == s.Claimed {
					return nil
				}
			}
			return nil
		})
	}
	err := g.Wait()
	total.Duration = time.Since(start)
	return total, err
}

// runBatch claims and processes one batch. Claimed messages belong to
// distinct conversations, so they are handled concurrently.
func (r *Responder) runBatch(ctx context.Context, runID string) (Stats, error) {
	var stats Stats
	logger := r.logger.With("run_id", runID)

	msgs, err := r.queue.ClaimBatch(ctx, r.opts.BatchLimit, r.opts.MaxRetries)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(msgs)
	if len(msgs) == 0 {
		logger.Debug("no pending direct messages")
		return stats, nil
	}

	if err := r.connect(ctx); err != nil {
		// The claims would otherwise sit in sending until the stale sweep.
		keep := context.WithoutCancel(ctx)
		for _, msg := range msgs {
			if _, mErr := r.fail(keep, logger.With("msg_id", msg.ID), msg, err, Retryable); mErr != nil {
				logger.Error("failed to release claim", "msg_id", msg.ID, "error", mErr)
			}
		}
		stats.Failed = len(msgs)
		return stats, err
	}

	var (
		responded, skipped, failed atomic.Int64
		seen                       = newBatchSet()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Workers)
	for _, msg := range msgs {
		g.Go(func() error {
			out, err := r.handle(gctx, logger.With("msg_id", msg.ID, "conversation_id", msg.ConversationID), msg, seen)
			switch out {
			case outcomeResponded:
				responded.Add(1)
			case outcomeSkipped:
				skipped.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return err
		})
	}
	err = g.Wait()

	stats.Responded = int(responded.Load())
	stats.Skipped = int(skipped.Load())
	stats.Failed = int(failed.Load())
	logger.Info("dm responder batch done",
		"claimed", stats.Claimed, "responded", stats.Responded, "skipped", stats.Skipped, "failed", stats.Failed)
	return stats, err
}

func (r *Responder) connect(ctx context.Context) error {
	if r.opts.DryRun {
		return nil
	}
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.connected {
		return nil
	}
	if err := r.sender.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", r.sender.Name(), err)
	}
	r.connected = true
	return nil
}

// Close disconnects the sender if RunOnce connected it.
func (r *Responder) Close() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if !r.connected {
		return nil
	}
	r.connected = false
	return r.sender.Disconnect()
}

// batchSet remembers dispatch signatures within one batch. A recipient can
// hold several conversations, so one batch may carry two claims for them.
type batchSet struct {
	mu   sync.Mutex
	keys map[batchKey]bool
}

type batchKey struct {
	recipient string
	text      string
}

func newBatchSet() *batchSet { return &batchSet{keys: make(map[batchKey]bool)} }

// reserve reports false when key was already dispatched.
func (b *batchSet) reserve(k batchKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.keys[k] {
		return false
	}
	b.keys[k] = true
	return true
}

func (b *batchSet) release(k batchKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, k)
}
