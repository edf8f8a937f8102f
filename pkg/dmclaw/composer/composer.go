// Package composer turns one claimed inbound message into a reply. An
// ordered rule table decides between refusals, profile replies, the
// onboarding flow, a budget-gated completion call and a deterministic
// fallback. Every reply is adapted to the contact's preferred style.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/intent"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/llm"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/queue"
)

// DefaultPersonaName is used when Options.PersonaName is empty.
const DefaultPersonaName = "Lobster Llama"

// recentTurns bounds the history handed to rules and the completion model.
const recentTurns = 8

// stateAttempts bounds reruns after a profile state conflict.
const stateAttempts = 3

// ProfileStore is the subset of profile.Store the composer needs.
type ProfileStore interface {
	LoadBase(ctx context.Context, userID int64) (profile.Base, error)
	PendingEvents(ctx context.Context, userID int64, limit int) ([]profile.Event, error)
	AppendEvent(ctx context.Context, e profile.Event) (int64, error)
	LoadState(ctx context.Context, userID int64, required []string) (profile.State, error)
	SaveState(ctx context.Context, state profile.State) error
	LookupUser(ctx context.Context, t profile.Target) (profile.Match, bool, error)
	RecordFeedback(ctx context.Context, f profile.Feedback) error
}

// History reads recent conversation turns.
type History interface {
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]queue.Turn, error)
}

// Completer generates free-form replies.
type Completer interface {
	Enabled() bool
	Complete(ctx context.Context, req llm.Request) (llm.Result, error)
}

// SpendGuard caps completion spend.
type SpendGuard interface {
	Allow(ctx context.Context) (bool, error)
	Record(ctx context.Context, costUSD float64) error
}

// Options configures a Composer.
type Options struct {
	PersonaName    string
	RequiredFields []string
	Style          profile.StylePolicy

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Reply is a composed answer.
type Reply struct {
	Text    string
	Rule    string
	UsedLLM bool
	CostUSD float64
}

// Composer builds replies. It is safe for concurrent use; all per-message
// state lives in a turn.
type Composer struct {
	store     ProfileStore
	history   History
	completer Completer
	guard     SpendGuard

	persona  string
	required []string
	policy   profile.StylePolicy
	now      func() time.Time
	rules    []rule
	logger   *slog.Logger
}

// New creates a Composer. completer and guard may be nil, which disables
// the completion fallback.
func New(store ProfileStore, history History, completer Completer, guard SpendGuard, opts Options, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PersonaName == "" {
		opts.PersonaName = DefaultPersonaName
	}
	if opts.Style == (profile.StylePolicy{}) {
		opts.Style = profile.DefaultStylePolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Composer{
		store:     store,
		history:   history,
		completer: completer,
		guard:     guard,
		persona:   opts.PersonaName,
		required:  profile.NormalizeFields(opts.RequiredFields, profile.DefaultRequiredFields, false),
		policy:    opts.Style,
		now:       func() time.Time { return opts.Now().UTC() },
		logger:    logger.With("component", "composer"),
	}
	c.rules = c.ruleTable()
	return c
}

// PersonaName returns the configured assistant name.
func (c *Composer) PersonaName() string { return c.persona }

// Compose runs the rule table over msg. Profile side effects (captured
// updates, onboarding progress, style decisions) are persisted before it
// returns; an error means nothing should be sent. A turn whose state save
// lost a race with another writer is rerun against the fresh state.
func (c *Composer) Compose(ctx context.Context, msg queue.ClaimedMessage) (Reply, error) {
	var (
		reply Reply
		err   error
	)
	for attempt := 1; attempt <= stateAttempts; attempt++ {
		reply, err = c.composeOnce(ctx, msg)
		if !errors.Is(err, profile.ErrStateConflict) {
			return reply, err
		}
		c.logger.Info("profile state changed during compose, retrying", "msg_id", msg.ID, "user_id", msg.SenderID, "attempt", attempt)
	}
	return Reply{}, err
}

func (c *Composer) composeOnce(ctx context.Context, msg queue.ClaimedMessage) (Reply, error) {
	t, err := c.load(ctx, msg)
	if err != nil {
		return Reply{}, err
	}

	var reply Reply
	for _, r := range c.rules {
		text, ok, err := r.apply(ctx, t)
		if err != nil {
			return Reply{}, fmt.Errorf("rule %s: %w", r.name, err)
		}
		if !ok {
			continue
		}
		reply = Reply{Text: text, Rule: r.name, UsedLLM: t.usedLLM, CostUSD: t.costUSD}
		if !r.plain {
			reply.Text = c.finish(t, reply.Text)
		}
		break
	}

	if t.stateDirty {
		if err := c.store.SaveState(ctx, t.state); err != nil {
			return Reply{}, err
		}
	}
	c.logger.Debug("composed reply", "msg_id", msg.ID, "rule", reply.Rule, "llm", reply.UsedLLM)
	return reply, nil
}

// turn is the per-message working set.
type turn struct {
	msg  queue.ClaimedMessage
	text string
	now  time.Time

	base   profile.Base
	state  profile.State
	events []profile.Event
	snap   profile.Snapshot
	recent []queue.Turn

	// capture holds every update this message carries; fresh is the part
	// not yet stored as an event; replayed came from an event an earlier
	// attempt already stored.
	capture   intent.Capture
	fresh     intent.Capture
	replayed  intent.Capture
	committed bool

	stateDirty bool
	usedLLM    bool
	costUSD    float64
}

func (t *turn) profile() profile.Profile { return t.snap.Profile }

func (c *Composer) load(ctx context.Context, msg queue.ClaimedMessage) (*turn, error) {
	t := &turn{msg: msg, text: intent.Clean(msg.Text), now: c.now()}

	var err error
	if t.base, err = c.store.LoadBase(ctx, msg.SenderID); err != nil {
		return nil, err
	}
	if t.events, err = c.store.PendingEvents(ctx, msg.SenderID, profile.DefaultEventLimit); err != nil {
		return nil, err
	}
	if t.state, err = c.store.LoadState(ctx, msg.SenderID, c.required); err != nil {
		return nil, err
	}
	if c.history != nil {
		if t.recent, err = c.history.RecentMessages(ctx, msg.ConversationID, recentTurns); err != nil {
			return nil, err
		}
	}
	c.aggregate(t)
	c.captureFor(t)
	return t, nil
}

// aggregate recomputes the merged profile. Style decisions made by the gate
// are folded back into the state.
func (c *Composer) aggregate(t *turn) {
	t.snap = profile.Aggregate(profile.Inputs{
		Base:          t.base.Profile,
		BaseCreatedAt: t.base.CreatedAt,
		State:         t.state,
		Events:        t.events,
	}, c.policy, t.now)
	if t.snap.StyleDirty {
		t.state.Style = t.snap.Style
		t.stateDirty = true
	}
}

// captureFor collects the updates carried by this message: facts already
// extracted for it, inline statements, and a plain answer to the field
// onboarding last asked about. Extracted facts win over inline parsing.
func (c *Composer) captureFor(t *turn) {
	fresh := intent.Extract(t.text)

	ob := t.state.Onboarding
	if ob.Status == profile.OnboardingCollecting && ob.LastPromptedField != "" {
		if _, ok := fresh.Get(ob.LastPromptedField); !ok && !t.profile().HasSlot(ob.LastPromptedField) {
			if u, ok := intent.SlotAnswer(t.text, ob.LastPromptedField); ok {
				fresh = fresh.With(u)
			}
		}
	}

	capture := fresh
	for _, evt := range t.events {
		if t.msg.ID == 0 || evt.SourceMessageID != t.msg.ID {
			continue
		}
		// A retry of this message already committed its capture.
		inline := evt.Type == profile.EventInlineCapture
		if inline {
			t.committed = true
		}
		for _, f := range evt.Facts {
			if v := factText(f); v != "" {
				u := intent.Update{Field: f.Field, Value: v, Confidence: confidenceOf(evt, f, c.policy)}
				capture = capture.With(u)
				fresh = fresh.Without(f.Field)
				if inline {
					t.replayed = t.replayed.With(u)
				}
			}
		}
	}
	t.capture, t.fresh = capture, fresh
}

// commitCapture persists the capture once: one pending extraction event
// plus durable overrides for the scalar and topic slots. Style values only
// travel through the event so the confidence gate decides them.
func (c *Composer) commitCapture(ctx context.Context, t *turn) error {
	if t.committed {
		// The event landed but the state save may not have.
		if !t.replayed.Empty() {
			c.setOverrides(t, t.replayed)
			t.replayed = intent.Capture{}
			c.aggregate(t)
		}
		return nil
	}
	if t.fresh.Empty() {
		return nil
	}
	t.committed = true

	evt := profile.Event{
		UserID:          t.msg.SenderID,
		SourceMessageID: t.msg.ID,
		Type:            profile.EventInlineCapture,
		Payload:         profile.Object(map[string]profile.Value{"text": profile.String(profile.Truncate(t.text, 280))}),
		Facts:           t.fresh.Facts(),
		CreatedAt:       t.now,
	}
	if t.msg.SenderID > 0 {
		id, err := c.store.AppendEvent(ctx, evt)
		if err != nil {
			return err
		}
		evt.ID = id
		c.setOverrides(t, t.fresh)
	}
	t.events = append(t.events, evt)
	c.aggregate(t)
	c.logger.Info("captured profile update", "msg_id", t.msg.ID, "user_id", t.msg.SenderID, "fields", len(t.fresh.Updates))
	return nil
}

// setOverrides copies the scalar and topic slots of capture into the
// durable overrides.
func (c *Composer) setOverrides(t *turn, capture intent.Capture) {
	before := t.state.Overrides
	before.NotableTopics = slices.Clone(before.NotableTopics)
	for _, u := range capture.Updates {
		if u.Field == profile.FieldStyle {
			continue
		}
		if u.Field == profile.FieldTopics {
			for _, topic := range intent.SplitTopics(u.Value) {
				t.state.Overrides.Set(u.Field, topic)
			}
		} else {
			t.state.Overrides.Set(u.Field, u.Value)
		}
	}
	if !reflect.DeepEqual(before, t.state.Overrides) {
		t.stateDirty = true
	}
}

// finish applies style adaptation and appends the style prompts.
func (c *Composer) finish(t *turn, text string) string {
	out := AdaptStyle(text, StyleMode(t.profile().PreferredContactStyle))
	switch {
	case t.snap.Pending != nil:
		out += "\n" + stylePendingPrompt(t.snap.Pending.Value)
	case t.snap.NeedsReconfirm:
		out += "\n" + styleReconfirmPrompt(t.snap.Style.Value)
		t.state.Style.MarkReconfirmOffered(t.now)
		t.stateDirty = true
	}
	return out
}

func factText(f profile.Fact) string {
	if f.Field == profile.FieldTopics {
		items := f.NewValue.Strings(profile.MaxTopics)
		if len(items) > 0 {
			return joinTopics(items)
		}
	}
	return f.NewValue.Text()
}

// confidenceOf mirrors the gate: a fact without any confidence counts as a
// pending-range proposal.
func confidenceOf(evt profile.Event, f profile.Fact, policy profile.StylePolicy) float64 {
	switch {
	case f.Confidence != nil:
		return *f.Confidence
	case evt.Confidence != nil:
		return *evt.Confidence
	}
	return policy.Confirm
}
