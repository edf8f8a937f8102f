package profile

import (
	"strings"
	"time"
)

// StylePolicy holds the contact-style gating thresholds.
type StylePolicy struct {
	// Confirm is the lowest confidence kept as a pending candidate.
	Confirm float64
	// AutoApply is the lowest confidence applied without asking.
	AutoApply float64
	// TTL is how long an active style stays fresh.
	TTL time.Duration
	// ReconfirmCooldown spaces reconfirmation nudges and expires
	// unanswered candidates.
	ReconfirmCooldown time.Duration
}

// DefaultStylePolicy returns the stock thresholds.
func DefaultStylePolicy() StylePolicy {
	return StylePolicy{
		Confirm:           0.55,
		AutoApply:         0.8,
		TTL:               30 * 24 * time.Hour,
		ReconfirmCooldown: 7 * 24 * time.Hour,
	}
}

// Style sources.
const (
	SourceBase      = "base_profile"
	SourceInline    = "inline_capture"
	SourceEvent     = "profile_event"
	SourceConfirmed = "user_confirmed"
)

// Decision is the outcome of feeding a style value through the gate.
type Decision string

const (
	DecisionApplied   Decision = "applied"
	DecisionPending   Decision = "pending"
	DecisionDiscarded Decision = "discarded"
	DecisionConfirmed Decision = "confirmed"
	DecisionRejected  Decision = "rejected"
	DecisionExpired   Decision = "expired"

	// DecisionUnchanged is returned for repeats; it is not recorded.
	DecisionUnchanged Decision = "unchanged"
)

const (
	maxStyleHistory    = 10
	maxProcessedEvents = 50
)

// StyleCandidate is a proposed style awaiting a yes/no answer.
type StyleCandidate struct {
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	ProposedAt time.Time `json:"proposed_at"`
}

// StyleDecision is one history entry.
type StyleDecision struct {
	Decision   Decision  `json:"decision"`
	Value      string    `json:"value"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	At         time.Time `json:"at"`
}

// StyleState is the persisted contact-style sub-state. A value below the
// auto-apply threshold only becomes active through Confirm.
type StyleState struct {
	Value      string     `json:"value,omitempty"`
	Source     string     `json:"source,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`

	Pending *StyleCandidate `json:"pending,omitempty"`
	History []StyleDecision `json:"history,omitempty"`

	ProcessedEventIDs []int64 `json:"processed_event_ids,omitempty"`

	ReconfirmOfferedAt *time.Time `json:"reconfirm_offered_at,omitempty"`
	// ReconfirmOpen is set while a reconfirmation nudge awaits an answer.
	ReconfirmOpen bool `json:"reconfirm_open,omitempty"`
}

// Processed reports whether the event id was already fed through the gate.
func (s *StyleState) Processed(eventID int64) bool {
	for _, id := range s.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// MarkProcessed remembers eventID, keeping a bounded window.
func (s *StyleState) MarkProcessed(eventID int64) {
	if eventID <= 0 || s.Processed(eventID) {
		return
	}
	s.ProcessedEventIDs = append(s.ProcessedEventIDs, eventID)
	if n := len(s.ProcessedEventIDs); n > maxProcessedEvents {
		s.ProcessedEventIDs = append([]int64(nil), s.ProcessedEventIDs[n-maxProcessedEvents:]...)
	}
}

// Observe gates a proposed style value. eventID (0 for none) makes repeated
// observation of the same event a no-op.
func (s *StyleState) Observe(value, source string, confidence float64, eventID int64, policy StylePolicy, now time.Time) Decision {
	if eventID > 0 {
		if s.Processed(eventID) {
			return DecisionUnchanged
		}
		s.MarkProcessed(eventID)
	}
	value = CleanText(value)
	if value == "" {
		return DecisionUnchanged
	}

	switch {
	case confidence < policy.Confirm:
		s.record(DecisionDiscarded, value, source, confidence, now)
		return DecisionDiscarded

	case confidence >= policy.AutoApply:
		s.activate(value, source, confidence, now)
		s.record(DecisionApplied, value, source, confidence, now)
		return DecisionApplied

	default:
		if strings.EqualFold(value, s.Value) {
			return DecisionUnchanged
		}
		if s.Pending != nil && strings.EqualFold(value, s.Pending.Value) && confidence <= s.Pending.Confidence {
			return DecisionUnchanged
		}
		s.Pending = &StyleCandidate{Value: value, Source: source, Confidence: confidence, ProposedAt: now}
		s.record(DecisionPending, value, source, confidence, now)
		return DecisionPending
	}
}

// Confirm activates the pending candidate. It reports false when none exists.
func (s *StyleState) Confirm(now time.Time) bool {
	if s.Pending == nil {
		return false
	}
	c := *s.Pending
	s.activate(c.Value, SourceConfirmed, c.Confidence, now)
	s.record(DecisionConfirmed, c.Value, c.Source, c.Confidence, now)
	return true
}

// Reject drops the pending candidate. It reports false when none exists.
func (s *StyleState) Reject(now time.Time) bool {
	if s.Pending == nil {
		return false
	}
	c := *s.Pending
	s.Pending = nil
	s.record(DecisionRejected, c.Value, c.Source, c.Confidence, now)
	return true
}

// Reaffirm answers an open reconfirmation with yes: the active style is
// kept and its age resets.
func (s *StyleState) Reaffirm(now time.Time) bool {
	if !s.ReconfirmOpen || s.Value == "" {
		return false
	}
	s.ReconfirmOpen = false
	t := now
	s.UpdatedAt = &t
	if s.Source == SourceBase {
		s.Source = SourceConfirmed
	}
	s.record(DecisionConfirmed, s.Value, s.Source, s.Confidence, now)
	return true
}

// CloseReconfirm answers an open reconfirmation with no. The active style
// stays until a replacement is captured.
func (s *StyleState) CloseReconfirm(now time.Time) bool {
	if !s.ReconfirmOpen {
		return false
	}
	s.ReconfirmOpen = false
	s.record(DecisionRejected, s.Value, s.Source, s.Confidence, now)
	return true
}

// NeedsReconfirmation reports whether the active style is older than ttl and
// no nudge was offered within cooldown.
func (s StyleState) NeedsReconfirmation(now time.Time, ttl, cooldown time.Duration) bool {
	if s.Value == "" || s.Pending != nil || s.ReconfirmOpen || s.UpdatedAt == nil {
		return false
	}
	if now.Sub(*s.UpdatedAt) <= ttl {
		return false
	}
	return s.ReconfirmOfferedAt == nil || now.Sub(*s.ReconfirmOfferedAt) >= cooldown
}

// MarkReconfirmOffered records that a nudge went out.
func (s *StyleState) MarkReconfirmOffered(now time.Time) {
	t := now
	s.ReconfirmOfferedAt = &t
	s.ReconfirmOpen = true
}

// ExpirePending drops a candidate older than maxAge. It reports whether one
// was dropped.
func (s *StyleState) ExpirePending(now time.Time, maxAge time.Duration) bool {
	if s.Pending == nil || maxAge <= 0 || now.Sub(s.Pending.ProposedAt) <= maxAge {
		return false
	}
	c := *s.Pending
	s.Pending = nil
	s.record(DecisionExpired, c.Value, c.Source, c.Confidence, now)
	return true
}

func (s *StyleState) activate(value, source string, confidence float64, now time.Time) {
	t := now
	s.Value = value
	s.Source = source
	s.Confidence = confidence
	s.UpdatedAt = &t
	s.Pending = nil
	s.ReconfirmOpen = false
}

func (s *StyleState) record(d Decision, value, source string, confidence float64, now time.Time) {
	s.History = append(s.History, StyleDecision{
		Decision:   d,
		Value:      value,
		Source:     source,
		Confidence: confidence,
		At:         now,
	})
	if n := len(s.History); n > maxStyleHistory {
		s.History = append([]StyleDecision(nil), s.History[n-maxStyleHistory:]...)
	}
}
