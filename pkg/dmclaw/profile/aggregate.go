package profile

import (
	"time"
)

// Inputs are the layers of one user's profile.
type Inputs struct {
	Base          Profile
	BaseCreatedAt time.Time
	State         State
	Events        []Event
}

// Snapshot is the aggregated view plus the style sub-state after gating.
type Snapshot struct {
	Profile Profile

	// Style is the effective style state. It may differ from the stored
	// one; StyleDirty reports whether it should be saved.
	Style      StyleState
	StyleDirty bool

	// Pending is the style candidate awaiting confirmation, if any.
	Pending *StyleCandidate

	// NeedsReconfirm is true when the active style is stale and a nudge may
	// be offered.
	NeedsReconfirm bool
}

// Aggregate merges base, style, overrides and pending events in that order.
// Scalars from later layers win; topics are unioned case-insensitively.
// Style values from events go through the confidence gate instead of
// overwriting the active style.
func Aggregate(in Inputs, policy StylePolicy, now time.Time) Snapshot {
	p := in.Base.Clone()
	style := effectiveStyle(in.State.Style, in.Base, in.BaseCreatedAt)
	dirty := false

	in.State.Overrides.apply(&p)

	for _, evt := range in.Events {
		for _, f := range evt.Facts {
			if f.Field == FieldStyle {
				if evt.ID > 0 && style.Processed(evt.ID) {
					continue
				}
				value := f.NewValue.Text()
				if value == "" {
					continue
				}
				d := style.Observe(value, sourceFor(evt), evt.confidence(f, policy.Confirm), 0, policy, now)
				if d != DecisionUnchanged {
					dirty = true
				}
				continue
			}
			applyFact(&p, f)
		}
		if evt.ID > 0 && hasStyleFact(evt) && !style.Processed(evt.ID) {
			style.MarkProcessed(evt.ID)
			dirty = true
		}
	}

	if style.ExpirePending(now, policy.ReconfirmCooldown) {
		dirty = true
	}
	p.PreferredContactStyle = style.Value

	snap := Snapshot{
		Profile:        p,
		Style:          style,
		StyleDirty:     dirty,
		NeedsReconfirm: style.NeedsReconfirmation(now, policy.TTL, policy.ReconfirmCooldown),
	}
	if style.Pending != nil {
		c := *style.Pending
		snap.Pending = &c
	}
	return snap
}

// effectiveStyle copies the stored style, falling back to the base profile
// while no in-chat style has been captured.
func effectiveStyle(stored StyleState, base Profile, baseCreatedAt time.Time) StyleState {
	s := stored
	s.ProcessedEventIDs = append([]int64(nil), stored.ProcessedEventIDs...)
	s.History = append([]StyleDecision(nil), stored.History...)
	if stored.Pending != nil {
		c := *stored.Pending
		s.Pending = &c
	}
	if s.Value != "" && s.Source != SourceBase {
		return s
	}
	s.Value = base.PreferredContactStyle
	if s.Value == "" {
		s.Source = ""
		s.UpdatedAt = nil
		return s
	}
	s.Source = SourceBase
	s.Confidence = 1
	if !baseCreatedAt.IsZero() {
		t := baseCreatedAt
		s.UpdatedAt = &t
	}
	return s
}

func sourceFor(evt Event) string {
	if evt.Type == EventInlineCapture {
		return SourceInline
	}
	return SourceEvent
}

func hasStyleFact(evt Event) bool {
	for _, f := range evt.Facts {
		if f.Field == FieldStyle {
			return true
		}
	}
	return false
}

func applyFact(p *Profile, f Fact) {
	switch f.Field {
	case FieldRole, FieldCompany:
		if v := f.NewValue.Text(); v != "" {
			p.setSlot(f.Field, v)
		}
	case FieldTopics:
		for _, t := range f.NewValue.Strings(MaxTopics) {
			p.addTopic(t)
		}
	}
}
