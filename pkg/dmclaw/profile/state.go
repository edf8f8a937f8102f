package profile

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OnboardingStatus is the slot-filling progress of a user.
type OnboardingStatus string

const (
	OnboardingNotStarted OnboardingStatus = "not_started"
	OnboardingCollecting OnboardingStatus = "collecting"
	OnboardingCompleted  OnboardingStatus = "completed"
	OnboardingPaused     OnboardingStatus = "paused"
)

// Valid reports whether s is a known status.
func (s OnboardingStatus) Valid() bool {
	switch s {
	case OnboardingNotStarted, OnboardingCollecting, OnboardingCompleted, OnboardingPaused:
		return true
	}
	return false
}

// Onboarding is the persisted slot-filling state.
type Onboarding struct {
	Status            OnboardingStatus
	RequiredFields    []string
	MissingFields     []string
	LastPromptedField string
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Turns             int
}

// DefaultOnboarding is the state of a user never prompted.
func DefaultOnboarding(required []string) Onboarding {
	required = NormalizeFields(required, DefaultRequiredFields, false)
	return Onboarding{
		Status:         OnboardingNotStarted,
		RequiredFields: required,
		MissingFields:  append([]string(nil), required...),
	}
}

// NormalizeFields keeps the known core fields of items in canonical order.
// When nothing valid remains the result is fallback, or empty if allowEmpty.
func NormalizeFields(items, fallback []string, allowEmpty bool) []string {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[strings.TrimSpace(item)] = true
	}
	var out []string
	for _, f := range DefaultRequiredFields {
		if set[f] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		if allowEmpty {
			return []string{}
		}
		return append([]string(nil), fallback...)
	}
	return out
}

// Overrides are durable in-chat corrections kept until enrichment catches up.
type Overrides struct {
	PrimaryRole    string   `json:"primary_role,omitempty"`
	PrimaryCompany string   `json:"primary_company,omitempty"`
	NotableTopics  []string `json:"notable_topics,omitempty"`
}

// Set records a correction. Topics accumulate; other fields replace.
func (o *Overrides) Set(field, value string) {
	value = CleanText(value)
	if value == "" {
		return
	}
	switch field {
	case FieldRole:
		o.PrimaryRole = value
	case FieldCompany:
		o.PrimaryCompany = value
	case FieldTopics:
		p := Profile{NotableTopics: o.NotableTopics}
		p.addTopic(value)
		o.NotableTopics = p.NotableTopics
	}
}

// Empty reports whether no override is set.
func (o Overrides) Empty() bool {
	return o.PrimaryRole == "" && o.PrimaryCompany == "" && len(o.NotableTopics) == 0
}

func (o Overrides) apply(p *Profile) {
	if o.PrimaryRole != "" {
		p.PrimaryRole = o.PrimaryRole
	}
	if o.PrimaryCompany != "" {
		p.PrimaryCompany = o.PrimaryCompany
	}
	for _, t := range o.NotableTopics {
		p.addTopic(t)
	}
}

// State is one dm_profile_state row.
type State struct {
	UserID     int64
	Onboarding Onboarding
	Style      StyleState
	Overrides  Overrides

	// Exists is true when the row was read from storage.
	Exists bool

	// Version is the row version read by LoadState. SaveState only
	// overwrites a row still at this version.
	Version int64

	// extra keeps snapshot keys written by other components.
	extra map[string]json.RawMessage
}

// NewState returns the default state for a user.
func NewState(userID int64, required []string) State {
	return State{UserID: userID, Onboarding: DefaultOnboarding(required)}
}

const (
	snapshotStyleKey     = "contact_style"
	snapshotOverridesKey = "profile_overrides"
)

// MarshalSnapshot renders the snapshot JSON column.
func (s State) MarshalSnapshot() (string, error) {
	out := make(map[string]json.RawMessage, len(s.extra)+2)
	for k, v := range s.extra {
		out[k] = v
	}
	style, err := json.Marshal(s.Style)
	if err != nil {
		return "", fmt.Errorf("encode contact style: %w", err)
	}
	overrides, err := json.Marshal(s.Overrides)
	if err != nil {
		return "", fmt.Errorf("encode overrides: %w", err)
	}
	out[snapshotStyleKey] = style
	out[snapshotOverridesKey] = overrides

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// UnmarshalSnapshot parses the snapshot JSON column. Unknown keys survive a
// later MarshalSnapshot.
func (s *State) UnmarshalSnapshot(data []byte) error {
	if len(strings.TrimSpace(string(data))) == 0 || string(data) == "null" {
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode profile snapshot: %w", err)
	}
	if v, ok := raw[snapshotStyleKey]; ok {
		if err := json.Unmarshal(v, &s.Style); err != nil {
			return fmt.Errorf("decode contact style: %w", err)
		}
		delete(raw, snapshotStyleKey)
	}
	if v, ok := raw[snapshotOverridesKey]; ok {
		if err := json.Unmarshal(v, &s.Overrides); err != nil {
			return fmt.Errorf("decode overrides: %w", err)
		}
		delete(raw, snapshotOverridesKey)
	}
	if len(raw) > 0 {
		s.extra = raw
	}
	return nil
}
