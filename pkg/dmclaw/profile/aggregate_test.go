package profile

import (
	"reflect"
	"testing"
	"time"
)

func styleEvent(id int64, value string, confidence *float64) Event {
	return Event{
		ID:    id,
		Type:  "extraction",
		Facts: []Fact{{Field: FieldStyle, NewValue: String(value), Confidence: confidence}},
	}
}

func TestAggregateLayerOrder(t *testing.T) {
	in := Inputs{
		Base: Profile{
			PrimaryRole:    "Analyst",
			PrimaryCompany: "OldCo",
			NotableTopics:  []string{"DeFi", "grants"},
		},
		State: State{Overrides: Overrides{PrimaryCompany: "Acme", NotableTopics: []string{"defi", "hiring"}}},
		Events: []Event{{
			ID: 1,
			Facts: []Fact{
				{Field: FieldRole, NewValue: String("Engineer")},
				{Field: FieldTopics, NewValue: List(String("Grants"), String("zk"))},
			},
		}},
	}

	snap := Aggregate(in, DefaultStylePolicy(), t0)
	p := snap.Profile
	if p.PrimaryRole != "Engineer" {
		t.Errorf("role = %q, want the event value", p.PrimaryRole)
	}
	if p.PrimaryCompany != "Acme" {
		t.Errorf("company = %q, want the override", p.PrimaryCompany)
	}
	wantTopics := []string{"DeFi", "grants", "hiring", "zk"}
	if !reflect.DeepEqual(p.NotableTopics, wantTopics) {
		t.Errorf("topics = %q, want %q", p.NotableTopics, wantTopics)
	}
	if !reflect.DeepEqual(in.Base.NotableTopics, []string{"DeFi", "grants"}) {
		t.Errorf("Aggregate mutated the base topics: %q", in.Base.NotableTopics)
	}
}

func TestAggregateTopicsCapped(t *testing.T) {
	var facts []Fact
	for i := 0; i < 15; i++ {
		facts = append(facts, Fact{Field: FieldTopics, NewValue: String(string(rune('a' + i)))})
	}
	snap := Aggregate(Inputs{Events: []Event{{ID: 1, Facts: facts}}}, DefaultStylePolicy(), t0)
	if len(snap.Profile.NotableTopics) != MaxTopics {
		t.Errorf("topics len = %d, want %d", len(snap.Profile.NotableTopics), MaxTopics)
	}
}

func TestAggregateStyleGating(t *testing.T) {
	policy := DefaultStylePolicy()
	tests := []struct {
		name        string
		confidence  *float64
		wantStyle   string
		wantPending bool
	}{
		{"noise never activates", Float(0.3), "detailed", false},
		{"between thresholds waits for yes", Float(0.62), "detailed", true},
		{"auto-apply activates", Float(0.85), "concise", false},
		{"missing confidence waits for yes", nil, "detailed", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Inputs{
				Base:          Profile{PreferredContactStyle: "detailed"},
				BaseCreatedAt: t0.Add(-time.Hour),
				Events:        []Event{styleEvent(5, "concise", tt.confidence)},
			}
			snap := Aggregate(in, policy, t0)
			if snap.Profile.PreferredContactStyle != tt.wantStyle {
				t.Errorf("style = %q, want %q", snap.Profile.PreferredContactStyle, tt.wantStyle)
			}
			if (snap.Pending != nil) != tt.wantPending {
				t.Errorf("pending = %+v, want %v", snap.Pending, tt.wantPending)
			}
			if !snap.StyleDirty {
				t.Error("observing an event should dirty the style state")
			}
			if !snap.Style.Processed(5) {
				t.Error("event id not marked processed")
			}
		})
	}
}

func TestAggregateConfirmedCandidateSurvivesReplay(t *testing.T) {
	policy := DefaultStylePolicy()
	evt := styleEvent(9, "bullets", Float(0.62))

	first := Aggregate(Inputs{Events: []Event{evt}}, policy, t0)
	if first.Pending == nil {
		t.Fatal("expected a pending candidate")
	}

	state := State{Style: first.Style}
	state.Style.Confirm(t0.Add(time.Minute))

	second := Aggregate(Inputs{State: state, Events: []Event{evt}}, policy, t0.Add(2*time.Minute))
	if second.Profile.PreferredContactStyle != "bullets" {
		t.Errorf("style = %q, want bullets", second.Profile.PreferredContactStyle)
	}
	if second.Pending != nil {
		t.Errorf("replayed event re-proposed %+v", second.Pending)
	}
	if second.StyleDirty {
		t.Error("replay should not dirty the state")
	}
}

func TestAggregateBaseStyleStaleness(t *testing.T) {
	policy := DefaultStylePolicy()
	in := Inputs{
		Base:          Profile{PreferredContactStyle: "concise"},
		BaseCreatedAt: t0.Add(-45 * 24 * time.Hour),
	}
	snap := Aggregate(in, policy, t0)
	if !snap.NeedsReconfirm {
		t.Error("a 45 day old base style should need reconfirmation")
	}
	if snap.Style.Source != SourceBase {
		t.Errorf("source = %q", snap.Style.Source)
	}

	in.BaseCreatedAt = t0.Add(-2 * 24 * time.Hour)
	if Aggregate(in, policy, t0).NeedsReconfirm {
		t.Error("a fresh base style should not need reconfirmation")
	}
}

func TestProfileMissingAndSnapshot(t *testing.T) {
	total := 120
	last := 1
	p := Profile{
		PrimaryRole:    "Engineer",
		PrimaryCompany: "Acme",
		NotableTopics:  []string{"zk"},
		PeakHours:      []int{14, 9, 9, 30},
		MostActiveDays: []string{"mon", "TUESDAY", "Mon."},
		TotalMessages:  &total,
		LastActiveDays: &last,
	}
	if got := p.Missing(DefaultRequiredFields); !reflect.DeepEqual(got, []string{FieldStyle}) {
		t.Errorf("Missing() = %v", got)
	}
	lines := p.SnapshotLines(true)
	want := []string{
		"Current role/company: Engineer at Acme",
		"Priorities/topics: zk",
		"Observed Telegram messages: 120",
		"Peak activity hours: 09:00, 14:00 UTC",
		"Most active days: Monday, Tuesday",
		"Last active: 1 day ago",
	}
	if !reflect.DeepEqual(lines, want) {
		t.Errorf("SnapshotLines() =\n%q\nwant\n%q", lines, want)
	}

	unemployed := Profile{PrimaryRole: "Designer", PrimaryCompany: "Unemployed"}
	if got := unemployed.SnapshotLines(false)[0]; got != "Current status: unemployed (last role: Designer)" {
		t.Errorf("unemployed line = %q", got)
	}
}

func TestSnapshotRoundTripKeepsUnknownKeys(t *testing.T) {
	var s State
	raw := `{"contact_style":{"value":"concise","source":"user_confirmed"},"profile_overrides":{"primary_role":"CTO"},"ui":{"last_menu":"top3"}}`
	if err := s.UnmarshalSnapshot([]byte(raw)); err != nil {
		t.Fatal(err)
	}
	if s.Style.Value != "concise" || s.Overrides.PrimaryRole != "CTO" {
		t.Fatalf("decoded %+v", s)
	}
	out, err := s.MarshalSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	var again State
	if err := again.UnmarshalSnapshot([]byte(out)); err != nil {
		t.Fatal(err)
	}
	if string(again.extra["ui"]) != `{"last_menu":"top3"}` {
		t.Errorf("unknown key lost: %s", out)
	}
}
