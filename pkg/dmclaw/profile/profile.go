// Package profile merges the layered view of a DM counterpart: the offline
// enrichment row, durable overrides, the contact-style state machine and
// unprocessed extraction events.
package profile

import (
	"fmt"
	"sort"
	"strings"
)

// Core slot names. They double as user_psychographics column names and as
// extracted-fact field names.
const (
	FieldRole    = "primary_role"
	FieldCompany = "primary_company"
	FieldTopics  = "notable_topics"
	FieldStyle   = "preferred_contact_style"
)

// DefaultRequiredFields is the onboarding slot order.
var DefaultRequiredFields = []string{FieldRole, FieldCompany, FieldTopics, FieldStyle}

// IsCoreField reports whether name is one of the onboarding slots.
func IsCoreField(name string) bool {
	for _, f := range DefaultRequiredFields {
		if f == name {
			return true
		}
	}
	return false
}

// List caps applied when reading base columns.
const (
	MaxTopics       = 10
	maxShortList    = 6
	maxMediumList   = 8
	maxGroupTags    = 12
	maxPeakHours    = 8
	maxDays         = 7
	maxPartners     = 6
	bioSnippetRunes = 200
)

// Profile is the merged, typed view of a user.
type Profile struct {
	PrimaryRole           string
	PrimaryCompany        string
	PreferredContactStyle string
	NotableTopics         []string

	BioProfessional     string
	BioPersonal         string
	Tone                string
	Professionalism     string
	Verbosity           string
	DecisionStyle       string
	SenioritySignal     string
	BasedIn             string
	CommercialArchetype string

	AttendedEvents     []string
	DrivingValues      []string
	PainPoints         []string
	ConnectionRequests []string
	DeepSkills         []string
	TechnicalSpecifics []string
	Affiliations       []string
	GroupTags          []string

	PeakHours               []int
	ActiveDays              []string
	MostActiveDays          []string
	TotalMessages           *int
	AvgMsgLength            *int
	LastActiveDays          *int
	TopConversationPartners []string
	FIFO                    string
	RoleCompanyTimeline     []Value
}

// FromColumns builds a Profile from raw user_psychographics values keyed by
// canonical column name. Unknown keys are ignored.
func FromColumns(cols map[string]Value) Profile {
	var p Profile
	text := func(name string) string { return cols[name].Text() }
	list := func(name string, max int) []string { return cols[name].Strings(max) }
	num := func(name string) *int {
		if n, ok := cols[name].Int(); ok {
			return &n
		}
		return nil
	}

	p.PrimaryRole = text("primary_role")
	p.PrimaryCompany = text("primary_company")
	p.PreferredContactStyle = text("preferred_contact_style")
	p.NotableTopics = list("notable_topics", MaxTopics)

	p.BioProfessional = text("generated_bio_professional")
	p.BioPersonal = text("generated_bio_personal")
	p.Tone = text("tone")
	p.Professionalism = text("professionalism")
	p.Verbosity = text("verbosity")
	p.DecisionStyle = text("decision_style")
	p.SenioritySignal = text("seniority_signal")
	p.BasedIn = text("based_in")
	p.CommercialArchetype = text("commercial_archetype")

	p.AttendedEvents = list("attended_events", maxShortList)
	p.DrivingValues = list("driving_values", maxShortList)
	p.PainPoints = list("pain_points", maxShortList)
	p.ConnectionRequests = list("connection_requests", maxShortList)
	p.DeepSkills = list("deep_skills", maxMediumList)
	p.TechnicalSpecifics = list("technical_specifics", maxMediumList)
	p.Affiliations = list("affiliations", maxMediumList)
	p.GroupTags = list("group_tags", maxGroupTags)

	p.PeakHours = cols["peak_hours"].Ints(maxPeakHours)
	p.ActiveDays = list("active_days", maxDays)
	p.MostActiveDays = list("most_active_days", maxDays)
	p.TotalMessages = num("total_messages")
	p.AvgMsgLength = num("avg_msg_length")
	p.LastActiveDays = num("last_active_days")
	p.TopConversationPartners = cols["top_conversation_partners"].Partners(maxPartners)
	p.FIFO = text("fifo")
	if tl := cols["role_company_timeline"]; tl.Kind() == KindList {
		p.RoleCompanyTimeline = tl.Items()
	}
	return p
}

// Clone copies p so merging topics never aliases the source slice.
func (p Profile) Clone() Profile {
	out := p
	out.NotableTopics = append([]string(nil), p.NotableTopics...)
	return out
}

// Slot returns the single-valued core field by name.
func (p Profile) Slot(field string) string {
	switch field {
	case FieldRole:
		return p.PrimaryRole
	case FieldCompany:
		return p.PrimaryCompany
	case FieldStyle:
		return p.PreferredContactStyle
	case FieldTopics:
		return strings.Join(p.NotableTopics, ", ")
	}
	return ""
}

// HasSlot reports whether a core field carries a value.
func (p Profile) HasSlot(field string) bool {
	if field == FieldTopics {
		return len(p.NotableTopics) > 0
	}
	return p.Slot(field) != ""
}

// Missing returns the required fields with no value, in order.
func (p Profile) Missing(required []string) []string {
	var out []string
	for _, f := range required {
		if !p.HasSlot(f) {
			out = append(out, f)
		}
	}
	return out
}

// CoreSlotsKnown counts the filled onboarding slots.
func (p Profile) CoreSlotsKnown() int {
	n := 0
	for _, f := range DefaultRequiredFields {
		if p.HasSlot(f) {
			n++
		}
	}
	return n
}

// setSlot overlays a scalar core field. Topics are merged by addTopic.
func (p *Profile) setSlot(field, value string) {
	switch field {
	case FieldRole:
		p.PrimaryRole = value
	case FieldCompany:
		p.PrimaryCompany = value
	case FieldStyle:
		p.PreferredContactStyle = value
	case FieldTopics:
		p.addTopic(value)
	}
}

// addTopic unions value into the topics, case-insensitively and capped.
func (p *Profile) addTopic(value string) {
	if len(p.NotableTopics) >= MaxTopics {
		return
	}
	key := strings.ToLower(value)
	for _, t := range p.NotableTopics {
		if strings.ToLower(t) == key {
			return
		}
	}
	p.NotableTopics = append(p.NotableTopics, value)
}

// Unemployed reports the sentinel company value.
func (p Profile) Unemployed() bool {
	return strings.EqualFold(p.PrimaryCompany, "unemployed")
}

// SnapshotLines renders the known facts as labelled lines.
func (p Profile) SnapshotLines(includeActivity bool) []string {
	var lines []string
	switch {
	case p.Unemployed() && p.PrimaryRole != "":
		lines = append(lines, fmt.Sprintf("Current status: unemployed (last role: %s)", p.PrimaryRole))
	case p.Unemployed():
		lines = append(lines, "Current status: unemployed")
	case p.PrimaryRole != "" && p.PrimaryCompany != "":
		lines = append(lines, fmt.Sprintf("Current role/company: %s at %s", p.PrimaryRole, p.PrimaryCompany))
	case p.PrimaryRole != "":
		lines = append(lines, "Current role: "+p.PrimaryRole)
	case p.PrimaryCompany != "":
		lines = append(lines, "Current company/project: "+p.PrimaryCompany)
	}

	if p.BasedIn != "" {
		lines = append(lines, "Location base: "+p.BasedIn)
	}
	if p.PreferredContactStyle != "" {
		var bits []string
		for _, b := range []string{p.Tone, p.Verbosity} {
			if b != "" {
				bits = append(bits, b)
			}
		}
		if len(bits) > 0 {
			lines = append(lines, fmt.Sprintf("Preferred communication: %s (%s)", p.PreferredContactStyle, strings.Join(bits, ", ")))
		} else {
			lines = append(lines, "Preferred communication: "+p.PreferredContactStyle)
		}
	}

	lines = appendList(lines, "Priorities/topics", p.NotableTopics, 5)
	lines = appendList(lines, "Deep skills", p.DeepSkills, 5)
	lines = appendList(lines, "Driving values", p.DrivingValues, 4)
	lines = appendList(lines, "Pain points", p.PainPoints, 4)
	lines = appendList(lines, "Affiliations", p.Affiliations, 4)
	lines = appendList(lines, "Events", p.AttendedEvents, 4)

	if bio := Truncate(p.BioProfessional, bioSnippetRunes); bio != "" && !p.Unemployed() &&
		!strings.Contains(strings.ToLower(bio), " at unemployed") {
		lines = append(lines, "Professional bio signal: "+bio)
	}

	if includeActivity {
		lines = append(lines, p.ActivityLines()...)
	}
	return lines
}

// Snapshot joins SnapshotLines without activity on " | ".
func (p Profile) Snapshot() string {
	return strings.Join(p.SnapshotLines(false), " | ")
}

// ActivityLines renders observed activity metrics.
func (p Profile) ActivityLines() []string {
	var lines []string
	if p.TotalMessages != nil && *p.TotalMessages >= 0 {
		lines = append(lines, fmt.Sprintf("Observed Telegram messages: %d", *p.TotalMessages))
	}
	if labels := HourLabels(p.PeakHours); labels != "" {
		lines = append(lines, "Peak activity hours: "+labels)
	}
	days := DayLabels(p.MostActiveDays, 4)
	if days == "" {
		days = DayLabels(p.ActiveDays, 4)
	}
	if days != "" {
		lines = append(lines, "Most active days: "+days)
	}
	lines = appendList(lines, "Known groups", p.GroupTags, 6)
	lines = appendList(lines, "Top conversation partners", p.TopConversationPartners, 4)
	if p.FIFO != "" {
		lines = append(lines, "Observed activity window: "+p.FIFO)
	}
	if p.LastActiveDays != nil && *p.LastActiveDays >= 0 {
		switch d := *p.LastActiveDays; d {
		case 0:
			lines = append(lines, "Last active: today")
		case 1:
			lines = append(lines, "Last active: 1 day ago")
		default:
			lines = append(lines, fmt.Sprintf("Last active: %d days ago", d))
		}
	}
	return lines
}

// HasActivity reports whether any activity metric is known.
func (p Profile) HasActivity() bool {
	return len(p.ActivityLines()) > 0
}

func appendList(lines []string, label string, items []string, max int) []string {
	if len(items) == 0 {
		return lines
	}
	return append(lines, fmt.Sprintf("%s: %s", label, strings.Join(head(items, max), ", ")))
}

func head[T any](items []T, n int) []T {
	if len(items) > n {
		return items[:n]
	}
	return items
}

// HourLabels renders up to six distinct valid hours as "HH:00, ... UTC".
func HourLabels(hours []int) string {
	seen := make(map[int]bool)
	var valid []int
	for _, h := range hours {
		if h >= 0 && h <= 23 && !seen[h] {
			seen[h] = true
			valid = append(valid, h)
		}
	}
	if len(valid) == 0 {
		return ""
	}
	sort.Ints(valid)
	labels := make([]string, 0, 6)
	for _, h := range head(valid, 6) {
		labels = append(labels, fmt.Sprintf("%02d:00", h))
	}
	return strings.Join(labels, ", ") + " UTC"
}

var dayNames = map[string]string{
	"mon": "Monday",
	"tue": "Tuesday",
	"wed": "Wednesday",
	"thu": "Thursday",
	"fri": "Friday",
	"sat": "Saturday",
	"sun": "Sunday",
}

// DayLabel normalizes a weekday spelling ("mon", "MONDAY", "Mon.").
func DayLabel(raw string) string {
	clean := strings.ToLower(CleanText(raw))
	if clean == "" {
		return ""
	}
	if len(clean) >= 3 {
		if name, ok := dayNames[clean[:3]]; ok {
			return name
		}
	}
	if len(clean) > 12 {
		return ""
	}
	return titleCase(clean)
}

// DayLabels renders up to limit distinct normalized days.
func DayLabels(days []string, limit int) string {
	var out []string
	for _, d := range days {
		label := DayLabel(d)
		if label == "" {
			continue
		}
		dup := false
		for _, o := range out {
			if o == label {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, label)
		}
		if len(out) >= limit {
			break
		}
	}
	return strings.Join(out, ", ")
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = []rune(strings.ToUpper(string(r[0])))[0]
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}

// Truncate cleans s and cuts it to limit runes, ending in "...".
func Truncate(s string, limit int) string {
	clean := CleanText(s)
	r := []rune(clean)
	if len(r) <= limit {
		return clean
	}
	cut := limit - 3
	if cut < 0 {
		cut = 0
	}
	return strings.TrimRight(string(r[:cut]), " ") + "..."
}

// PromptSummary is the compact profile view given to the completion model.
func (p Profile) PromptSummary() map[string]any {
	opt := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	optInt := func(n *int) any {
		if n == nil {
			return nil
		}
		return *n
	}
	list := func(items []string, n int) []string {
		if items == nil {
			return []string{}
		}
		return head(items, n)
	}
	hours := head(p.PeakHours, 6)
	if hours == nil {
		hours = []int{}
	}
	return map[string]any{
		"primary_role":               opt(p.PrimaryRole),
		"primary_company":            opt(p.PrimaryCompany),
		"preferred_contact_style":    opt(p.PreferredContactStyle),
		"notable_topics":             list(p.NotableTopics, 6),
		"generated_bio_professional": opt(p.BioProfessional),
		"generated_bio_personal":     opt(p.BioPersonal),
		"tone":                       opt(p.Tone),
		"professionalism":            opt(p.Professionalism),
		"verbosity":                  opt(p.Verbosity),
		"decision_style":             opt(p.DecisionStyle),
		"seniority_signal":           opt(p.SenioritySignal),
		"based_in":                   opt(p.BasedIn),
		"attended_events":            list(p.AttendedEvents, 4),
		"driving_values":             list(p.DrivingValues, 4),
		"pain_points":                list(p.PainPoints, 4),
		"deep_skills":                list(p.DeepSkills, 6),
		"technical_specifics":        list(p.TechnicalSpecifics, 6),
		"affiliations":               list(p.Affiliations, 5),
		"connection_requests":        list(p.ConnectionRequests, 4),
		"commercial_archetype":       opt(p.CommercialArchetype),
		"group_tags":                 list(p.GroupTags, 8),
		"peak_hours":                 hours,
		"active_days":                list(p.ActiveDays, 6),
		"most_active_days":           list(p.MostActiveDays, 6),
		"total_messages":             optInt(p.TotalMessages),
		"avg_msg_length":             optInt(p.AvgMsgLength),
		"last_active_days":           optInt(p.LastActiveDays),
		"top_conversation_partners":  list(p.TopConversationPartners, 5),
		"fifo":                       opt(p.FIFO),
	}
}
