package intent

import (
	"regexp"
	"strings"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/profile"
)

// Confidence assigned to each kind of extraction.
const (
	ConfidenceExplicit = 0.9
	ConfidenceStatus   = 0.8
	ConfidencePhrase   = 0.65
	ConfidenceKeyword  = 0.4
)

const (
	maxPriorityLen = 160
	maxStyleLen    = 80
	maxAnswerRunes = 200
)

var (
	inlineLineRE   = regexp.MustCompile(`^([A-Za-z][A-Za-z _-]{1,24})\s*:\s*(.+)$`)
	unemployedRE   = regexp.MustCompile(`(?i)\b(?:unemployed|between\s+jobs|not\s+working|job\s+hunting)\b`)
	freeformPrioRE = regexp.MustCompile(`(?i)\b(?:i(?:'m| am|’m)\s+looking\s+for|currently\s+looking\s+for|right\s+now\s+i(?:'m| am|’m)\s+looking\s+for|` +
		`i(?:'m| am|’m)\s+focused\s+on|currently\s+focused\s+on|my\s+current\s+focus\s+is|current\s+focus\s+is|` +
		`my\s+priorities?\s+(?:are|is))\s+([^.!?\n]{3,180})`)
	prioFillerRE   = regexp.MustCompile(`(?i)\b(?:right\s+now|currently)\b`)
	styleKeywordRE = regexp.MustCompile(`(?i)\b(?:concise|short|brief|detailed|long|deep|bullets?|list|quick\s+back-and-forth|back-and-forth|` +
		`conversational|casual|direct|formal|professional|playful|technical)\b`)
	freeformStyleRE = regexp.MustCompile(`(?i)\b(?:talk|speak|communicate|respond|reply)\s+(?:to\s+me\s+)?(?:in|with|using)?\s*([^.!?\n]{3,120})|` +
		`\b(?:keep|make)\s+(?:your\s+)?(?:responses|replies|messages)\s+([^.!?\n]{3,120})|` +
		`\b(?:i\s+(?:prefer|like))\s+([^.!?\n]{3,120})`)
	topicSplitRE = regexp.MustCompile(`\s*(?:[,;\n]|\band\b|\s&\s)\s*`)
)

var inlineKeys = map[string]string{
	"role":                    profile.FieldRole,
	"title":                   profile.FieldRole,
	"position":                profile.FieldRole,
	"job":                     profile.FieldRole,
	"company":                 profile.FieldCompany,
	"project":                 profile.FieldCompany,
	"employer":                profile.FieldCompany,
	"organization":            profile.FieldCompany,
	"org":                     profile.FieldCompany,
	"priorities":              profile.FieldTopics,
	"priority":                profile.FieldTopics,
	"focus":                   profile.FieldTopics,
	"topics":                  profile.FieldTopics,
	"topic":                   profile.FieldTopics,
	"communication":           profile.FieldStyle,
	"style":                   profile.FieldStyle,
	"communication style":     profile.FieldStyle,
	"preferred communication": profile.FieldStyle,
	"contact style":           profile.FieldStyle,
}

// Update is one field value read out of a message.
type Update struct {
	Field      string
	Value      string
	Confidence float64
}

// Capture is the set of updates found in one message, at most one per field.
type Capture struct {
	Updates []Update
}

// Empty reports whether nothing was captured.
func (c Capture) Empty() bool { return len(c.Updates) == 0 }

// Get returns the update for field.
func (c Capture) Get(field string) (Update, bool) {
	for _, u := range c.Updates {
		if u.Field == field {
			return u, true
		}
	}
	return Update{}, false
}

func (c *Capture) set(u Update) {
	for i := range c.Updates {
		if c.Updates[i].Field == u.Field {
			c.Updates[i] = u
			return
		}
	}
	c.Updates = append(c.Updates, u)
}

// With returns a copy of c holding u, replacing any update for u.Field.
func (c Capture) With(u Update) Capture {
	out := Capture{Updates: append([]Update(nil), c.Updates...)}
	out.set(u)
	return out
}

// Without returns a copy of c with no update for field.
func (c Capture) Without(field string) Capture {
	var out Capture
	for _, u := range c.Updates {
		if u.Field != field {
			out.Updates = append(out.Updates, u)
		}
	}
	return out
}

func (c *Capture) setDefault(u Update) {
	if _, ok := c.Get(u.Field); !ok {
		c.Updates = append(c.Updates, u)
	}
}

// Facts converts the capture to profile facts. Topics become a list.
func (c Capture) Facts() []profile.Fact {
	facts := make([]profile.Fact, 0, len(c.Updates))
	for _, u := range c.ordered() {
		v := profile.String(u.Value)
		if u.Field == profile.FieldTopics {
			v = profile.StringList(SplitTopics(u.Value))
		}
		facts = append(facts, profile.Fact{Field: u.Field, NewValue: v, Confidence: profile.Float(u.Confidence)})
	}
	return facts
}

func (c Capture) ordered() []Update {
	out := make([]Update, 0, len(c.Updates))
	for _, f := range profile.DefaultRequiredFields {
		if u, ok := c.Get(f); ok {
			out = append(out, u)
		}
	}
	return out
}

// Extract reads inline "key: value" lines and free-form statements.
// Questions about other people never produce updates.
func Extract(text string) Capture {
	var c Capture
	clean := Clean(text)
	if clean == "" || IsThirdPartyRequest(clean) {
		return c
	}

	for _, line := range strings.Split(text, "\n") {
		m := inlineLineRE.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		key := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(m[1])), "_", " ")
		field, ok := inlineKeys[key]
		value := Clean(m[2])
		if !ok || value == "" {
			continue
		}
		switch field {
		case profile.FieldCompany:
			if strings.Contains(strings.ToLower(value), "unemployed") {
				value = "unemployed"
			}
		case profile.FieldStyle:
			if norm, ok := NormalizeStyle(value); ok {
				value = norm
			} else {
				value = profile.Truncate(value, maxStyleLen)
			}
		}
		c.set(Update{Field: field, Value: value, Confidence: ConfidenceExplicit})
	}

	if unemployedRE.MatchString(clean) {
		c.set(Update{Field: profile.FieldCompany, Value: "unemployed", Confidence: ConfidenceStatus})
	}
	if topic, ok := FreeformPriority(clean); ok {
		c.setDefault(Update{Field: profile.FieldTopics, Value: topic, Confidence: ConfidencePhrase})
	}
	if _, ok := c.Get(profile.FieldStyle); !ok {
		if u, ok := styleFromText(clean); ok {
			c.set(u)
		}
	}
	return c
}

// FreeformPriority picks up "I'm focused on X" style statements.
func FreeformPriority(text string) (string, bool) {
	s := Clean(text)
	if s == "" || IsThirdPartyRequest(s) {
		return "", false
	}
	if strings.HasSuffix(s, "?") && !inlineUpdateRE.MatchString(s) {
		return "", false
	}
	m := freeformPrioRE.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	topic := Clean(prioFillerRE.ReplaceAllString(m[1], ""))
	topic = strings.Trim(topic, " .")
	if len(topic) < 3 {
		return "", false
	}
	return truncateBytes(topic, maxPriorityLen), true
}

// FreeformStyle reads a communication preference out of a sentence.
func FreeformStyle(text string) (string, bool) {
	u, ok := styleFromText(text)
	return u.Value, ok
}

// styleFromText favours an explicit phrase ("keep replies short") over a
// bare keyword anywhere in the text; the keyword match is low confidence.
func styleFromText(text string) (Update, bool) {
	s := Clean(text)
	if s == "" || IsThirdPartyRequest(s) {
		return Update{}, false
	}
	for _, m := range freeformStyleRE.FindAllStringSubmatch(s, -1) {
		candidate := firstNonEmpty(m[1:])
		if candidate == "" || !styleKeywordRE.MatchString(candidate) {
			continue
		}
		if norm, ok := NormalizeStyle(candidate); ok {
			return Update{Field: profile.FieldStyle, Value: norm, Confidence: ConfidencePhrase}, true
		}
	}
	if styleKeywordRE.MatchString(s) {
		if norm, ok := NormalizeStyle(s); ok {
			return Update{Field: profile.FieldStyle, Value: norm, Confidence: ConfidenceKeyword}, true
		}
	}
	return Update{}, false
}

// NormalizeStyle maps free text to one of the canonical style labels.
func NormalizeStyle(raw string) (string, bool) {
	s := strings.ToLower(Clean(raw))
	switch {
	case s == "":
		return "", false
	case strings.Contains(s, "bullet") || strings.Contains(s, "list"):
		return "concise bullets", true
	case containsAny(s, "concise", "short", "brief"):
		return "concise", true
	case containsAny(s, "detailed", "long", "deep"):
		return "detailed", true
	case containsAny(s, "back-and-forth", "conversational", "casual"):
		return "quick back-and-forth", true
	case strings.Contains(s, "direct"):
		return "direct", true
	case containsAny(s, "formal", "professional"):
		return "formal and professional", true
	case containsAny(s, "playful", "technical"):
		return truncateBytes(s, maxStyleLen), true
	}
	return "", false
}

// SlotAnswer interprets text as a direct answer to the prompted field.
// Messages that look like questions, commands, or chatter are rejected.
func SlotAnswer(text, field string) (Update, bool) {
	s := Clean(text)
	if s == "" || !profile.IsCoreField(field) {
		return Update{}, false
	}
	if strings.HasSuffix(s, "?") || len([]rune(s)) > maxAnswerRunes {
		return Update{}, false
	}
	if IsGreeting(s) || IsAcknowledgement(s) || IsYes(s) || IsNo(s) || IsIndecision(s) ||
		IsNonTextMarker(s) || IsDisengage(s) || IsThirdPartyRequest(s) || IsFullProfileRequest(s) {
		return Update{}, false
	}
	if _, ok := OptionSelection(s); ok {
		return Update{}, false
	}

	value := strings.Trim(s, " .!")
	switch field {
	case profile.FieldCompany:
		if unemployedRE.MatchString(value) {
			value = "unemployed"
		}
	case profile.FieldStyle:
		norm, ok := NormalizeStyle(value)
		if !ok {
			return Update{}, false
		}
		value = norm
	case profile.FieldTopics:
		if topic, ok := FreeformPriority(value); ok {
			value = topic
		}
	}
	if value == "" {
		return Update{}, false
	}
	return Update{Field: field, Value: value, Confidence: ConfidenceExplicit}, true
}

var slotMarkers = map[string][]string{
	profile.FieldRole:    {"i'm a ", "i am a ", "i'm an ", "i am an ", "my role is ", "i work as ", "my title is "},
	profile.FieldCompany: {"work at ", "working at ", "joined ", "company is ", "no longer at ", "left ", "unemployed"},
	profile.FieldStyle:   {"prefer", "best way to reach me", "contact me", "dm me", "telegram", "email", "text me", "call me"},
	profile.FieldTopics: {"priority", "priorities", "focused on", "focus is", "current focus is", "my current focus is",
		"right now i'm focused", "looking for", "currently looking for", "i'm looking for", "i am looking for"},
}

// InferSlots returns the fields the text appears to talk about, in
// canonical order.
func InferSlots(text string) []string {
	s := strings.ToLower(text)
	var found []string
	if s == "" {
		return found
	}
	for _, f := range profile.DefaultRequiredFields {
		if containsAny(s, slotMarkers[f]...) {
			found = append(found, f)
		}
	}
	return found
}

// SplitTopics breaks a priorities answer into individual topics.
func SplitTopics(s string) []string {
	var out []string
	for _, part := range topicSplitRE.Split(Clean(s), -1) {
		part = strings.Trim(part, " .")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstNonEmpty(items []string) string {
	for _, s := range items {
		if s != "" {
			return s
		}
	}
	return ""
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	for len(string(r)) > n {
		r = r[:len(r)-1]
	}
	return string(r)
}
