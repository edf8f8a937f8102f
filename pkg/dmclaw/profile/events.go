package profile

import (
	"encoding/json"
	"strings"
	"time"
)

// Event types written by this service.
const (
	EventInlineCapture = "inline_capture"
)

// Fact is one field proposal inside an extraction event.
type Fact struct {
	Field      string   `json:"field"`
	NewValue   Value    `json:"new_value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// Event is an unprocessed row of dm_profile_update_events.
type Event struct {
	ID              int64
	UserID          int64
	SourceMessageID int64
	Type            string
	Payload         Value
	Facts           []Fact
	Confidence      *float64
	CreatedAt       time.Time
}

// ParseFacts reads an extracted_facts value. Malformed members are skipped.
func ParseFacts(v Value) []Fact {
	var facts []Fact
	for _, item := range v.Items() {
		field := strings.TrimSpace(item.Get("field").Text())
		if field == "" {
			continue
		}
		f := Fact{Field: field, NewValue: item.Get("new_value")}
		if c := item.Get("confidence"); c.Kind() == KindNumber {
			conf := c.num
			f.Confidence = &conf
		}
		facts = append(facts, f)
	}
	return facts
}

// EncodeFacts renders facts as the extracted_facts JSON list.
func EncodeFacts(facts []Fact) (string, error) {
	if facts == nil {
		facts = []Fact{}
	}
	b, err := json.Marshal(facts)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// confidence resolves a fact's confidence: its own, then the event's, then
// fallback.
func (e Event) confidence(f Fact, fallback float64) float64 {
	switch {
	case f.Confidence != nil:
		return *f.Confidence
	case e.Confidence != nil:
		return *e.Confidence
	default:
		return fallback
	}
}

// Float returns a pointer to f, for optional confidences.
func Float(f float64) *float64 { return &f }
