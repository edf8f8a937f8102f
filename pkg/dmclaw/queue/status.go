package queue

import (
	"errors"
	"time"
	"unicode/utf8"
)

// Status is the response lifecycle of an inbound message.
type Status string

const (
	StatusPending       Status = "pending"
	StatusSending       Status = "sending"
	StatusResponded     Status = "responded"
	StatusFailed        Status = "failed"
	StatusNotApplicable Status = "not_applicable"
)

// AllStatuses in lifecycle order.
var AllStatuses = []Status{StatusPending, StatusSending, StatusResponded, StatusFailed, StatusNotApplicable}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusResponded || s == StatusNotApplicable
}

// MaxReasonBytes bounds response_last_error.
const MaxReasonBytes = 2048

// StaleReason is written by RecoverStale.
const StaleReason = "recovered from stale sending state"

// ErrNotFound is returned when a transition targets a message that does not
// exist or is no longer inbound.
var ErrNotFound = errors.New("message not found")

// ClaimedMessage is an inbound message in the sending state plus the sender
// metadata needed to compose and deliver a reply.
type ClaimedMessage struct {
	ID                int64
	ConversationID    int64
	ExternalMessageID string
	Text              string
	SentAt            time.Time
	Attempts          int

	// SenderID is the users.id of the sender (0 when unknown).
	SenderID          int64
	SenderExternalID  string
	SenderHandle      string
	SenderDisplayName string
}

// SenderName returns the display name, then the handle, then fallback.
func (m ClaimedMessage) SenderName(fallback string) string {
	switch {
	case m.SenderDisplayName != "":
		return m.SenderDisplayName
	case m.SenderHandle != "":
		return m.SenderHandle
	default:
		return fallback
	}
}

// Turn is one message of recent conversation history.
type Turn struct {
	Direction string
	Text      string
	SentAt    time.Time
}

// Inbound reports whether the turn came from the counterpart.
func (t Turn) Inbound() bool { return t.Direction == "inbound" }

// truncateBytes cuts s to at most max bytes without splitting a rune.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// truncateRunes cuts s to at most max runes.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
