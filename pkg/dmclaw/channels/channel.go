// Package channels defines the outbound side of a messaging platform: a
// Sender delivers one direct message and reports whether a failure is worth
// retrying. Implementations live in the telegram, discord and whatsapp
// subpackages.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sender delivers direct messages on one platform.
type Sender interface {
	// Name returns the channel identifier (e.g. "telegram").
	Name() string

	// Connect establishes the session with the platform.
	Connect(ctx context.Context) error

	// Disconnect closes the session.
	Disconnect() error

	// SendDirect sends text to the user identified by recipientID and
	// returns the platform's id for the sent message.
	SendDirect(ctx context.Context, recipientID, text string) (string, error)
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrEmptyMessage        = errors.New("empty message")
)

// PermanentError marks a delivery failure that no retry can fix.
type PermanentError struct {
	Channel string
	Reason  string
	Err     error
}

func (e *PermanentError) Error() string {
	msg := e.Channel + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(channel, reason string, err error) error {
	return &PermanentError{Channel: channel, Reason: reason, Err: err}
}

// IsPermanent reports whether err should not be retried. Invalid
// recipients are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	return errors.As(err, &pe) || errors.Is(err, ErrInvalidRecipient) || errors.Is(err, ErrEmptyMessage)
}

// ParseExternalID parses a numeric platform user id. Listener rows may store
// ids as "user12345"; the prefix is dropped.
func ParseExternalID(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(strings.ToLower(s), "user")
	if s == "" {
		return 0, fmt.Errorf("%w: empty id", ErrInvalidRecipient)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %q is not numeric", ErrInvalidRecipient, raw)
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, raw, err)
	}
	return id, nil
}
