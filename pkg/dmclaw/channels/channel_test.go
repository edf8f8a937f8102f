package channels

import (
	"errors"
	"fmt"
	"testing"
)

func TestParseExternalID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"12345", 12345, true},
		{"user777", 777, true},
		{" 42 ", 42, true},
		{"", 0, false},
		{"user", 0, false},
		{"@alice", 0, false},
		{"-100123", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseExternalID(tt.raw)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseExternalID(%q) = %d, %v", tt.raw, got, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidRecipient) {
			t.Errorf("ParseExternalID(%q) error %v is not ErrInvalidRecipient", tt.raw, err)
		}
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("timeout"), false},
		{"disconnected", ErrChannelDisconnected, false},
		{"invalid recipient", fmt.Errorf("send: %w", ErrInvalidRecipient), true},
		{"wrapped permanent", fmt.Errorf("send: %w", Permanent("x", "blocked", nil)), true},
	}
	for _, tt := range tests {
		if got := IsPermanent(tt.err); got != tt.want {
			t.Errorf("%s: IsPermanent = %v, want %v", tt.name, got, tt.want)
		}
	}
}
