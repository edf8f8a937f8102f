package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
)

func TestSplitMessage(t *testing.T) {
	short := "hello"
	if got := splitMessage(short, 10); len(got) != 1 || got[0] != short {
		t.Errorf("short = %q", got)
	}

	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitMessage(text, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8)+"\n" {
		t.Errorf("newline split = %q", got)
	}

	multi := strings.Repeat("é", 7) // 14 bytes
	for _, chunk := range splitMessage(multi, 5) {
		if !utf8.ValidString(chunk) || len(chunk) > 5 {
			t.Errorf("bad chunk %q", chunk)
		}
	}
	if strings.Join(splitMessage(multi, 5), "") != multi {
		t.Error("chunks do not reassemble")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
		invalid   bool
	}{
		{"cannot message user", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}, Message: &discordgo.APIErrorMessage{Code: errCannotMessageUser}}, true, true},
		{"unknown user", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusNotFound}, Message: &discordgo.APIErrorMessage{Code: errUnknownUser}}, true, true},
		{"forbidden", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}, true, false},
		{"server", &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusBadGateway}}, false, false},
		{"transport", errors.New("connection reset"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify(tt.err)
			if got := channels.IsPermanent(err); got != tt.permanent {
				t.Errorf("IsPermanent = %v, want %v", got, tt.permanent)
			}
			if got := errors.Is(err, channels.ErrInvalidRecipient); got != tt.invalid {
				t.Errorf("ErrInvalidRecipient = %v, want %v", got, tt.invalid)
			}
		})
	}
}

func TestSendDirectRequiresConnect(t *testing.T) {
	d := New(Config{Token: "x"}, nil)
	if _, err := d.SendDirect(context.Background(), "1", "hi"); !errors.Is(err, channels.ErrChannelDisconnected) {
		t.Errorf("err = %v", err)
	}
}
