// Package discord sends direct messages through a Discord bot using
// discordgo's REST client. No gateway connection is opened; DMs only need
// the channel-create and message endpoints.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
)

// Discord has a 2000 character limit per message.
const maxMessageLen = 2000

// JSON error codes that mean the user can never be reached.
const (
	errUnknownUser        = 10013
	errCannotMessageUser  = 50007
	errInvalidRecipient   = 50033
	errUnknownChannel     = 10003
	errMissingPermissions = 50013
)

// Config holds Discord channel configuration.
type Config struct {
	// Token is the Discord bot token.
	Token string `yaml:"token"`
}

// Discord implements channels.Sender.
type Discord struct {
	cfg     Config
	logger  *slog.Logger
	session *discordgo.Session

	// dmChannels caches user id -> DM channel id.
	dmChannels map[string]string
	mu         sync.Mutex
}

// New creates a Discord sender.
func New(cfg Config, logger *slog.Logger) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:        cfg,
		logger:     logger.With("component", "discord"),
		dmChannels: make(map[string]string),
	}
}

// Name returns "discord".
func (d *Discord) Name() string { return "discord" }

// Connect creates the REST session and verifies the token.
func (d *Discord) Connect(ctx context.Context) error {
	if d.cfg.Token == "" {
		return fmt.Errorf("discord: bot token is required")
	}
	session, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	user, err := session.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: failed to verify token: %w", err)
	}

	d.mu.Lock()
	d.session = session
	d.mu.Unlock()
	d.logger.Info("discord: connected", "bot", user.Username, "id", user.ID)
	return nil
}

// Disconnect drops the session.
func (d *Discord) Disconnect() error {
	d.mu.Lock()
	d.session = nil
	d.mu.Unlock()
	d.logger.Info("discord: disconnected")
	return nil
}

// SendDirect opens (or reuses) the DM channel with recipientID and sends
// text, split into chunks when needed. The id of the first chunk is
// returned.
func (d *Discord) SendDirect(ctx context.Context, recipientID, text string) (string, error) {
	d.mu.Lock()
	session := d.session
	d.mu.Unlock()
	if session == nil {
		return "", channels.ErrChannelDisconnected
	}
	if _, err := channels.ParseExternalID(recipientID); err != nil {
		return "", fmt.Errorf("discord: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("discord: %w", channels.ErrEmptyMessage)
	}

	channelID, err := d.dmChannel(ctx, session, recipientID)
	if err != nil {
		return "", classify(err)
	}

	var firstID string
	for _, chunk := range splitMessage(text, maxMessageLen) {
		msg, err := session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return firstID, classify(err)
		}
		if firstID == "" {
			firstID = msg.ID
		}
	}
	return firstID, nil
}

func (d *Discord) dmChannel(ctx context.Context, session *discordgo.Session, userID string) (string, error) {
	d.mu.Lock()
	id, ok := d.dmChannels[userID]
	d.mu.Unlock()
	if ok {
		return id, nil
	}
	ch, err := session.UserChannelCreate(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", err
	}
	d.mu.Lock()
	d.dmChannels[userID] = ch.ID
	d.mu.Unlock()
	return ch.ID, nil
}

// classify turns REST failures about the recipient into permanent errors.
func classify(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return fmt.Errorf("discord: %w", err)
	}
	code := 0
	if rest.Message != nil {
		code = rest.Message.Code
	}
	switch code {
	case errUnknownUser, errCannotMessageUser, errInvalidRecipient, errUnknownChannel:
		return &channels.PermanentError{Channel: "discord", Reason: "recipient unreachable", Err: errors.Join(channels.ErrInvalidRecipient, err)}
	case errMissingPermissions:
		return channels.Permanent("discord", "missing permissions", err)
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return channels.Permanent("discord", "rejected request", err)
		}
	}
	return fmt.Errorf("discord: %w", err)
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring
// newline boundaries and never splitting a rune.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:cutAt], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

var _ channels.Sender = (*Discord)(nil)
