// Package telegram sends direct messages through the Telegram Bot API over
// plain HTTP.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jholhewres/dmclaw/pkg/dmclaw/channels"
)

// DefaultAPIBase is the public Bot API endpoint.
const DefaultAPIBase = "https://api.telegram.org"

// maxMessageRunes is Telegram's limit for one text message.
const maxMessageRunes = 4096

// Config holds Telegram channel configuration.
type Config struct {
	// Token is the Bot API token (from @BotFather).
	Token string `yaml:"token"`

	// APIBase overrides the Bot API host, mostly for tests and local
	// Bot API servers.
	APIBase string `yaml:"api_base"`

	// DisablePreview turns off link previews in replies.
	DisablePreview bool `yaml:"disable_preview"`
}

// Telegram implements channels.Sender.
type Telegram struct {
	cfg     Config
	logger  *slog.Logger
	client  *http.Client
	baseURL string

	connected atomic.Bool
}

// New creates a Telegram sender. A nil client gets a 60s timeout.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Telegram {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	base := cfg.APIBase
	if base == "" {
		base = DefaultAPIBase
	}
	return &Telegram{
		cfg:     cfg,
		logger:  logger.With("component", "telegram"),
		client:  client,
		baseURL: strings.TrimRight(base, "/") + "/bot" + cfg.Token,
	}
}

// Name returns "telegram".
func (t *Telegram) Name() string { return "telegram" }

// Connect verifies the token with getMe.
func (t *Telegram) Connect(ctx context.Context) error {
	if t.cfg.Token == "" {
		return fmt.Errorf("telegram: bot token is required")
	}
	if t.connected.Load() {
		return nil
	}
	data, err := t.apiCall(ctx, "getMe", nil)
	if err != nil {
		return fmt.Errorf("telegram: failed to verify token: %w", err)
	}
	var me struct {
		ID       int64  `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(data, &me); err != nil {
		return fmt.Errorf("telegram: parsing getMe: %w", err)
	}
	t.connected.Store(true)
	t.logger.Info("telegram: connected", "bot", me.Username, "id", me.ID)
	return nil
}

// Disconnect marks the sender as closed. The Bot API is stateless.
func (t *Telegram) Disconnect() error {
	t.connected.Store(false)
	t.logger.Info("telegram: disconnected")
	return nil
}

// SendDirect sends text as plain text to the private chat of recipientID.
func (t *Telegram) SendDirect(ctx context.Context, recipientID, text string) (string, error) {
	if !t.connected.Load() {
		return "", channels.ErrChannelDisconnected
	}
	chatID, err := channels.ParseExternalID(recipientID)
	if err != nil {
		return "", fmt.Errorf("telegram: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("telegram: %w", channels.ErrEmptyMessage)
	}
	if r := []rune(text); len(r) > maxMessageRunes {
		text = string(r[:maxMessageRunes])
	}

	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if t.cfg.DisablePreview {
		payload["link_preview_options"] = map[string]any{"is_disabled": true}
	}
	data, err := t.apiCall(ctx, "sendMessage", payload)
	if err != nil {
		return "", err
	}
	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(data, &sent); err != nil {
		return "", fmt.Errorf("telegram: parsing sendMessage: %w", err)
	}
	return strconv.FormatInt(sent.MessageID, 10), nil
}

// apiError is a Bot API response with ok=false.
type apiError struct {
	Method      string
	StatusCode  int
	ErrorCode   int
	Description string
	RetryAfter  int
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("telegram: %s: %d %s", e.Method, e.ErrorCode, e.Description)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return msg
}

// classify maps Bot API failures onto the channel error model. Blocked
// bots, deleted accounts and unknown chats never recover.
func classify(e *apiError) error {
	desc := strings.ToLower(e.Description)
	code := e.ErrorCode
	if code == 0 {
		code = e.StatusCode
	}
	switch {
	case code == http.StatusForbidden:
		return &channels.PermanentError{Channel: "telegram", Reason: "recipient unreachable", Err: errors.Join(channels.ErrInvalidRecipient, e)}
	case code == http.StatusBadRequest && (strings.Contains(desc, "chat not found") ||
		strings.Contains(desc, "user not found") || strings.Contains(desc, "peer_id_invalid")):
		return &channels.PermanentError{Channel: "telegram", Reason: "unknown recipient", Err: errors.Join(channels.ErrInvalidRecipient, e)}
	case code == http.StatusBadRequest:
		return channels.Permanent("telegram", "rejected request", e)
	case code == http.StatusUnauthorized:
		return channels.Permanent("telegram", "invalid bot token", e)
	default:
		return e
	}
}

// apiCall makes a POST request to the Bot API.
func (t *Telegram) apiCall(ctx context.Context, method string, payload map[string]any) (json.RawMessage, error) {
	url := t.baseURL + "/" + method
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: marshal %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("telegram: creating request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var result struct {
		OK          bool            `json:"ok"`
		ErrorCode   int             `json:"error_code"`
		Description string          `json:"description"`
		Result      json.RawMessage `json:"result"`
		Parameters  struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("telegram: decoding %s response (status %d): %w", method, resp.StatusCode, err)
	}
	if !result.OK {
		return nil, classify(&apiError{
			Method:      method,
			StatusCode:  resp.StatusCode,
			ErrorCode:   result.ErrorCode,
			Description: result.Description,
			RetryAfter:  result.Parameters.RetryAfter,
		})
	}
	return result.Result, nil
}
