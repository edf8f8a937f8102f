// Package llm is a small client for OpenAI-compatible chat completion
// endpoints (OpenRouter by default). It performs a single request per call
// and reports failures as typed errors; callers are expected to fall back.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Defaults applied by New for zero-valued config fields.
const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "deepseek/deepseek-chat"
	DefaultTemperature = 0.2
	DefaultMaxTokens   = 300
	DefaultTimeout     = 35 * time.Second

	maxErrorBody = 400
)

// Config configures the client.
type Config struct {
	Enabled     bool
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	// Prices used to estimate cost when the provider does not report it.
	PromptPricePer1K     float64
	CompletionPricePer1K float64

	// Attribution headers understood by OpenRouter.
	Referer string
	Title   string
}

// Client sends chat completions.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client. A nil httpClient gets one with cfg.Timeout.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "llm"),
	}
}

// Enabled reports whether Complete will attempt a request.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Enabled && c.cfg.APIKey != ""
}

// Model returns the configured model id.
func (c *Client) Model() string { return c.cfg.Model }

// Request is a single-turn completion.
type Request struct {
	System string
	User   string
}

// Result is the cleaned completion text with usage accounting.
type Result struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Duration         time.Duration
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type usageOption struct {
	Include bool `json:"include"`
}

type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []message    `json:"messages"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
	Usage       *usageOption `json:"usage,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int      `json:"prompt_tokens"`
		CompletionTokens int      `json:"completion_tokens"`
		Cost             *float64 `json:"cost"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Complete sends req and returns the first choice. An empty completion is
// an error so callers never deliver blank text.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	if !c.Enabled() {
		return Result{}, ErrDisabled
	}

	body, err := json.Marshal(chatRequest{
		Model: c.cfg.Model,
		Messages: []message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Usage:       &usageOption{Include: true},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	c.logger.Debug("sending chat completion", "model", c.cfg.Model, "endpoint", endpoint)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("reading response: %w", err)
	}
	duration := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := truncate(string(respBody), maxErrorBody)
		return Result{}, &APIError{
			StatusCode: resp.StatusCode,
			Body:       detail,
			Kind:       classifyAPIError(resp.StatusCode, detail),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Result{}, fmt.Errorf("parsing response: %w", err)
	}
	if parsed.Error != nil {
		return Result{}, &APIError{
			StatusCode: resp.StatusCode,
			Body:       parsed.Error.Message,
			Kind:       classifyAPIError(resp.StatusCode, parsed.Error.Message),
		}
	}
	if len(parsed.Choices) == 0 {
		return Result{}, fmt.Errorf("llm: no choices in response")
	}

	content := cleanContent(decodeContent(parsed.Choices[0].Message.Content))
	if content == "" {
		return Result{}, fmt.Errorf("llm: empty completion")
	}

	res := Result{
		Content:          content,
		Model:            parsed.Model,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		Duration:         duration,
	}
	if res.Model == "" {
		res.Model = c.cfg.Model
	}
	if parsed.Usage.Cost != nil {
		res.CostUSD = *parsed.Usage.Cost
	} else {
		res.CostUSD = c.estimateCost(res.PromptTokens, res.CompletionTokens)
	}

	c.logger.Info("chat completion done",
		"model", res.Model,
		"duration_ms", duration.Milliseconds(),
		"prompt_tokens", res.PromptTokens,
		"completion_tokens", res.CompletionTokens,
		"cost_usd", res.CostUSD,
		"finish_reason", parsed.Choices[0].FinishReason,
	)
	return res, nil
}

func (c *Client) estimateCost(prompt, completion int) float64 {
	return float64(prompt)/1000*c.cfg.PromptPricePer1K + float64(completion)/1000*c.cfg.CompletionPricePer1K
}

// decodeContent accepts a plain string or a list of {"text": ...} parts.
func decodeContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text *string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return ""
	}
	var chunks []string
	for _, p := range parts {
		if p.Text != nil {
			chunks = append(chunks, *p.Text)
		}
	}
	return strings.Join(chunks, "\n")
}

// cleanContent collapses whitespace inside lines and drops blank lines.
func cleanContent(s string) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}
