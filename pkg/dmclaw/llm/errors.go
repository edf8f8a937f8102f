package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies completion failures for logging and retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // deadline exceeded
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // context length exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether a later attempt may succeed.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// ErrDisabled is returned when the client has no API key or is switched off.
var ErrDisabled = errors.New("llm: completion disabled")

// APIError is a non-2xx response or an error object in the response body.
type APIError struct {
	StatusCode int
	Body       string
	Kind       ErrorKind
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
}

// KindOf returns the kind of err. Transport errors caused by a deadline
// are timeouts; anything unrecognized is fatal.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTimeout
	case err != nil && strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return ErrorTimeout
	default:
		return ErrorFatal
	}
}

func classifyAPIError(statusCode int, body string) ErrorKind {
	lower := strings.ToLower(body)

	if strings.Contains(lower, "context_length_exceeded") || strings.Contains(lower, "maximum context length") {
		return ErrorContext
	}
	if statusCode == 402 || containsAny(lower, "billing", "insufficient_quota", "quota", "payment required", "credits") {
		return ErrorBilling
	}
	if statusCode == 429 || containsAny(lower, "rate_limit", "rate limit", "too many requests") {
		return ErrorRateLimit
	}
	if statusCode == 529 || containsAny(lower, "overloaded", "capacity") {
		return ErrorOverloaded
	}
	if containsAny(lower, "timeout", "deadline", "timed out") {
		return ErrorTimeout
	}

	switch statusCode {
	case 400:
		return ErrorBadRequest
	case 401, 403:
		return ErrorAuth
	default:
		if statusCode >= 500 {
			return ErrorRetryable
		}
		return ErrorFatal
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
