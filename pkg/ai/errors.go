package ai

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrEmptyResponse is returned when a generation finishes without producing
// any usable text.
var ErrEmptyResponse = errors.New("provider returned no usable content")

// ConfigError is a configuration problem detected before any network call.
// It is never retried.
type ConfigError struct {
	Provider ProviderType
	Field    string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s config: %s", e.Provider, e.Message)
	}
	return "config: " + e.Message
}

// APIError is a non-2xx response from a vendor.
type APIError struct {
	Provider   ProviderType
	Endpoint   string
	StatusCode int
	Type       string
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(string(e.Provider))
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "http %d", e.StatusCode)

	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	return b.String()
}

// Retryable reports whether the status is worth retrying.
func (e *APIError) Retryable() bool {
	return IsRetryableStatus(e.StatusCode)
}

// IsRetryableStatus reports whether an HTTP status is transient: 408, 429
// and every 5xx.
func IsRetryableStatus(status int) bool {
	return status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		(status >= 500 && status <= 599)
}

// NewAPIError builds an APIError from a response body, extracting the vendor
// error detail when the body is JSON.
func NewAPIError(provider ProviderType, endpoint string, status int, body []byte) *APIError {
	apiErr := &APIError{
		Provider:   provider,
		Endpoint:   endpoint,
		StatusCode: status,
		Body:       truncateForError(strings.TrimSpace(string(body))),
	}
	if !gjson.ValidBytes(body) {
		apiErr.Message = apiErr.Body
		return apiErr
	}

	root := gjson.ParseBytes(body)
	if root.IsArray() {
		root = root.Get("0")
	}
	detail := root.Get("error")
	switch {
	case detail.IsObject():
		apiErr.Message = detail.Get("message").String()
		apiErr.Type = firstString(detail, "type", "status")
		apiErr.Code = detail.Get("code").String()
	case detail.Type == gjson.String:
		apiErr.Message = detail.String()
	default:
		apiErr.Message = root.Get("message").String()
	}
	if apiErr.Message == "" {
		apiErr.Message = apiErr.Body
	}
	return apiErr
}

// TransportError is a network-level failure: DNS, connection refused, reset
// or a broken body read.
type TransportError struct {
	Provider ProviderType
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: request to %s failed: %v", e.Provider, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AbortCause explains why an attempt was cancelled.
type AbortCause string

const (
	AbortUser           AbortCause = "user"
	AbortConnectTimeout AbortCause = "connect_timeout"
)

// Cancellation causes passed to context.WithCancelCause. AbortErrorFrom maps
// them back to an AbortCause.
var (
	ErrUserAbort      = errors.New("generation cancelled by user")
	ErrConnectTimeout = errors.New("no response before connect timeout")
)

// AbortError reports that an attempt was cancelled. Aborts are never retried
// and never trigger key fallback.
type AbortError struct {
	Cause   AbortCause
	Timeout time.Duration
	Err     error
}

func (e *AbortError) Error() string {
	if e.Cause == AbortConnectTimeout {
		if e.Timeout > 0 {
			return fmt.Sprintf("aborted: no response within %s", e.Timeout)
		}
		return "aborted: connect timeout"
	}
	return "aborted by user"
}

func (e *AbortError) Unwrap() error { return e.Err }

// AbortErrorFrom converts a context cancellation cause into an AbortError.
// Any cause other than ErrConnectTimeout counts as a user abort.
func AbortErrorFrom(cause error) *AbortError {
	var existing *AbortError
	if errors.As(cause, &existing) {
		return existing
	}
	if errors.Is(cause, ErrConnectTimeout) {
		return &AbortError{Cause: AbortConnectTimeout, Err: cause}
	}
	return &AbortError{Cause: AbortUser, Err: cause}
}

// StreamError is an error event reported by the vendor inside a 2xx stream.
type StreamError struct {
	Provider ProviderType
	Type     string
	Message  string
}

func (e *StreamError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s stream error (%s): %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s stream error: %s", e.Provider, e.Message)
}

// PartialStreamError wraps a failure that happened after at least one delta
// was emitted. It is never retried and never falls back to the backup key.
type PartialStreamError struct {
	Emitted int
	Err     error
}

func (e *PartialStreamError) Error() string {
	return fmt.Sprintf("stream failed after %d deltas: %v", e.Emitted, e.Err)
}

func (e *PartialStreamError) Unwrap() error { return e.Err }

// GenerationError is the final failure surfaced to callers, carrying enough
// detail to diagnose the problem without server-side logs.
type GenerationError struct {
	Provider       ProviderType
	Model          string
	Endpoint       string
	Streaming      bool
	ConnectTimeout time.Duration
	Err            error
}

func (e *GenerationError) Error() string {
	mode := "non-streaming"
	if e.Streaming {
		mode = "streaming"
	}
	return fmt.Sprintf("%s %s request to %s (model %s, connect timeout %s): %v",
		e.Provider, mode, e.Endpoint, e.Model, e.ConnectTimeout, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsFallbackEligible reports whether a failed key sequence may hand over to
// the backup key. Vendor errors, stream error events and transport errors
// qualify.
func IsFallbackEligible(err error) bool {
	var partial *PartialStreamError
	var abort *AbortError
	var cfgErr *ConfigError
	if errors.As(err, &partial) || errors.As(err, &abort) || errors.As(err, &cfgErr) {
		return false
	}
	var apiErr *APIError
	var transportErr *TransportError
	var streamErr *StreamError
	return errors.As(err, &apiErr) || errors.As(err, &transportErr) || errors.As(err, &streamErr)
}
