package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewAPIError_ParsesVendorBodies(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantMsg  string
		wantType string
		wantCode string
	}{
		{
			name:     "openai object",
			body:     `{"error":{"message":"Invalid API key","type":"invalid_request_error","code":"invalid_api_key"}}`,
			wantMsg:  "Invalid API key",
			wantType: "invalid_request_error",
			wantCode: "invalid_api_key",
		},
		{
			name:     "gemini array",
			body:     `[{"error":{"code":400,"message":"API key not valid","status":"INVALID_ARGUMENT"}}]`,
			wantMsg:  "API key not valid",
			wantType: "INVALID_ARGUMENT",
			wantCode: "400",
		},
		{
			name:    "string error",
			body:    `{"error":"rate limited"}`,
			wantMsg: "rate limited",
		},
		{
			name:    "plain text",
			body:    "upstream exploded",
			wantMsg: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewAPIError(ProviderOpenAI, "https://api.example.com", 400, []byte(tt.body))
			if err.Message != tt.wantMsg {
				t.Fatalf("Expected message %q, got %q", tt.wantMsg, err.Message)
			}
			if err.Type != tt.wantType {
				t.Fatalf("Expected type %q, got %q", tt.wantType, err.Type)
			}
			if err.Code != tt.wantCode {
				t.Fatalf("Expected code %q, got %q", tt.wantCode, err.Code)
			}
		})
	}
}

func TestAPIError_ErrorFallsBackToStatusText(t *testing.T) {
	err := &APIError{Provider: ProviderAnthropic, StatusCode: 503}
	if got := err.Error(); got != "anthropic: http 503: Service Unavailable" {
		t.Fatalf("Unexpected error string %q", got)
	}
}

func TestIsRetryableStatus(t *testing.T) {
	for _, status := range []int{408, 429, 500, 502, 503, 599} {
		if !IsRetryableStatus(status) {
			t.Errorf("Expected %d to be retryable", status)
		}
	}
	for _, status := range []int{200, 400, 401, 403, 404, 422} {
		if IsRetryableStatus(status) {
			t.Errorf("Expected %d not to be retryable", status)
		}
	}
}

func TestAbortErrorFrom(t *testing.T) {
	if got := AbortErrorFrom(ErrConnectTimeout); got.Cause != AbortConnectTimeout {
		t.Fatalf("Expected connect timeout cause, got %q", got.Cause)
	}
	if got := AbortErrorFrom(context.Canceled); got.Cause != AbortUser {
		t.Fatalf("Expected user cause, got %q", got.Cause)
	}
	if got := AbortErrorFrom(fmt.Errorf("wrapped: %w", ErrConnectTimeout)); got.Cause != AbortConnectTimeout {
		t.Fatalf("Expected wrapped connect timeout, got %q", got.Cause)
	}

	existing := &AbortError{Cause: AbortConnectTimeout, Timeout: time.Second}
	if got := AbortErrorFrom(existing); got != existing {
		t.Fatal("Expected existing AbortError to be returned as is")
	}
	if !strings.Contains(existing.Error(), "1s") {
		t.Fatalf("Expected timeout in message, got %q", existing.Error())
	}
}

func TestIsFallbackEligible(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "api error", err: &APIError{StatusCode: 401}, want: true},
		{name: "transport error", err: &TransportError{Err: errors.New("reset")}, want: true},
		{name: "stream error", err: &StreamError{Message: "overloaded"}, want: true},
		{name: "partial stream", err: &PartialStreamError{Emitted: 1, Err: &TransportError{Err: errors.New("eof")}}, want: false},
		{name: "abort", err: &AbortError{Cause: AbortUser}, want: false},
		{name: "config", err: &ConfigError{Message: "bad"}, want: false},
		{name: "empty response", err: ErrEmptyResponse, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFallbackEligible(tt.err); got != tt.want {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestGenerationError_UnwrapsCause(t *testing.T) {
	cause := &APIError{StatusCode: 500}
	err := &GenerationError{Provider: ProviderGemini, Model: "m", Endpoint: "https://x", Streaming: true, Err: cause}

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatal("Expected GenerationError to unwrap to APIError")
	}
	if !strings.Contains(err.Error(), "streaming request to https://x") {
		t.Fatalf("Expected endpoint in message, got %q", err.Error())
	}
}
