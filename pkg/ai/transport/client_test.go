package transport

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"

	"talkstream/pkg/ai"
	"talkstream/pkg/logging"
)

func TestClientDo_FallsBackToBackupKey(t *testing.T) {
	var calls atomic.Int32
	var seenKeys []string
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			seenKeys = append(seenKeys, req.Header.Get("Authorization"))
			if req.Header.Get("Authorization") == "Bearer sk-primary" {
				return newTextResponse(req, http.StatusUnauthorized, `{"error":{"message":"bad key"}}`), nil
			}
			return newTextResponse(req, http.StatusOK, "hello from backup"), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary", "sk-backup")
	req.Hooks = rec.hooks()

	out, err := client.Do(context.Background(), req, parseText)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if out.Text != "hello from backup" {
		t.Fatalf("Expected backup response, got %q", out.Text)
	}
	if calls.Load() != 2 {
		t.Fatalf("Expected 2 requests (401 is not retried), got %d", calls.Load())
	}
	if rec.fallbacks != 1 {
		t.Fatalf("Expected one fallback notice, got %d", rec.fallbacks)
	}
	if len(rec.retries) != 0 {
		t.Fatalf("Expected no retries, got %d", len(rec.retries))
	}
	if seenKeys[1] != "Bearer sk-backup" {
		t.Fatalf("Expected backup key on second call, got %q", seenKeys[1])
	}
}

func TestClientFetch_RetriesThenReturnsBody(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			if req.Method != http.MethodGet {
				t.Fatalf("Expected GET, got %s", req.Method)
			}
			if calls.Add(1) == 1 {
				return newTextResponse(req, http.StatusServiceUnavailable, `{"error":"busy"}`), nil
			}
			return newTextResponse(req, http.StatusOK, `{"data":[]}`), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary")

	body, err := client.Fetch(context.Background(), req.Config, rec.hooks(), func(key string) (ai.WireRequest, error) {
		h := make(http.Header)
		h.Set("Authorization", "Bearer "+key)
		return ai.WireRequest{Method: http.MethodGet, URL: "https://api.example.com/models", Header: h}, nil
	})
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if string(body) != `{"data":[]}` {
		t.Fatalf("Unexpected body %q", body)
	}
	if calls.Load() != 2 || len(rec.retries) != 1 {
		t.Fatalf("Expected one retry, got %d calls and %d retries", calls.Load(), len(rec.retries))
	}
}

func TestClientDo_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			if calls.Add(1) < 3 {
				return newTextResponse(req, http.StatusServiceUnavailable, `{"error":{"message":"busy"}}`), nil
			}
			return newTextResponse(req, http.StatusOK, "finally"), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary")
	req.Hooks = rec.hooks()

	out, err := client.Do(context.Background(), req, parseText)
	if err != nil {
		t.Fatalf("Do() error: %v", err)
	}
	if out.Text != "finally" {
		t.Fatalf("Expected final response, got %q", out.Text)
	}
	if len(rec.retries) != 2 {
		t.Fatalf("Expected 2 retry notices, got %d", len(rec.retries))
	}
	if rec.retries[0].Attempt != 1 || rec.retries[1].Attempt != 2 || rec.retries[1].Max != 2 {
		t.Fatalf("Unexpected retry notices: %+v", rec.retries)
	}
	if rec.attempts != 3 {
		t.Fatalf("Expected an attempt start per send, got %d", rec.attempts)
	}
}

func TestClientDo_ExhaustedRetriesReturnAPIError(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(1),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return newTextResponse(req, http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`), nil
		}),
	}

	_, err := client.Do(context.Background(), testRequest("sk-primary"), parseText)
	var apiErr *ai.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusTooManyRequests || apiErr.Message != "slow down" {
		t.Fatalf("Unexpected api error: %+v", apiErr)
	}
	if calls.Load() != 2 {
		t.Fatalf("Expected 2 calls, got %d", calls.Load())
	}
}

func TestClientDo_ConfigErrorBeforeNetwork(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return newTextResponse(req, http.StatusOK, "x"), nil
		}),
	}

	_, err := client.Do(context.Background(), testRequest(), parseText)
	var cfgErr *ai.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("Expected no network calls, got %d", calls.Load())
	}
}

func TestClientDo_AbortIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return newTextResponse(req, http.StatusOK, "x"), nil
		}),
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ai.ErrConnectTimeout)

	_, err := client.Do(ctx, testRequest("sk-primary", "sk-backup"), parseText)
	var abortErr *ai.AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("Expected AbortError, got %v", err)
	}
	if abortErr.Cause != ai.AbortConnectTimeout {
		t.Fatalf("Expected connect timeout cause, got %q", abortErr.Cause)
	}
	if calls.Load() != 0 {
		t.Fatalf("Expected no calls after abort, got %d", calls.Load())
	}
}

func TestClientDo_EmptyBodyIsEmptyResponse(t *testing.T) {
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			return newTextResponse(req, http.StatusOK, "   "), nil
		}),
	}

	_, err := client.Do(context.Background(), testRequest("sk-primary", "sk-backup"), parseText)
	if !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("Expected ErrEmptyResponse, got %v", err)
	}
}

func collectStream(client *Client, ctx context.Context, req ai.Request) ([]ai.StreamEvent, error) {
	var events []ai.StreamEvent
	for ev, err := range client.Stream(ctx, req, newDataResolver) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func deltaText(events []ai.StreamEvent) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == ai.EventTextDelta {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestClientStream_Deltas(t *testing.T) {
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			body := ": ping\n\ndata: Hel\n\ndata: lo\n\ndata: [DONE]\n\n"
			return newHTTPResponse(req, http.StatusOK, "text/event-stream", strings.NewReader(body)), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary")
	req.Hooks = rec.hooks()

	events, err := collectStream(client, context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if got := deltaText(events); got != "Hello" {
		t.Fatalf("Expected Hello, got %q", got)
	}
	if events[0].Type != ai.EventPing {
		t.Fatalf("Expected leading ping, got %+v", events[0])
	}
	if events[len(events)-1].Type != ai.EventDone {
		t.Fatalf("Expected done last, got %+v", events[len(events)-1])
	}
	if rec.activity == 0 {
		t.Fatal("Expected activity hook to fire")
	}
}

func TestClientStream_PartialFailureDoesNotFallBack(t *testing.T) {
	var calls atomic.Int32
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			calls.Add(1)
			return newHTTPResponse(req, http.StatusOK, "text/event-stream", newBrokenReader("data: Hello\n\n")), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary", "sk-backup")
	req.Hooks = rec.hooks()

	events, err := collectStream(client, context.Background(), req)
	var partial *ai.PartialStreamError
	if !errors.As(err, &partial) {
		t.Fatalf("Expected PartialStreamError, got %v", err)
	}
	if partial.Emitted != 1 {
		t.Fatalf("Expected 1 emitted delta, got %d", partial.Emitted)
	}
	if got := deltaText(events); got != "Hello" {
		t.Fatalf("Expected delta before failure, got %q", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("Expected a single request, got %d", calls.Load())
	}
	if rec.fallbacks != 0 || len(rec.retries) != 0 {
		t.Fatalf("Expected no retry or fallback, got %d retries and %d fallbacks", len(rec.retries), rec.fallbacks)
	}
}

func TestClientStream_StreamErrorFallsBackBeforeDeltas(t *testing.T) {
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		Retry:    fastRetry(2),
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			body := "data: ok\n\n"
			if req.Header.Get("Authorization") == "Bearer sk-primary" {
				body = "event: error\ndata: overloaded\n\n"
			}
			return newHTTPResponse(req, http.StatusOK, "text/event-stream", strings.NewReader(body)), nil
		}),
	}
	rec := &recorder{}
	req := testRequest("sk-primary", "sk-backup")
	req.Hooks = rec.hooks()

	events, err := collectStream(client, context.Background(), req)
	if err != nil {
		t.Fatalf("Stream() error: %v", err)
	}
	if got := deltaText(events); got != "ok" {
		t.Fatalf("Expected backup text, got %q", got)
	}
	if rec.fallbacks != 1 {
		t.Fatalf("Expected one fallback, got %d", rec.fallbacks)
	}
	if len(rec.retries) != 0 {
		t.Fatalf("Expected stream errors not to be retried, got %d", len(rec.retries))
	}
	var sawFallback bool
	for _, ev := range events {
		if ev.Type == ai.EventFallbackKey {
			sawFallback = true
		}
	}
	if !sawFallback {
		t.Fatal("Expected fallback event in stream")
	}
}

func TestClientStream_EmptyStream(t *testing.T) {
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			return newHTTPResponse(req, http.StatusOK, "text/event-stream", strings.NewReader("data: [DONE]\n\n")), nil
		}),
	}

	_, err := collectStream(client, context.Background(), testRequest("sk-primary"))
	if !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestClientStream_ConsumerStop(t *testing.T) {
	client := &Client{
		Provider: "test",
		Adapter:  keyAdapter{},
		HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
			return newHTTPResponse(req, http.StatusOK, "text/event-stream", strings.NewReader("data: a\n\ndata: b\n\n")), nil
		}),
	}

	var got []ai.StreamEvent
	for ev, err := range client.Stream(context.Background(), testRequest("sk-primary"), newDataResolver) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got = append(got, ev)
		break
	}
	if len(got) != 1 || got[0].Text != "a" {
		t.Fatalf("Expected only the first delta, got %+v", got)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Bearer sk-1234567890abcd", want: "****abcd"},
		{in: "short", want: "****"},
		{in: "", want: "****"},
	}
	for _, tt := range tests {
		if got := MaskSecret(tt.in); got != tt.want {
			t.Errorf("MaskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	masked := MaskHeaders(http.Header{"X-Api-Key": {"sk-ant-abcdefgh1234"}, "Content-Type": {"application/json"}})
	if masked["X-Api-Key"] != "****1234" {
		t.Fatalf("Expected masked api key, got %q", masked["X-Api-Key"])
	}
	if masked["Content-Type"] != "application/json" {
		t.Fatalf("Expected content type untouched, got %q", masked["Content-Type"])
	}
}

func TestClientDo_BodiesLoggedOnlyAtTrace(t *testing.T) {
	tests := []struct {
		name  string
		level slog.Level
		want  bool
	}{
		{name: "debug", level: slog.LevelDebug, want: false},
		{name: "trace", level: logging.LevelTrace, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			client := &Client{
				Provider: "test",
				Adapter:  keyAdapter{},
				Retry:    fastRetry(0),
				Logger:   slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level})),
				HTTP: newTestClient(func(req *http.Request) (*http.Response, error) {
					return newTextResponse(req, http.StatusOK, "traced reply"), nil
				}),
			}

			if _, err := client.Do(context.Background(), testRequest("sk-primary"), parseText); err != nil {
				t.Fatalf("Do() error: %v", err)
			}
			out := buf.String()
			if !strings.Contains(out, "provider_request") {
				t.Fatalf("Expected request debug line, got %q", out)
			}
			for _, msg := range []string{"provider_request_body", "provider_response_body"} {
				if got := strings.Contains(out, msg); got != tt.want {
					t.Fatalf("Expected %s logged=%v, got %q", msg, tt.want, out)
				}
			}
		})
	}
}
