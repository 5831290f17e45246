package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"reflect"
	"testing"
	"time"

	"talkstream/pkg/ai"
	_ "talkstream/pkg/ai/providers"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripperFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func newHTTPResponse(req *http.Request, status int, contentType string, body io.Reader) *http.Response {
	resp := &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(body),
		Request:    req,
	}
	if contentType != "" {
		resp.Header.Set("Content-Type", contentType)
	}
	return resp
}

type brokenReader struct {
	prefix *bytes.Reader
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.prefix.Len() > 0 {
		return r.prefix.Read(p)
	}
	return 0, errors.New("connection reset by peer")
}

// scriptedProvider replays canned results without any network.
type scriptedProvider struct {
	generate func(ctx context.Context, req ai.Request) (ai.Output, error)
	stream   func(ctx context.Context, req ai.Request) iter.Seq2[ai.StreamEvent, error]
}

func (p *scriptedProvider) Generate(ctx context.Context, req ai.Request) (ai.Output, error) {
	if p.generate == nil {
		return ai.Output{}, errors.New("generate not scripted")
	}
	return p.generate(ctx, req)
}

func (p *scriptedProvider) GenerateStream(ctx context.Context, req ai.Request) iter.Seq2[ai.StreamEvent, error] {
	if p.stream == nil {
		return func(yield func(ai.StreamEvent, error) bool) {
			yield(ai.StreamEvent{}, errors.New("stream not scripted"))
		}
	}
	return p.stream(ctx, req)
}

type scriptedAdapter struct{}

func (scriptedAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	return ai.WireRequest{Method: http.MethodPost, URL: cfg.APIURL + "/scripted"}, nil
}

const scriptedType ai.ProviderType = "scripted"

func scriptedRegistry(p *scriptedProvider) *ai.Registry {
	r := ai.NewRegistry()
	r.Register(ai.ProviderInfo{Type: scriptedType, Name: "Scripted"}, scriptedAdapter{}, func(ai.ProviderDeps) (ai.Provider, error) {
		return p, nil
	})
	return r
}

func scriptedConfig(streaming bool) ai.ProviderConfig {
	return ai.ProviderConfig{
		Provider:  scriptedType,
		Model:     "scripted-model",
		APIURL:    "https://scripted.test/v1",
		APIKey:    "k",
		Streaming: streaming,
	}
}

// deltas streams each text as a delta and then finishes.
func deltas(texts ...string) func(context.Context, ai.Request) iter.Seq2[ai.StreamEvent, error] {
	return func(ctx context.Context, req ai.Request) iter.Seq2[ai.StreamEvent, error] {
		return func(yield func(ai.StreamEvent, error) bool) {
			for _, text := range texts {
				if !yield(ai.StreamEvent{Type: ai.EventTextDelta, Text: text}, nil) {
					return
				}
			}
			yield(ai.StreamEvent{Type: ai.EventDone}, nil)
		}
	}
}

func userHistory(text string) []ai.LocalMessage {
	return []ai.LocalMessage{ai.NewTextMessage(ai.RoleUser, text)}
}

func TestEngineGenerate_FallsBackToBackupKey(t *testing.T) {
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("Authorization") == "Bearer primary" {
			return newHTTPResponse(req, http.StatusUnauthorized, "application/json",
				bytes.NewReader([]byte(`{"error":{"message":"invalid key"}}`))), nil
		}
		return newHTTPResponse(req, http.StatusOK, "application/json", bytes.NewReader([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-test",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "ok"}, "finish_reason": "stop"}]
		}`))), nil
	})
	engine := NewEngine(
		WithHTTPClient(client),
		WithRetryPolicy(ai.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}),
	)

	var fallbacks int
	hooks := ai.Hooks{OnFallbackKey: func() { fallbacks++ }}
	cfg := ai.ProviderConfig{
		Provider:     ai.ProviderOpenAI,
		Model:        "gpt-test",
		APIURL:       "https://api.openai.test/v1",
		APIKey:       "primary",
		BackupAPIKey: "backup",
	}

	result, err := engine.Generate(context.Background(), cfg, userHistory("hello"), hooks)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !reflect.DeepEqual(result.Segments, []string{"ok"}) {
		t.Fatalf("Expected [ok], got %v", result.Segments)
	}
	if fallbacks != 1 {
		t.Fatalf("Expected exactly one fallback notice, got %d", fallbacks)
	}
}

func TestEngineGenerateStream_PartialFailureDoesNotFallBack(t *testing.T) {
	var calls int
	client := newTestClient(func(req *http.Request) (*http.Response, error) {
		calls++
		body := &brokenReader{prefix: bytes.NewReader([]byte(
			"data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":\"Hel\"}}]}\n\n",
		))}
		return newHTTPResponse(req, http.StatusOK, "text/event-stream", body), nil
	})
	engine := NewEngine(WithHTTPClient(client))

	var fallbacks int
	hooks := ai.Hooks{OnFallbackKey: func() { fallbacks++ }}
	cfg := ai.ProviderConfig{
		Provider:     ai.ProviderOpenAI,
		Model:        "gpt-test",
		APIURL:       "https://api.openai.test/v1",
		APIKey:       "primary",
		BackupAPIKey: "backup",
		Streaming:    true,
	}

	var text string
	var streamErr error
	for ev, err := range engine.GenerateStream(context.Background(), cfg, userHistory("hello"), hooks) {
		if err != nil {
			streamErr = err
			break
		}
		if ev.Type == ai.EventTextDelta {
			text += ev.Text
		}
	}

	var partial *ai.PartialStreamError
	if !errors.As(streamErr, &partial) {
		t.Fatalf("Expected PartialStreamError, got %v", streamErr)
	}
	if text != "Hel" {
		t.Fatalf("Expected the delta before the failure, got %q", text)
	}
	if calls != 1 || fallbacks != 0 {
		t.Fatalf("Expected one call and no fallback, got %d calls and %d fallbacks", calls, fallbacks)
	}
}

func TestEngineGenerate_SplitsSegments(t *testing.T) {
	provider := &scriptedProvider{generate: func(ctx context.Context, req ai.Request) (ai.Output, error) {
		return ai.Output{Text: "First.<SENT> Second<SEG>Third", Reasoning: "why"}, nil
	}}
	engine := NewEngine(WithRegistry(scriptedRegistry(provider)))

	result, err := engine.Generate(context.Background(), scriptedConfig(false), userHistory("hi"), ai.Hooks{})
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	want := []string{"First.", "Second", "Third"}
	if !reflect.DeepEqual(result.Segments, want) {
		t.Fatalf("Expected %v, got %v", want, result.Segments)
	}
	if result.Reasoning != "why" {
		t.Fatalf("Expected reasoning, got %q", result.Reasoning)
	}
	if len(result.Envelope.Messages) != 1 {
		t.Fatalf("Expected envelope with 1 message, got %d", len(result.Envelope.Messages))
	}
}

func TestEngineGenerate_MarkersOnlyIsEmpty(t *testing.T) {
	provider := &scriptedProvider{generate: func(ctx context.Context, req ai.Request) (ai.Output, error) {
		return ai.Output{Text: "<SEG> <SENT>"}, nil
	}}
	engine := NewEngine(WithRegistry(scriptedRegistry(provider)))

	_, err := engine.Generate(context.Background(), scriptedConfig(false), userHistory("hi"), ai.Hooks{})
	if !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("Expected ErrEmptyResponse, got %v", err)
	}
}

func TestEngineGenerate_ConfigErrorBeforeProvider(t *testing.T) {
	var called bool
	provider := &scriptedProvider{generate: func(ctx context.Context, req ai.Request) (ai.Output, error) {
		called = true
		return ai.Output{Text: "x"}, nil
	}}
	engine := NewEngine(WithRegistry(scriptedRegistry(provider)))
	cfg := scriptedConfig(false)
	cfg.APIKey = ""

	_, err := engine.Generate(context.Background(), cfg, userHistory("hi"), ai.Hooks{})
	if !isConfigError(err) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if called {
		t.Fatal("Expected provider not to be called")
	}
}

func TestEngineGenerateStream_UnknownImageSourceFailsFast(t *testing.T) {
	var called bool
	provider := &scriptedProvider{stream: func(ctx context.Context, req ai.Request) iter.Seq2[ai.StreamEvent, error] {
		called = true
		return deltas("x")(ctx, req)
	}}
	engine := NewEngine(WithRegistry(scriptedRegistry(provider)))
	history := []ai.LocalMessage{{
		Role: ai.RoleUser,
		Parts: []ai.Part{
			ai.TextPart("describe"),
			{Type: ai.PartImage, SourceType: "s3", Data: "s3://bucket/cat.png", MIMEType: "image/png"},
		},
	}}

	var streamErr error
	for _, err := range engine.GenerateStream(context.Background(), scriptedConfig(true), history, ai.Hooks{}) {
		if err != nil {
			streamErr = err
			break
		}
	}
	if !isConfigError(streamErr) {
		t.Fatalf("Expected ConfigError, got %v", streamErr)
	}
	if called {
		t.Fatal("Expected provider not to be called")
	}
}

func TestEngine_SystemPromptFallback(t *testing.T) {
	var gotSystem string
	provider := &scriptedProvider{generate: func(ctx context.Context, req ai.Request) (ai.Output, error) {
		gotSystem = req.Envelope.SystemInstruction
		return ai.Output{Text: "ok"}, nil
	}}
	engine := NewEngine(WithRegistry(scriptedRegistry(provider)))
	cfg := scriptedConfig(false)
	cfg.SystemPrompt = "speak plainly"

	if _, err := engine.Generate(context.Background(), cfg, userHistory("hi"), ai.Hooks{}); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if gotSystem != "speak plainly" {
		t.Fatalf("Expected system prompt, got %q", gotSystem)
	}
}

func TestEngine_CustomMarkers(t *testing.T) {
	engine := NewEngine(WithMarkers("||"))

	splitter, err := engine.NewSplitter()
	if err != nil {
		t.Fatalf("NewSplitter() error: %v", err)
	}
	if got := splitter.Push("a||b||"); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("Expected [a b], got %v", got)
	}

	if _, err := NewEngine(WithMarkers("")).NewSplitter(); err == nil {
		t.Fatal("Expected error for empty markers")
	}
}
