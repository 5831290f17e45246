package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"talkstream/pkg/ai"
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

func newTextResponse(req *http.Request, status int, body string) *http.Response {
	return newHTTPResponse(req, status, "application/json", strings.NewReader(body))
}

// brokenReader returns its prefix and then fails.
type brokenReader struct {
	prefix *bytes.Reader
}

func newBrokenReader(prefix string) *brokenReader {
	return &brokenReader{prefix: bytes.NewReader([]byte(prefix))}
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.prefix.Len() > 0 {
		return r.prefix.Read(p)
	}
	return 0, errors.New("connection reset by peer")
}

type keyAdapter struct{}

func (keyAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	return ai.WireRequest{
		Method: http.MethodPost,
		URL:    cfg.APIURL + "/chat",
		Header: header,
		Body:   []byte(`{"stream":` + fmt.Sprint(streaming) + `}`),
	}, nil
}

// dataResolver emits each data payload as a text delta and turns an
// "error" event into a stream error.
type dataResolver struct{}

func (dataResolver) Resolve(ev Event) ([]ai.StreamEvent, bool, error) {
	if ev.Name == "error" {
		return nil, false, &ai.StreamError{Provider: "test", Message: ev.Data}
	}
	return []ai.StreamEvent{{Type: ai.EventTextDelta, Text: ev.Data}}, false, nil
}

func newDataResolver() DeltaResolver { return dataResolver{} }

func parseText(body []byte) (ai.Output, error) {
	return ai.Output{Text: string(body)}, nil
}

func testRequest(keys ...string) ai.Request {
	cfg := ai.ProviderConfig{
		Provider: "test",
		Model:    "m",
		APIURL:   "https://api.example.com",
	}
	if len(keys) > 0 {
		cfg.APIKey = keys[0]
	}
	if len(keys) > 1 {
		cfg.BackupAPIKey = keys[1]
	}
	return ai.Request{
		Config:   cfg,
		Envelope: ai.ContextEnvelope{Messages: []ai.LocalMessage{ai.NewTextMessage(ai.RoleUser, "hi")}},
	}
}

func fastRetry(maxRetries int) ai.RetryPolicy {
	return ai.RetryPolicy{MaxRetries: maxRetries, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

// recorder counts hook calls.
type recorder struct {
	mu        sync.Mutex
	retries   []ai.RetryNotice
	fallbacks int
	attempts  int
	activity  int
}

func (r *recorder) hooks() ai.Hooks {
	return ai.Hooks{
		OnRetry: func(n ai.RetryNotice) {
			r.mu.Lock()
			r.retries = append(r.retries, n)
			r.mu.Unlock()
		},
		OnFallbackKey: func() {
			r.mu.Lock()
			r.fallbacks++
			r.mu.Unlock()
		},
		OnAttemptStart: func() {
			r.mu.Lock()
			r.attempts++
			r.mu.Unlock()
		},
		OnActivity: func() {
			r.mu.Lock()
			r.activity++
			r.mu.Unlock()
		},
	}
}
