package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/logging"
)

const maxErrorBodyBytes = 64 * 1024

// DeltaResolver turns the SSE events of one streaming attempt into stream
// events. A new resolver is created per attempt so vendors that send
// cumulative text can keep the assembled text between events.
type DeltaResolver interface {
	// Resolve handles one event. done ends the stream. A non-nil error is a
	// vendor error reported inside the stream.
	Resolve(ev Event) (events []ai.StreamEvent, done bool, err error)
}

// ResponseParser extracts the output of a non-streaming response body.
type ResponseParser func(body []byte) (ai.Output, error)

// Client executes wire requests for one vendor with retry and backup key
// fallback. It is safe for concurrent use.
type Client struct {
	Provider ai.ProviderType
	Adapter  ai.Adapter
	HTTP     *http.Client
	Retry    ai.RetryPolicy
	Logger   *slog.Logger
}

var errConsumerStopped = errors.New("stream consumer stopped")

// Do runs a non-streaming generation. Each key gets one bounded retry
// sequence; the backup key is tried once when the primary sequence ends in
// a vendor or transport error.
func (c *Client) Do(ctx context.Context, req ai.Request, parse ResponseParser) (ai.Output, error) {
	if err := req.Config.Validate(); err != nil {
		return ai.Output{}, err
	}

	return eachKey(c, req.Config, req.Hooks, func(key string) (ai.Output, error) {
		body, err := c.sendWithRetry(ctx, req.Hooks, func() (ai.WireRequest, error) {
			return c.build(req, false, key)
		})
		if err != nil {
			return ai.Output{}, err
		}
		out, err := parse(body)
		if err != nil {
			return ai.Output{}, err
		}
		if strings.TrimSpace(out.Text) == "" {
			return ai.Output{}, ai.ErrEmptyResponse
		}
		return out, nil
	})
}

// Fetch sends the request built for each key and returns the raw 2xx body.
// Retry and backup key handling match Do.
func (c *Client) Fetch(ctx context.Context, cfg ai.ProviderConfig, hooks ai.Hooks, build func(key string) (ai.WireRequest, error)) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return eachKey(c, cfg, hooks, func(key string) ([]byte, error) {
		return c.sendWithRetry(ctx, hooks, func() (ai.WireRequest, error) {
			return build(key)
		})
	})
}

// eachKey runs fn with the primary key and, when that fails with a fallback
// eligible error, once more with the backup key.
func eachKey[T any](c *Client, cfg ai.ProviderConfig, hooks ai.Hooks, fn func(key string) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i, key := range cfg.Keys() {
		if i > 0 {
			c.logger().Info("provider_fallback_key", "provider", c.Provider, "error", lastErr)
			hooks.FallbackKey()
		}

		out, err := fn(key)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !ai.IsFallbackEligible(err) {
			break
		}
	}
	return zero, lastErr
}

func (c *Client) sendWithRetry(ctx context.Context, hooks ai.Hooks, build func() (ai.WireRequest, error)) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		wire, err := build()
		if err != nil {
			return nil, err
		}

		body, err := c.send(ctx, wire, hooks)
		if err == nil {
			return body, nil
		}
		if !c.shouldRetry(err, attempt) {
			return nil, err
		}
		if err := c.wait(ctx, hooks, attempt, err); err != nil {
			return nil, err
		}
	}
}

// Stream runs a streaming generation. Retry and key fallback only happen
// while no text delta has been emitted; after that any failure is returned
// as *ai.PartialStreamError.
func (c *Client) Stream(ctx context.Context, req ai.Request, newResolver func() DeltaResolver) iter.Seq2[ai.StreamEvent, error] {
	return func(yield func(ai.StreamEvent, error) bool) {
		if err := req.Config.Validate(); err != nil {
			yield(ai.StreamEvent{}, err)
			return
		}

		s := &streamRun{client: c, req: req, newResolver: newResolver, yield: yield}
		keys := req.Config.Keys()
		var lastErr error
		for i, key := range keys {
			if i > 0 {
				c.logger().Info("provider_fallback_key", "provider", c.Provider, "streaming", true, "error", lastErr)
				req.Hooks.FallbackKey()
				if !yield(ai.StreamEvent{Type: ai.EventFallbackKey}, nil) {
					return
				}
			}

			err := s.runKey(ctx, key)
			if err == nil || errors.Is(err, errConsumerStopped) {
				return
			}
			lastErr = err
			if s.emitted > 0 || !ai.IsFallbackEligible(err) {
				break
			}
		}
		yield(ai.StreamEvent{}, lastErr)
	}
}

type streamRun struct {
	client      *Client
	req         ai.Request
	newResolver func() DeltaResolver
	yield       func(ai.StreamEvent, error) bool
	emitted     int
}

func (s *streamRun) runKey(ctx context.Context, key string) error {
	c := s.client
	for attempt := 0; ; attempt++ {
		wire, err := c.build(s.req, true, key)
		if err != nil {
			return err
		}

		err = s.attempt(ctx, wire)
		if err == nil || errors.Is(err, errConsumerStopped) {
			return err
		}

		var abortErr *ai.AbortError
		if errors.As(err, &abortErr) {
			return err
		}
		if s.emitted > 0 {
			return &ai.PartialStreamError{Emitted: s.emitted, Err: err}
		}
		if !c.shouldRetry(err, attempt) {
			return err
		}
		if err := c.wait(ctx, s.req.Hooks, attempt, err); err != nil {
			return err
		}
	}
}

func (s *streamRun) attempt(ctx context.Context, wire ai.WireRequest) error {
	c := s.client
	resp, err := c.open(ctx, wire, s.req.Hooks)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	resolver := s.newResolver()
	decoder := NewSSEDecoder(resp.Body)
	for {
		ev, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return c.readError(ctx, wire, err)
		}
		s.req.Hooks.Activity()

		if ev.Comment {
			if !s.yield(ai.StreamEvent{Type: ai.EventPing}, nil) {
				return errConsumerStopped
			}
			continue
		}
		if ev.Done() {
			break
		}

		events, done, err := resolver.Resolve(ev)
		if err != nil {
			return err
		}
		for _, out := range events {
			if out.Type == ai.EventTextDelta {
				if out.Text == "" {
					continue
				}
				s.emitted++
			}
			if !s.yield(out, nil) {
				return errConsumerStopped
			}
		}
		if done {
			break
		}
	}

	if err := abortErr(ctx); err != nil {
		return err
	}
	if s.emitted == 0 {
		return ai.ErrEmptyResponse
	}
	if !s.yield(ai.StreamEvent{Type: ai.EventDone}, nil) {
		return errConsumerStopped
	}
	return nil
}

func (c *Client) build(req ai.Request, streaming bool, key string) (ai.WireRequest, error) {
	if c.Adapter == nil {
		return ai.WireRequest{}, &ai.ConfigError{Provider: c.Provider, Field: "provider", Message: "no adapter registered"}
	}
	return c.Adapter.BuildRequest(req.Config, req.Envelope.WithSystemFallback(req.Config), streaming, key)
}

// send executes a non-streaming request and returns the 2xx body.
func (c *Client) send(ctx context.Context, wire ai.WireRequest, hooks ai.Hooks) ([]byte, error) {
	resp, err := c.open(ctx, wire, hooks)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.readError(ctx, wire, err)
	}
	if logging.Enabled(c.logger(), logging.LevelTrace) {
		c.logger().Log(ctx, logging.LevelTrace, "provider_response_body",
			"provider", c.Provider,
			"status", resp.StatusCode,
			"body", string(body),
		)
	}
	return body, nil
}

// open sends the request and returns a 2xx response. Non-2xx responses are
// drained into an *ai.APIError.
func (c *Client) open(ctx context.Context, wire ai.WireRequest, hooks ai.Hooks) (*http.Response, error) {
	if err := abortErr(ctx); err != nil {
		return nil, err
	}

	method := wire.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, wire.URL, bytes.NewReader(wire.Body))
	if err != nil {
		return nil, &ai.ConfigError{Provider: c.Provider, Field: "api_url", Message: fmt.Sprintf("invalid request url %q: %v", wire.URL, err)}
	}
	for name, values := range wire.Header {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	c.logger().Debug("provider_request",
		"provider", c.Provider,
		"url", wire.URL,
		"bytes", len(wire.Body),
	)
	if logging.Enabled(c.logger(), logging.LevelTrace) {
		c.logger().Log(ctx, logging.LevelTrace, "provider_request_body",
			"provider", c.Provider,
			"url", wire.URL,
			"headers", MaskHeaders(wire.Header),
			"body", string(wire.Body),
		)
	}

	hooks.AttemptStart()
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if abort := abortErr(ctx); abort != nil {
			return nil, abort
		}
		return nil, &ai.TransportError{Provider: c.Provider, Endpoint: wire.URL, Err: err}
	}
	hooks.Activity()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := ai.NewAPIError(c.Provider, wire.URL, resp.StatusCode, body)
		c.logger().Warn("provider_http_error",
			"provider", c.Provider,
			"status", resp.StatusCode,
			"message", apiErr.Message,
		)
		return nil, apiErr
	}
	return resp, nil
}

func (c *Client) readError(ctx context.Context, wire ai.WireRequest, err error) error {
	if abort := abortErr(ctx); abort != nil {
		return abort
	}
	return &ai.TransportError{Provider: c.Provider, Endpoint: wire.URL, Err: fmt.Errorf("read response: %w", err)}
}

func (c *Client) shouldRetry(err error, attempt int) bool {
	if attempt >= c.Retry.MaxRetries {
		return false
	}
	var apiErr *ai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var transportErr *ai.TransportError
	return errors.As(err, &transportErr)
}

func (c *Client) wait(ctx context.Context, hooks ai.Hooks, attempt int, cause error) error {
	delay := Backoff(c.Retry, attempt)
	c.logger().Warn("provider_retry",
		"provider", c.Provider,
		"attempt", attempt+1,
		"max", c.Retry.MaxRetries,
		"delay", delay,
		"error", cause,
	)
	hooks.Retry(ai.RetryNotice{
		Attempt: attempt + 1,
		Max:     c.Retry.MaxRetries,
		Delay:   delay,
		Err:     cause,
	})
	return Sleep(ctx, delay)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

var secretHeaders = map[string]bool{
	"Authorization":  true,
	"X-Api-Key":      true,
	"X-Goog-Api-Key": true,
}

// MaskHeaders returns a copy of h with credential values masked.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if secretHeaders[http.CanonicalHeaderKey(name)] {
			value = MaskSecret(value)
		}
		out[name] = value
	}
	return out
}

// MaskSecret keeps the last four characters of a credential.
func MaskSecret(s string) string {
	s = strings.TrimPrefix(s, "Bearer ")
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}
