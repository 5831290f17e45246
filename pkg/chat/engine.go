// Package chat turns a conversation history into persisted assistant
// segments. Engine is the stateless generate/generateStream core; the
// Orchestrator adds sessions, connect timeouts, cancellation and
// streaming degradation on top of it.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"

	"talkstream/pkg/ai"
	"talkstream/pkg/segment"
)

// Result is the output of a non-streaming generation.
type Result struct {
	Segments  []string
	Reasoning string
	Envelope  ai.ContextEnvelope
}

// Engine builds context windows and runs generations through the provider
// registry. It holds no per-session state and is safe for concurrent use.
type Engine struct {
	registry *ai.Registry
	deps     ai.ProviderDeps
	budget   ai.ContextBudget
	markers  []string
	diag     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRegistry selects the provider registry. It defaults to
// ai.DefaultRegistry.
func WithRegistry(r *ai.Registry) EngineOption {
	return func(e *Engine) { e.registry = r }
}

// WithHTTPClient sets the HTTP client used by vendor clients.
func WithHTTPClient(client *http.Client) EngineOption {
	return func(e *Engine) { e.deps.HTTPClient = client }
}

// WithRetryPolicy sets the per-key retry policy.
func WithRetryPolicy(policy ai.RetryPolicy) EngineOption {
	return func(e *Engine) { e.deps.Retry = policy }
}

// WithLogger sets the logger used by vendor clients.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.deps.Logger = logger }
}

// WithContextBudget sets the context window limits.
func WithContextBudget(budget ai.ContextBudget) EngineOption {
	return func(e *Engine) { e.budget = budget }
}

// WithMarkers sets the segment markers. Empty markers are ignored.
func WithMarkers(markers ...string) EngineOption {
	return func(e *Engine) { e.markers = markers }
}

// WithDiagnostics routes context window diagnostics to logger.
func WithDiagnostics(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.diag = logger }
}

// NewEngine creates an engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{
		registry: ai.DefaultRegistry,
		budget:   ai.DefaultContextBudget(),
		markers:  []string{segment.DefaultSentenceMarker, segment.DefaultSegmentMarker},
		deps:     ai.ProviderDeps{Retry: ai.DefaultRetryPolicy()},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildEnvelope runs the context window builder for cfg and history.
func (e *Engine) BuildEnvelope(cfg ai.ProviderConfig, history []ai.LocalMessage) (ai.ContextEnvelope, error) {
	return ai.BuildContextWindow(history, cfg, e.budget, e.diag)
}

// Generate runs a non-streaming generation and splits the answer into
// segments.
func (e *Engine) Generate(ctx context.Context, cfg ai.ProviderConfig, history []ai.LocalMessage, hooks ai.Hooks) (Result, error) {
	env, err := e.BuildEnvelope(cfg, history)
	if err != nil {
		return Result{}, err
	}
	return e.complete(ctx, cfg, env, hooks)
}

// GenerateStream runs a streaming generation. The sequence ends with an
// ai.EventDone event or an error.
func (e *Engine) GenerateStream(ctx context.Context, cfg ai.ProviderConfig, history []ai.LocalMessage, hooks ai.Hooks) iter.Seq2[ai.StreamEvent, error] {
	env, err := e.BuildEnvelope(cfg, history)
	if err != nil {
		return func(yield func(ai.StreamEvent, error) bool) {
			yield(ai.StreamEvent{}, err)
		}
	}
	return e.stream(ctx, cfg, env, hooks)
}

// NewSplitter returns a fresh splitter for one generation attempt.
func (e *Engine) NewSplitter() (*segment.Splitter, error) {
	return segment.New(e.markers)
}

func (e *Engine) complete(ctx context.Context, cfg ai.ProviderConfig, env ai.ContextEnvelope, hooks ai.Hooks) (Result, error) {
	provider, err := e.provider(cfg)
	if err != nil {
		return Result{}, err
	}

	out, err := provider.Generate(ctx, ai.Request{
		Config:   cfg,
		Envelope: env.WithSystemFallback(cfg),
		Hooks:    hooks,
	})
	if err != nil {
		return Result{}, err
	}

	segments, err := segment.SplitAll(out.Text, e.markers)
	if err != nil {
		return Result{}, err
	}
	if len(segments) == 0 {
		return Result{}, ai.ErrEmptyResponse
	}
	return Result{Segments: segments, Reasoning: out.Reasoning, Envelope: env}, nil
}

func (e *Engine) stream(ctx context.Context, cfg ai.ProviderConfig, env ai.ContextEnvelope, hooks ai.Hooks) iter.Seq2[ai.StreamEvent, error] {
	provider, err := e.provider(cfg)
	if err != nil {
		return func(yield func(ai.StreamEvent, error) bool) {
			yield(ai.StreamEvent{}, err)
		}
	}
	return provider.GenerateStream(ctx, ai.Request{
		Config:   cfg,
		Envelope: env.WithSystemFallback(cfg),
		Hooks:    hooks,
	})
}

func (e *Engine) provider(cfg ai.ProviderConfig) (ai.Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return e.registry.GetProvider(cfg.Provider, e.deps)
}

// endpoint resolves the request URL for diagnostics. It returns "" when the
// request cannot be built.
func (e *Engine) endpoint(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool) string {
	keys := cfg.Keys()
	if len(keys) == 0 {
		return ""
	}
	wire, err := e.registry.RouteRequest(cfg, env, streaming, keys[0])
	if err != nil {
		return ""
	}
	return wire.URL
}

// isConfigError reports whether err must stop a request before any retry or
// degradation.
func isConfigError(err error) bool {
	var cfgErr *ai.ConfigError
	return errors.As(err, &cfgErr)
}

func isAbort(err error) bool {
	var abortErr *ai.AbortError
	return errors.As(err, &abortErr)
}
