package ai

import (
	"context"
	"iter"
	"net/http"
	"strings"
	"time"
)

// ProviderType identifies a vendor wire format.
type ProviderType string

const (
	ProviderOpenAI          ProviderType = "openai"
	ProviderOpenRouter      ProviderType = "openrouter"
	ProviderOpenAIResponses ProviderType = "openai-responses"
	ProviderAnthropic       ProviderType = "anthropic"
	ProviderGemini          ProviderType = "gemini"
)

var defaultAPIURLs = map[ProviderType]string{
	ProviderOpenAI:          "https://api.openai.com/v1",
	ProviderOpenRouter:      "https://openrouter.ai/api/v1",
	ProviderOpenAIResponses: "https://api.openai.com/v1",
	ProviderAnthropic:       "https://api.anthropic.com/v1",
	ProviderGemini:          "https://generativelanguage.googleapis.com/v1beta",
}

// DefaultAPIURL returns the public endpoint of a built-in provider, or ""
// for an unknown id.
func DefaultAPIURL(p ProviderType) string {
	return defaultAPIURLs[p]
}

// SearchMode toggles vendor-side web search.
type SearchMode string

const (
	SearchOff SearchMode = "off"
	SearchOn  SearchMode = "on"
)

// ProviderConfig is an immutable per-request snapshot of everything an
// adapter and vendor client need.
type ProviderConfig struct {
	Provider        ProviderType
	Model           string
	APIURL          string
	APIKey          string
	BackupAPIKey    string
	SystemPrompt    string
	Streaming       bool
	SearchMode      SearchMode
	Thinking        ThinkingSetting
	MaxOutputTokens int
	Temperature     *float64

	// OpenRouter attribution headers.
	HTTPReferer string
	XTitle      string
}

// Validate reports configuration errors that must stop a request before any
// network I/O happens.
func (c ProviderConfig) Validate() error {
	if strings.TrimSpace(string(c.Provider)) == "" {
		return &ConfigError{Field: "provider", Message: "provider is required"}
	}
	if strings.TrimSpace(c.Model) == "" {
		return &ConfigError{Provider: c.Provider, Field: "model", Message: "model is required"}
	}
	if strings.TrimSpace(c.APIURL) == "" {
		return &ConfigError{Provider: c.Provider, Field: "api_url", Message: "api url is required"}
	}
	if len(c.Keys()) == 0 {
		return &ConfigError{Provider: c.Provider, Field: "api_key", Message: "an api key or backup api key is required"}
	}
	switch c.SearchMode {
	case "", SearchOff, SearchOn:
	default:
		return &ConfigError{Provider: c.Provider, Field: "search_mode", Message: "search mode must be off or on"}
	}
	if c.MaxOutputTokens < 0 {
		return &ConfigError{Provider: c.Provider, Field: "max_output_tokens", Message: "max output tokens must be >= 0"}
	}
	return nil
}

// Keys returns the API keys to try in order. A config with only a backup
// key uses it as the primary. Duplicate keys are tried once.
func (c ProviderConfig) Keys() []string {
	primary := strings.TrimSpace(c.APIKey)
	backup := strings.TrimSpace(c.BackupAPIKey)
	switch {
	case primary == "" && backup == "":
		return nil
	case primary == "":
		return []string{backup}
	case backup == "" || backup == primary:
		return []string{primary}
	default:
		return []string{primary, backup}
	}
}

// SearchEnabled reports whether web search should be requested.
func (c ProviderConfig) SearchEnabled() bool {
	return c.SearchMode == SearchOn
}

// ThinkingOrDisabled returns the thinking setting, treating nil as disabled.
func (c ProviderConfig) ThinkingOrDisabled() ThinkingSetting {
	if c.Thinking == nil {
		return ThinkingDisabled{}
	}
	return c.Thinking
}

// WireRequest is the vendor-specific HTTP request produced by an adapter.
type WireRequest struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Adapter maps a context envelope to one vendor's wire format. Adapters are
// pure: they perform no I/O.
type Adapter interface {
	BuildRequest(cfg ProviderConfig, env ContextEnvelope, streaming bool, apiKey string) (WireRequest, error)
}

// RetryPolicy bounds the retry sequence run for each API key.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 2,
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
	}
}

// Request is one generation request handed to a provider.
type Request struct {
	Config   ProviderConfig
	Envelope ContextEnvelope
	Hooks    Hooks
}

// Output is the result of a non-streaming generation.
type Output struct {
	Text      string
	Reasoning string
}

// Provider executes requests against one vendor, owning retry, key fallback
// and stream decoding.
type Provider interface {
	Generate(ctx context.Context, req Request) (Output, error)
	GenerateStream(ctx context.Context, req Request) iter.Seq2[StreamEvent, error]
}
