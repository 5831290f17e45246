package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/ai/transport"

	"github.com/tidwall/sjson"
)

const defaultMaxOutputTokens = 4096

// vendorClient is the shared ai.Provider implementation. Each dialect
// contributes its response parser and delta resolver.
type vendorClient struct {
	transport   *transport.Client
	parse       transport.ResponseParser
	newResolver func() transport.DeltaResolver
}

func newVendorClient(provider ai.ProviderType, adapter ai.Adapter, deps ai.ProviderDeps, parse transport.ResponseParser, newResolver func() transport.DeltaResolver) vendorClient {
	return vendorClient{
		transport: &transport.Client{
			Provider: provider,
			Adapter:  adapter,
			HTTP:     deps.HTTPClient,
			Retry:    deps.Retry,
			Logger:   deps.Logger,
		},
		parse:       parse,
		newResolver: newResolver,
	}
}

// Generate sends a non-streaming request.
func (c vendorClient) Generate(ctx context.Context, req ai.Request) (ai.Output, error) {
	return c.transport.Do(ctx, req, c.parse)
}

// GenerateStream sends a streaming request.
func (c vendorClient) GenerateStream(ctx context.Context, req ai.Request) iter.Seq2[ai.StreamEvent, error] {
	return c.transport.Stream(ctx, req, c.newResolver)
}

// endpointURL appends suffix to base unless base already ends with it.
func endpointURL(base, suffix string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if strings.HasSuffix(base, suffix) {
		return base
	}
	return base + suffix
}

func jsonHeader() http.Header {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return h
}

func bearerHeader(apiKey string) http.Header {
	h := jsonHeader()
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

func unsupportedImage(provider ai.ProviderType, source ai.ImageSource) error {
	return &ai.ConfigError{
		Provider: provider,
		Field:    "image",
		Message:  fmt.Sprintf("image source %q is not supported by %s", source, provider),
	}
}

func assistantImage(provider ai.ProviderType) error {
	return &ai.ConfigError{
		Provider: provider,
		Field:    "image",
		Message:  fmt.Sprintf("%s does not accept images in assistant messages", provider),
	}
}

func requireMessages(provider ai.ProviderType, env ai.ContextEnvelope) error {
	if len(env.Messages) == 0 {
		return &ai.ConfigError{Provider: provider, Field: "messages", Message: "at least one user or assistant message is required"}
	}
	return nil
}

// marshalBody encodes an SDK params value and applies sjson patches in
// order.
func marshalBody(provider ai.ProviderType, params any, patches ...bodyPatch) ([]byte, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", provider, err)
	}
	for _, p := range patches {
		if p.skip {
			continue
		}
		body, err = sjson.SetBytes(body, p.path, p.value)
		if err != nil {
			return nil, fmt.Errorf("%s: set %s: %w", provider, p.path, err)
		}
	}
	return body, nil
}

type bodyPatch struct {
	path  string
	value any
	skip  bool
}

func setIf(cond bool, path string, value any) bodyPatch {
	return bodyPatch{path: path, value: value, skip: !cond}
}

func maxOutputTokens(cfg ai.ProviderConfig) int {
	if cfg.MaxOutputTokens > 0 {
		return cfg.MaxOutputTokens
	}
	return defaultMaxOutputTokens
}

// effortFor maps any enabled thinking setting to an effort level.
func effortFor(t ai.ThinkingSetting) (ai.ThinkingLevel, bool) {
	switch v := t.(type) {
	case ai.ThinkingEffort:
		return v.Level, true
	case ai.ThinkingBudget:
		return ai.LevelForBudget(v.Tokens), true
	case ai.ThinkingAdaptive:
		if v.Effort == "" {
			return ai.ThinkingMedium, true
		}
		return v.Effort, true
	default:
		return "", false
	}
}
