package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"talkstream/pkg/ai"

	"github.com/tidwall/gjson"
)

const modelsEndpoint = "/models"

// modelListing describes one vendor's model list endpoint.
type modelListing struct {
	query  string
	header func(cfg ai.ProviderConfig, apiKey string) http.Header
	parse  func(body []byte) ([]ai.ModelInfo, error)
}

var modelListings = map[ai.ProviderType]modelListing{
	ai.ProviderOpenAI:          {header: bearerListHeader, parse: parseOpenAIModels},
	ai.ProviderOpenAIResponses: {header: bearerListHeader, parse: parseOpenAIModels},
	ai.ProviderOpenRouter: {
		header: func(cfg ai.ProviderConfig, apiKey string) http.Header {
			h := bearerListHeader(cfg, apiKey)
			setOpenRouterHeaders(h, cfg)
			return h
		},
		parse: parseOpenAIModels,
	},
	ai.ProviderAnthropic: {
		query: "limit=1000",
		header: func(_ ai.ProviderConfig, apiKey string) http.Header {
			h := make(http.Header)
			h.Set("x-api-key", apiKey)
			h.Set("anthropic-version", anthropicAPIVersion)
			return h
		},
		parse: parseAnthropicModels,
	},
	ai.ProviderGemini: {
		query: "pageSize=1000",
		header: func(_ ai.ProviderConfig, apiKey string) http.Header {
			h := make(http.Header)
			h.Set("x-goog-api-key", apiKey)
			return h
		},
		parse: parseGeminiModels,
	},
}

func bearerListHeader(_ ai.ProviderConfig, apiKey string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+apiKey)
	return h
}

// modelsURL returns the list endpoint for base. A base that already points
// at a generate endpoint is cut back to its API root.
func modelsURL(base, query string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	for _, suffix := range []string{chatCompletionsEndpoint, responsesEndpoint, messagesEndpoint} {
		base = strings.TrimSuffix(base, suffix)
	}
	if i := strings.Index(base, "/models/"); i >= 0 {
		base = base[:i]
	}
	u := endpointURL(base, modelsEndpoint)
	if query != "" {
		u += "?" + query
	}
	return u
}

// ListModels implements ai.ModelLister. It shares the retry and backup key
// behaviour of Generate.
func (c vendorClient) ListModels(ctx context.Context, cfg ai.ProviderConfig, hooks ai.Hooks) ([]ai.ModelInfo, error) {
	provider := c.transport.Provider
	listing, ok := modelListings[provider]
	if !ok {
		return nil, &ai.ConfigError{Provider: provider, Field: "provider", Message: "model listing is not supported"}
	}

	url := modelsURL(cfg.APIURL, listing.query)
	body, err := c.transport.Fetch(ctx, cfg, hooks, func(key string) (ai.WireRequest, error) {
		return ai.WireRequest{
			Method: http.MethodGet,
			URL:    url,
			Header: listing.header(cfg, key),
		}, nil
	})
	if err != nil {
		return nil, err
	}

	models, err := listing.parse(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	ai.SortModels(models)
	return models, nil
}

func requireJSON(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("decode models response: invalid JSON")
	}
	return gjson.ParseBytes(body), nil
}

// parseOpenAIModels reads the OpenAI list shape. OpenRouter adds name,
// description, context length and pricing to each entry.
func parseOpenAIModels(body []byte) ([]ai.ModelInfo, error) {
	root, err := requireJSON(body)
	if err != nil {
		return nil, err
	}

	var models []ai.ModelInfo
	root.Get("data").ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		info := ai.ModelInfo{
			ID:            id,
			Name:          m.Get("name").String(),
			Description:   m.Get("description").String(),
			ContextLength: int(m.Get("context_length").Int()),
		}
		if pricing := m.Get("pricing"); pricing.IsObject() {
			info.Pricing = make(map[string]string)
			pricing.ForEach(func(k, v gjson.Result) bool {
				info.Pricing[k.String()] = v.String()
				return true
			})
		}
		models = append(models, info)
		return true
	})
	return models, nil
}

func parseAnthropicModels(body []byte) ([]ai.ModelInfo, error) {
	root, err := requireJSON(body)
	if err != nil {
		return nil, err
	}

	var models []ai.ModelInfo
	root.Get("data").ForEach(func(_, m gjson.Result) bool {
		if id := m.Get("id").String(); id != "" {
			models = append(models, ai.ModelInfo{ID: id, Name: m.Get("display_name").String()})
		}
		return true
	})
	return models, nil
}

// parseGeminiModels keeps models that support generateContent and strips
// the "models/" resource prefix from their names.
func parseGeminiModels(body []byte) ([]ai.ModelInfo, error) {
	root, err := requireJSON(body)
	if err != nil {
		return nil, err
	}

	var models []ai.ModelInfo
	root.Get("models").ForEach(func(_, m gjson.Result) bool {
		if methods := m.Get("supportedGenerationMethods"); methods.Exists() {
			supported := false
			for _, method := range methods.Array() {
				if method.String() == "generateContent" {
					supported = true
					break
				}
			}
			if !supported {
				return true
			}
		}
		id := strings.TrimPrefix(m.Get("name").String(), "models/")
		if id == "" {
			return true
		}
		models = append(models, ai.ModelInfo{
			ID:            id,
			Name:          m.Get("displayName").String(),
			Description:   m.Get("description").String(),
			ContextLength: int(m.Get("inputTokenLimit").Int()),
		})
		return true
	})
	return models, nil
}

var (
	_ ai.ModelLister = (*ChatCompletionsClient)(nil)
	_ ai.ModelLister = (*ResponsesClient)(nil)
	_ ai.ModelLister = (*MessagesClient)(nil)
	_ ai.ModelLister = (*GeminiClient)(nil)
)
