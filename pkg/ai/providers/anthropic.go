package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/ai/transport"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/tidwall/gjson"
)

const (
	anthropicAPIVersion = "2023-06-01"
	messagesEndpoint    = "/messages"
	anthropicSearchUses = 5
)

func init() {
	adapter := MessagesAdapter{}
	ai.RegisterProvider(ai.ProviderInfo{
		Type:          ai.ProviderAnthropic,
		Name:          "Anthropic",
		Description:   "Anthropic Messages API with extended thinking and web search",
		DefaultAPIURL: ai.DefaultAPIURL(ai.ProviderAnthropic),
		AuthMethod:    "x-api-key",
		RequiresKey:   true,
	}, adapter, func(deps ai.ProviderDeps) (ai.Provider, error) {
		return NewMessagesClient(deps), nil
	})
}

// MessagesAdapter builds Anthropic /messages requests.
type MessagesAdapter struct{}

var _ ai.Adapter = MessagesAdapter{}

// BuildRequest implements ai.Adapter.
func (a MessagesAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	const provider = ai.ProviderAnthropic
	if err := requireMessages(provider, env); err != nil {
		return ai.WireRequest{}, err
	}

	messages := make([]anthropic.MessageParam, 0, len(env.Messages))
	var lastRole ai.Role
	for _, msg := range env.Messages {
		blocks, err := anthropicBlocks(msg)
		if err != nil {
			return ai.WireRequest{}, err
		}
		// Consecutive turns of the same role are merged into one message.
		if len(messages) > 0 && msg.Role == lastRole {
			messages[len(messages)-1].Content = append(messages[len(messages)-1].Content, blocks...)
			continue
		}
		if msg.Role == ai.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(blocks...))
		} else {
			messages = append(messages, anthropic.NewUserMessage(blocks...))
		}
		lastRole = msg.Role
	}

	maxTokens := maxOutputTokens(cfg)
	params := anthropic.MessageNewParams{
		Model:    anthropic.Model(cfg.Model),
		Messages: messages,
	}
	if env.SystemInstruction != "" {
		params.System = []anthropic.TextBlockParam{{Text: env.SystemInstruction}}
	}

	var patches []bodyPatch
	switch t := cfg.ThinkingOrDisabled().(type) {
	case ai.ThinkingBudget:
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(t.Tokens))
		maxTokens = raiseAboveBudget(maxTokens, t.Tokens)
	case ai.ThinkingEffort:
		budget := ai.BudgetForLevel(t.Level)
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(budget))
		maxTokens = raiseAboveBudget(maxTokens, budget)
	case ai.ThinkingAdaptive:
		patches = append(patches,
			bodyPatch{path: "thinking", value: map[string]any{"type": "adaptive"}},
			setIf(t.Effort != "", "output_config.effort", string(t.Effort)),
		)
	default:
		// Extended thinking requires the default temperature.
		if cfg.Temperature != nil {
			params.Temperature = anthropic.Float(*cfg.Temperature)
		}
	}
	params.MaxTokens = int64(maxTokens)

	patches = append(patches,
		setIf(streaming, "stream", true),
		setIf(cfg.SearchEnabled(), "tools", []map[string]any{{
			"type":     "web_search_20250305",
			"name":     "web_search",
			"max_uses": anthropicSearchUses,
		}}),
	)
	body, err := marshalBody(provider, params, patches...)
	if err != nil {
		return ai.WireRequest{}, err
	}

	header := jsonHeader()
	header.Set("x-api-key", apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)
	if streaming {
		header.Set("Accept", "text/event-stream")
	}
	return ai.WireRequest{
		Method: "POST",
		URL:    endpointURL(cfg.APIURL, messagesEndpoint),
		Header: header,
		Body:   body,
	}, nil
}

func raiseAboveBudget(maxTokens, budget int) int {
	if maxTokens > budget {
		return maxTokens
	}
	return budget + maxTokens
}

func anthropicBlocks(msg ai.LocalMessage) ([]anthropic.ContentBlockParamUnion, error) {
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Type != ai.PartImage {
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
			continue
		}
		if msg.Role == ai.RoleAssistant {
			return nil, assistantImage(ai.ProviderAnthropic)
		}

		switch p.SourceType {
		case ai.ImageSourceURL:
			blocks = append(blocks, anthropic.NewImageBlock(anthropic.URLImageSourceParam{URL: p.Data}))
		case ai.ImageSourceDataURL, ai.ImageSourceBase64:
			mimeType, payload, err := ai.ImageBase64(p)
			if err != nil {
				return nil, &ai.ConfigError{Provider: ai.ProviderAnthropic, Field: "image", Message: err.Error()}
			}
			blocks = append(blocks, anthropic.NewImageBlockBase64(mimeType, payload))
		default:
			return nil, unsupportedImage(ai.ProviderAnthropic, p.SourceType)
		}
	}
	return blocks, nil
}

// MessagesClient is the vendor client for the Anthropic /messages dialect.
type MessagesClient struct {
	vendorClient
}

var _ ai.Provider = (*MessagesClient)(nil)

// NewMessagesClient creates an Anthropic client.
func NewMessagesClient(deps ai.ProviderDeps) *MessagesClient {
	return &MessagesClient{
		vendorClient: newVendorClient(ai.ProviderAnthropic, MessagesAdapter{}, deps,
			parseAnthropicMessage,
			func() transport.DeltaResolver { return anthropicDeltaResolver{} },
		),
	}
}

func parseAnthropicMessage(body []byte) (ai.Output, error) {
	if err := anthropicError(gjson.ParseBytes(body)); err != nil {
		return ai.Output{}, err
	}

	var msg anthropic.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return ai.Output{}, fmt.Errorf("%s: parse response: %w", ai.ProviderAnthropic, err)
	}

	var text, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		}
	}
	return ai.Output{Text: text.String(), Reasoning: reasoning.String()}, nil
}

func anthropicError(root gjson.Result) error {
	if root.Get("type").String() != "error" {
		return nil
	}
	return &ai.StreamError{
		Provider: ai.ProviderAnthropic,
		Type:     root.Get("error.type").String(),
		Message:  root.Get("error.message").String(),
	}
}

type anthropicDeltaResolver struct{}

func (anthropicDeltaResolver) Resolve(ev transport.Event) ([]ai.StreamEvent, bool, error) {
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, false, nil
	}
	if err := anthropicError(gjson.ParseBytes(data)); err != nil {
		return nil, false, err
	}

	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, false, nil
	}

	switch event.Type {
	case "content_block_delta":
		switch event.Delta.Type {
		case "text_delta":
			return []ai.StreamEvent{{Type: ai.EventTextDelta, Text: event.Delta.Text}}, false, nil
		case "thinking_delta":
			return []ai.StreamEvent{{Type: ai.EventReasoning, Text: event.Delta.Thinking}}, false, nil
		}
	case "message_stop":
		return nil, true, nil
	}
	return []ai.StreamEvent{{Type: ai.EventPing}}, false, nil
}
