package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/ai/transport"

	openai "github.com/openai/openai-go/v3"
	"github.com/tidwall/gjson"
)

const chatCompletionsEndpoint = "/chat/completions"

func init() {
	adapter := ChatCompletionsAdapter{Provider: ai.ProviderOpenAI}
	ai.RegisterProvider(ai.ProviderInfo{
		Type:          ai.ProviderOpenAI,
		Name:          "OpenAI",
		Description:   "OpenAI chat completions API and compatible servers",
		DefaultAPIURL: ai.DefaultAPIURL(ai.ProviderOpenAI),
		AuthMethod:    "bearer",
		RequiresKey:   true,
	}, adapter, func(deps ai.ProviderDeps) (ai.Provider, error) {
		return NewChatCompletionsClient(adapter, deps), nil
	})
}

// ChatCompletionsAdapter builds /chat/completions requests. It serves both
// OpenAI and OpenRouter, which shares the dialect and adds a few fields.
type ChatCompletionsAdapter struct {
	Provider ai.ProviderType
}

var _ ai.Adapter = ChatCompletionsAdapter{}

// BuildRequest implements ai.Adapter.
func (a ChatCompletionsAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	if err := requireMessages(a.Provider, env); err != nil {
		return ai.WireRequest{}, err
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(env.Messages)+1)
	if env.SystemInstruction != "" {
		messages = append(messages, openai.SystemMessage(env.SystemInstruction))
	}
	for _, msg := range env.Messages {
		param, err := a.messageParam(msg)
		if err != nil {
			return ai.WireRequest{}, err
		}
		messages = append(messages, param)
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(cfg.Model),
		Messages: messages,
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxOutputTokens > 0 {
		if a.Provider == ai.ProviderOpenRouter {
			params.MaxTokens = openai.Int(int64(cfg.MaxOutputTokens))
		} else {
			params.MaxCompletionTokens = openai.Int(int64(cfg.MaxOutputTokens))
		}
	}

	patches := []bodyPatch{setIf(streaming, "stream", true)}
	thinking := cfg.ThinkingOrDisabled()
	if a.Provider == ai.ProviderOpenRouter {
		patches = append(patches, openRouterPatches(cfg, thinking)...)
	} else {
		if level, ok := effortFor(thinking); ok {
			params.ReasoningEffort = openai.ReasoningEffort(level)
		}
		patches = append(patches, setIf(cfg.SearchEnabled(), "web_search_options", map[string]any{}))
	}

	body, err := marshalBody(a.Provider, params, patches...)
	if err != nil {
		return ai.WireRequest{}, err
	}

	header := bearerHeader(apiKey)
	if streaming {
		header.Set("Accept", "text/event-stream")
	}
	if a.Provider == ai.ProviderOpenRouter {
		setOpenRouterHeaders(header, cfg)
	}

	return ai.WireRequest{
		Method: "POST",
		URL:    endpointURL(cfg.APIURL, chatCompletionsEndpoint),
		Header: header,
		Body:   body,
	}, nil
}

func (a ChatCompletionsAdapter) messageParam(msg ai.LocalMessage) (openai.ChatCompletionMessageParamUnion, error) {
	if msg.Role == ai.RoleAssistant {
		if msg.HasImages() {
			return openai.ChatCompletionMessageParamUnion{}, assistantImage(a.Provider)
		}
		return openai.AssistantMessage(msg.Text()), nil
	}

	if !msg.HasImages() {
		return openai.UserMessage(msg.Text()), nil
	}

	parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case ai.PartImage:
			url, err := a.imageURL(p)
			if err != nil {
				return openai.ChatCompletionMessageParamUnion{}, err
			}
			parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: url,
			}))
		default:
			parts = append(parts, openai.TextContentPart(p.Text))
		}
	}
	return openai.UserMessage(parts), nil
}

func (a ChatCompletionsAdapter) imageURL(p ai.Part) (string, error) {
	switch p.SourceType {
	case ai.ImageSourceURL, ai.ImageSourceDataURL, ai.ImageSourceBase64:
		return ai.ImageURLOrDataURL(p)
	default:
		return "", unsupportedImage(a.Provider, p.SourceType)
	}
}

// ChatCompletionsClient is the vendor client for the chat completions
// dialect.
type ChatCompletionsClient struct {
	vendorClient
}

var _ ai.Provider = (*ChatCompletionsClient)(nil)

// NewChatCompletionsClient creates a chat completions client for the
// adapter's provider.
func NewChatCompletionsClient(adapter ChatCompletionsAdapter, deps ai.ProviderDeps) *ChatCompletionsClient {
	provider := adapter.Provider
	return &ChatCompletionsClient{
		vendorClient: newVendorClient(provider, adapter, deps,
			func(body []byte) (ai.Output, error) { return parseChatCompletion(provider, body) },
			func() transport.DeltaResolver { return &chatDeltaResolver{provider: provider} },
		),
	}
}

func parseChatCompletion(provider ai.ProviderType, body []byte) (ai.Output, error) {
	if err := embeddedError(provider, body); err != nil {
		return ai.Output{}, err
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(body, &completion); err != nil {
		return ai.Output{}, fmt.Errorf("%s: parse response: %w", provider, err)
	}
	if len(completion.Choices) == 0 {
		return ai.Output{}, ai.ErrEmptyResponse
	}

	return ai.Output{
		Text:      completion.Choices[0].Message.Content,
		Reasoning: firstString(gjson.GetBytes(body, "choices.0.message"), "reasoning_content", "reasoning"),
	}, nil
}

type chatDeltaResolver struct {
	provider ai.ProviderType
}

func (r *chatDeltaResolver) Resolve(ev transport.Event) ([]ai.StreamEvent, bool, error) {
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, false, nil
	}
	if err := embeddedError(r.provider, data); err != nil {
		return nil, false, err
	}

	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, false, nil
	}

	var events []ai.StreamEvent
	if reasoning := firstString(gjson.GetBytes(data, "choices.0.delta"), "reasoning_content", "reasoning"); reasoning != "" {
		events = append(events, ai.StreamEvent{Type: ai.EventReasoning, Text: reasoning})
	}
	for _, choice := range chunk.Choices {
		if choice.Index != 0 || choice.Delta.Content == "" {
			continue
		}
		events = append(events, ai.StreamEvent{Type: ai.EventTextDelta, Text: choice.Delta.Content})
	}
	return events, false, nil
}

// embeddedError detects an error object returned with a 2xx status.
func embeddedError(provider ai.ProviderType, body []byte) error {
	detail := gjson.GetBytes(body, "error")
	if !detail.Exists() || detail.Type == gjson.Null {
		return nil
	}
	if detail.Type == gjson.String {
		return &ai.StreamError{Provider: provider, Message: detail.String()}
	}
	msg := detail.Get("message").String()
	if strings.TrimSpace(msg) == "" {
		msg = detail.Raw
	}
	return &ai.StreamError{
		Provider: provider,
		Type:     firstString(detail, "type", "code", "status"),
		Message:  msg,
	}
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
