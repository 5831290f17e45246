package providers

import (
	"encoding/json"
	"fmt"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/ai/transport"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/responses"
	"github.com/tidwall/gjson"
)

const responsesEndpoint = "/responses"

func init() {
	adapter := ResponsesAdapter{}
	ai.RegisterProvider(ai.ProviderInfo{
		Type:          ai.ProviderOpenAIResponses,
		Name:          "OpenAI Responses",
		Description:   "OpenAI Responses API with reasoning summaries and web search",
		DefaultAPIURL: ai.DefaultAPIURL(ai.ProviderOpenAIResponses),
		AuthMethod:    "bearer",
		RequiresKey:   true,
	}, adapter, func(deps ai.ProviderDeps) (ai.Provider, error) {
		return NewResponsesClient(deps), nil
	})
}

// ResponsesAdapter builds /responses requests.
type ResponsesAdapter struct{}

var _ ai.Adapter = ResponsesAdapter{}

// BuildRequest implements ai.Adapter.
func (a ResponsesAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	const provider = ai.ProviderOpenAIResponses
	if err := requireMessages(provider, env); err != nil {
		return ai.WireRequest{}, err
	}

	items := make(responses.ResponseInputParam, 0, len(env.Messages))
	for _, msg := range env.Messages {
		item, err := responsesInputItem(msg)
		if err != nil {
			return ai.WireRequest{}, err
		}
		items = append(items, item)
	}

	params := responses.ResponseNewParams{
		Model: openai.ResponsesModel(cfg.Model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: items},
	}
	if env.SystemInstruction != "" {
		params.Instructions = openai.String(env.SystemInstruction)
	}
	if cfg.Temperature != nil {
		params.Temperature = openai.Float(*cfg.Temperature)
	}
	if cfg.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(cfg.MaxOutputTokens))
	}

	level, thinking := effortFor(cfg.ThinkingOrDisabled())
	if thinking {
		params.Reasoning = openai.ReasoningParam{Effort: openai.ReasoningEffort(level)}
	}

	body, err := marshalBody(provider, params,
		setIf(streaming, "stream", true),
		setIf(thinking, "reasoning.summary", "auto"),
		setIf(cfg.SearchEnabled(), "tools", []map[string]any{{"type": "web_search"}}),
	)
	if err != nil {
		return ai.WireRequest{}, err
	}

	header := bearerHeader(apiKey)
	if streaming {
		header.Set("Accept", "text/event-stream")
	}
	return ai.WireRequest{
		Method: "POST",
		URL:    endpointURL(cfg.APIURL, responsesEndpoint),
		Header: header,
		Body:   body,
	}, nil
}

func responsesInputItem(msg ai.LocalMessage) (responses.ResponseInputItemUnionParam, error) {
	role := responses.EasyInputMessageRoleUser
	if msg.Role == ai.RoleAssistant {
		role = responses.EasyInputMessageRoleAssistant
	}
	if !msg.HasImages() {
		return responses.ResponseInputItemParamOfMessage(msg.Text(), role), nil
	}

	content := make(responses.ResponseInputMessageContentListParam, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Type != ai.PartImage {
			content = append(content, responses.ResponseInputContentParamOfInputText(p.Text))
			continue
		}

		img := responses.ResponseInputContentParamOfInputImage(responses.ResponseInputImageDetailAuto)
		switch p.SourceType {
		case ai.ImageSourceFileID:
			img.OfInputImage.FileID = openai.String(p.Data)
		case ai.ImageSourceURL, ai.ImageSourceDataURL, ai.ImageSourceBase64:
			url, err := ai.ImageURLOrDataURL(p)
			if err != nil {
				return responses.ResponseInputItemUnionParam{}, err
			}
			img.OfInputImage.ImageURL = openai.String(url)
		default:
			return responses.ResponseInputItemUnionParam{}, unsupportedImage(ai.ProviderOpenAIResponses, p.SourceType)
		}
		content = append(content, img)
	}
	return responses.ResponseInputItemParamOfMessage(content, role), nil
}

// ResponsesClient is the vendor client for the /responses dialect.
type ResponsesClient struct {
	vendorClient
}

var _ ai.Provider = (*ResponsesClient)(nil)

// NewResponsesClient creates a /responses client.
func NewResponsesClient(deps ai.ProviderDeps) *ResponsesClient {
	return &ResponsesClient{
		vendorClient: newVendorClient(ai.ProviderOpenAIResponses, ResponsesAdapter{}, deps,
			parseResponsesBody,
			func() transport.DeltaResolver { return responsesDeltaResolver{} },
		),
	}
}

func parseResponsesBody(body []byte) (ai.Output, error) {
	const provider = ai.ProviderOpenAIResponses
	if err := responsesFailure(body); err != nil {
		return ai.Output{}, err
	}

	var resp responses.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return ai.Output{}, fmt.Errorf("%s: parse response: %w", provider, err)
	}

	return ai.Output{
		Text:      resp.OutputText(),
		Reasoning: responsesReasoning(gjson.GetBytes(body, "output")),
	}, nil
}

func responsesReasoning(output gjson.Result) string {
	var parts []string
	for _, item := range output.Array() {
		if item.Get("type").String() != "reasoning" {
			continue
		}
		for _, summary := range item.Get("summary").Array() {
			if text := summary.Get("text").String(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

// responsesFailure reports a response whose status is failed or that
// carries an error object.
func responsesFailure(body []byte) error {
	root := gjson.ParseBytes(body)
	detail := root.Get("error")
	if detail.IsObject() {
		return &ai.StreamError{
			Provider: ai.ProviderOpenAIResponses,
			Type:     detail.Get("code").String(),
			Message:  detail.Get("message").String(),
		}
	}
	if root.Get("status").String() == "failed" {
		return &ai.StreamError{Provider: ai.ProviderOpenAIResponses, Message: "response failed"}
	}
	return nil
}

type responsesDeltaResolver struct{}

func (responsesDeltaResolver) Resolve(ev transport.Event) ([]ai.StreamEvent, bool, error) {
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, false, nil
	}

	root := gjson.ParseBytes(data)
	kind := root.Get("type").String()
	if kind == "" {
		kind = ev.Name
	}

	switch kind {
	case "response.output_text.delta":
		return []ai.StreamEvent{{Type: ai.EventTextDelta, Text: root.Get("delta").String()}}, false, nil
	case "response.reasoning_summary_text.delta", "response.reasoning_text.delta":
		return []ai.StreamEvent{{Type: ai.EventReasoning, Text: root.Get("delta").String()}}, false, nil
	case "response.completed", "response.incomplete":
		return nil, true, nil
	case "response.failed":
		return nil, false, &ai.StreamError{
			Provider: ai.ProviderOpenAIResponses,
			Type:     root.Get("response.error.code").String(),
			Message:  root.Get("response.error.message").String(),
		}
	case "error":
		return nil, false, &ai.StreamError{
			Provider: ai.ProviderOpenAIResponses,
			Type:     root.Get("code").String(),
			Message:  root.Get("message").String(),
		}
	default:
		return []ai.StreamEvent{{Type: ai.EventPing}}, false, nil
	}
}
