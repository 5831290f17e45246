package providers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"talkstream/pkg/ai"
	"talkstream/pkg/ai/transport"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"
)

const geminiAdaptiveBudget = -1

func init() {
	adapter := GeminiAdapter{}
	ai.RegisterProvider(ai.ProviderInfo{
		Type:          ai.ProviderGemini,
		Name:          "Google Gemini",
		Description:   "Google AI Gemini API with thinking and Google Search grounding",
		DefaultAPIURL: ai.DefaultAPIURL(ai.ProviderGemini),
		AuthMethod:    "x-goog-api-key",
		RequiresKey:   true,
	}, adapter, func(deps ai.ProviderDeps) (ai.Provider, error) {
		return NewGeminiClient(deps), nil
	})
}

// geminiRequest is the REST body of generateContent. The nested types come
// from the genai SDK so field names and casing match the API.
type geminiRequest struct {
	Contents          []*genai.Content        `json:"contents"`
	SystemInstruction *genai.Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *genai.GenerationConfig `json:"generationConfig,omitempty"`
	Tools             []*genai.Tool           `json:"tools,omitempty"`
}

// GeminiAdapter builds :generateContent and :streamGenerateContent requests.
type GeminiAdapter struct{}

var _ ai.Adapter = GeminiAdapter{}

// BuildRequest implements ai.Adapter.
func (a GeminiAdapter) BuildRequest(cfg ai.ProviderConfig, env ai.ContextEnvelope, streaming bool, apiKey string) (ai.WireRequest, error) {
	const provider = ai.ProviderGemini
	if err := requireMessages(provider, env); err != nil {
		return ai.WireRequest{}, err
	}

	contents := make([]*genai.Content, 0, len(env.Messages))
	for _, msg := range env.Messages {
		parts, err := geminiParts(msg)
		if err != nil {
			return ai.WireRequest{}, err
		}
		role := genai.RoleUser
		if msg.Role == ai.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{Role: role, Parts: parts})
	}

	req := geminiRequest{Contents: contents}
	if env.SystemInstruction != "" {
		req.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: env.SystemInstruction}},
		}
	}

	genCfg := &genai.GenerationConfig{ThinkingConfig: geminiThinking(cfg.ThinkingOrDisabled())}
	if cfg.Temperature != nil {
		genCfg.Temperature = genai.Ptr(float32(*cfg.Temperature))
	}
	if cfg.MaxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(cfg.MaxOutputTokens)
	}
	if genCfg.ThinkingConfig != nil || genCfg.Temperature != nil || genCfg.MaxOutputTokens > 0 {
		req.GenerationConfig = genCfg
	}
	if cfg.SearchEnabled() {
		req.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	body, err := marshalBody(provider, req)
	if err != nil {
		return ai.WireRequest{}, err
	}

	header := jsonHeader()
	header.Set("x-goog-api-key", apiKey)
	if streaming {
		header.Set("Accept", "text/event-stream")
	}
	return ai.WireRequest{
		Method: "POST",
		URL:    geminiURL(cfg.APIURL, cfg.Model, streaming),
		Header: header,
		Body:   body,
	}, nil
}

func geminiURL(apiURL, model string, streaming bool) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	base := strings.TrimRight(strings.TrimSpace(apiURL), "/")
	base, _, _ = strings.Cut(base, "?")
	for _, method := range []string{":streamGenerateContent", ":generateContent"} {
		if strings.HasSuffix(base, method) {
			base = strings.TrimSuffix(base, method)
			break
		}
	}
	if !strings.HasSuffix(base, "/models/"+model) {
		base += "/models/" + model
	}
	if streaming {
		return base + ":streamGenerateContent?alt=sse"
	}
	return base + ":generateContent"
}

func geminiParts(msg ai.LocalMessage) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if p.Type != ai.PartImage {
			parts = append(parts, &genai.Part{Text: p.Text})
			continue
		}

		switch p.SourceType {
		case ai.ImageSourceDataURL, ai.ImageSourceBase64:
			mimeType, payload, err := ai.ImageBase64(p)
			if err != nil {
				return nil, &ai.ConfigError{Provider: ai.ProviderGemini, Field: "image", Message: err.Error()}
			}
			data, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, &ai.ConfigError{Provider: ai.ProviderGemini, Field: "image", Message: fmt.Sprintf("invalid base64 image data: %v", err)}
			}
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: mimeType}})
		case ai.ImageSourceFileURI:
			if strings.TrimSpace(p.MIMEType) == "" {
				return nil, &ai.ConfigError{Provider: ai.ProviderGemini, Field: "image", Message: fmt.Sprintf("file uri image %q requires a mime type", p.Data)}
			}
			parts = append(parts, &genai.Part{FileData: &genai.FileData{FileURI: p.Data, MIMEType: p.MIMEType}})
		default:
			return nil, unsupportedImage(ai.ProviderGemini, p.SourceType)
		}
	}
	return parts, nil
}

func geminiThinking(t ai.ThinkingSetting) *genai.ThinkingConfig {
	switch v := t.(type) {
	case ai.ThinkingEffort:
		return &genai.ThinkingConfig{IncludeThoughts: true, ThinkingLevel: geminiLevel(v.Level)}
	case ai.ThinkingBudget:
		return &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: genai.Ptr(int32(v.Tokens))}
	case ai.ThinkingAdaptive:
		return &genai.ThinkingConfig{IncludeThoughts: true, ThinkingBudget: genai.Ptr(int32(geminiAdaptiveBudget))}
	default:
		return nil
	}
}

func geminiLevel(level ai.ThinkingLevel) genai.ThinkingLevel {
	switch level {
	case ai.ThinkingLow:
		return genai.ThinkingLevelLow
	case ai.ThinkingHigh:
		return genai.ThinkingLevelHigh
	default:
		return genai.ThinkingLevelMedium
	}
}

// GeminiClient is the vendor client for the Gemini generateContent dialect.
type GeminiClient struct {
	vendorClient
}

var _ ai.Provider = (*GeminiClient)(nil)

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(deps ai.ProviderDeps) *GeminiClient {
	return &GeminiClient{
		vendorClient: newVendorClient(ai.ProviderGemini, GeminiAdapter{}, deps,
			parseGeminiBody,
			func() transport.DeltaResolver { return &geminiDeltaResolver{} },
		),
	}
}

func parseGeminiBody(body []byte) (ai.Output, error) {
	resp, err := decodeGeminiResponse(body)
	if err != nil {
		return ai.Output{}, err
	}
	text, thoughts := splitGeminiText(resp)
	return ai.Output{Text: text, Reasoning: thoughts}, nil
}

func decodeGeminiResponse(data []byte) (*genai.GenerateContentResponse, error) {
	if detail := gjson.GetBytes(data, "error"); detail.IsObject() {
		return nil, &ai.StreamError{
			Provider: ai.ProviderGemini,
			Type:     detail.Get("status").String(),
			Message:  detail.Get("message").String(),
		}
	}

	var resp genai.GenerateContentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%s: parse response: %w", ai.ProviderGemini, err)
	}
	if len(resp.Candidates) == 0 && resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		msg := resp.PromptFeedback.BlockReasonMessage
		if msg == "" {
			msg = "prompt blocked"
		}
		return nil, &ai.StreamError{
			Provider: ai.ProviderGemini,
			Type:     string(resp.PromptFeedback.BlockReason),
			Message:  msg,
		}
	}
	return &resp, nil
}

// splitGeminiText concatenates the visible and thought parts of the first
// candidate.
func splitGeminiText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil || resp.Candidates[0].Content == nil {
		return "", ""
	}

	var text, thoughts strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Text == "" {
			continue
		}
		if part.Thought {
			thoughts.WriteString(part.Text)
		} else {
			text.WriteString(part.Text)
		}
	}
	return text.String(), thoughts.String()
}

// geminiDeltaResolver turns Gemini stream chunks into deltas. Chunks may
// carry cumulative text, so each chunk is diffed against what was already
// assembled. An incremental chunk that happens to repeat the start of the
// assembled text is indistinguishable from a stale cumulative one and is
// dropped.
type geminiDeltaResolver struct {
	text     string
	thoughts string
}

func (r *geminiDeltaResolver) Resolve(ev transport.Event) ([]ai.StreamEvent, bool, error) {
	data := []byte(ev.Data)
	if !gjson.ValidBytes(data) {
		return nil, false, nil
	}
	resp, err := decodeGeminiResponse(data)
	if err != nil {
		var streamErr *ai.StreamError
		if errors.As(err, &streamErr) {
			return nil, false, err
		}
		return nil, false, nil
	}

	text, thoughts := splitGeminiText(resp)
	var events []ai.StreamEvent

	var delta string
	delta, r.thoughts = ResolveCumulative(r.thoughts, thoughts)
	if delta != "" {
		events = append(events, ai.StreamEvent{Type: ai.EventReasoning, Text: delta})
	}
	delta, r.text = ResolveCumulative(r.text, text)
	if delta != "" {
		events = append(events, ai.StreamEvent{Type: ai.EventTextDelta, Text: delta})
	}
	if len(events) == 0 {
		events = append(events, ai.StreamEvent{Type: ai.EventPing})
	}
	return events, false, nil
}

// ResolveCumulative returns the new suffix of incoming relative to
// assembled and the updated assembled text. A payload that extends the
// assembled text yields the remainder, a payload that is a prefix of it
// yields nothing, and anything else is treated as a fresh append.
func ResolveCumulative(assembled, incoming string) (delta, next string) {
	switch {
	case incoming == "":
		return "", assembled
	case strings.HasPrefix(incoming, assembled):
		return incoming[len(assembled):], incoming
	case strings.HasPrefix(assembled, incoming):
		return "", assembled
	default:
		return incoming, assembled + incoming
	}
}
