package providers

import (
	"net/http"
	"strings"

	"talkstream/pkg/ai"
)

func init() {
	adapter := ChatCompletionsAdapter{Provider: ai.ProviderOpenRouter}
	ai.RegisterProvider(ai.ProviderInfo{
		Type:          ai.ProviderOpenRouter,
		Name:          "OpenRouter",
		Description:   "OpenRouter chat completions with reasoning and web plugin support",
		DefaultAPIURL: ai.DefaultAPIURL(ai.ProviderOpenRouter),
		AuthMethod:    "bearer",
		RequiresKey:   true,
	}, adapter, func(deps ai.ProviderDeps) (ai.Provider, error) {
		return NewChatCompletionsClient(adapter, deps), nil
	})
}

// openRouterPatches returns the OpenRouter specific body fields: the unified
// reasoning object and the web plugin.
func openRouterPatches(cfg ai.ProviderConfig, thinking ai.ThinkingSetting) []bodyPatch {
	var patches []bodyPatch
	switch t := thinking.(type) {
	case ai.ThinkingBudget:
		patches = append(patches, bodyPatch{path: "reasoning.max_tokens", value: t.Tokens})
	case ai.ThinkingEffort, ai.ThinkingAdaptive:
		level, _ := effortFor(t)
		patches = append(patches, bodyPatch{path: "reasoning.effort", value: string(level)})
	}
	patches = append(patches, setIf(cfg.SearchEnabled(), "plugins", []map[string]any{{"id": "web"}}))
	return patches
}

func setOpenRouterHeaders(h http.Header, cfg ai.ProviderConfig) {
	if referer := strings.TrimSpace(cfg.HTTPReferer); referer != "" {
		h.Set("HTTP-Referer", referer)
	}
	if title := strings.TrimSpace(cfg.XTitle); title != "" {
		h.Set("X-Title", title)
	}
}
