package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMaxContextTokens   = 32000
	DefaultMaxContextMessages = 40

	minTokenBudget = 1024
)

// ContextBudget bounds the history sent with one request.
type ContextBudget struct {
	MaxContextTokens   int
	MaxContextMessages int
}

// DefaultContextBudget returns the budget used when none is configured.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxContextTokens:   DefaultMaxContextTokens,
		MaxContextMessages: DefaultMaxContextMessages,
	}
}

// ContextEnvelope is the bounded, provider-ready payload built for one
// generation attempt. It is not modified after construction.
type ContextEnvelope struct {
	SystemInstruction  string
	Messages           []LocalMessage
	TokenCount         int
	InputBudgetTokens  int
	IsTrimmed          bool
	MaxContextMessages int
}

// WithSystemFallback returns a copy of env whose system instruction falls
// back to the config's system prompt when empty.
func (env ContextEnvelope) WithSystemFallback(cfg ProviderConfig) ContextEnvelope {
	if strings.TrimSpace(env.SystemInstruction) == "" {
		env.SystemInstruction = strings.TrimSpace(cfg.SystemPrompt)
	}
	return env
}

// InputBudget splits maxContextTokens into the part available for input,
// reserving max(1024, 20%) for the response.
func InputBudget(maxContextTokens int) int {
	reserve := max(minTokenBudget, maxContextTokens/5)
	return max(minTokenBudget, maxContextTokens-reserve)
}

// BuildContextWindow selects the newest history that fits the budget. The
// result keeps the original relative order. diag receives diagnostics when
// non-nil. An image with an unknown source type fails the build with a
// *ConfigError.
func BuildContextWindow(history []LocalMessage, cfg ProviderConfig, budget ContextBudget, diag *slog.Logger) (ContextEnvelope, error) {
	if budget.MaxContextTokens <= 0 {
		budget.MaxContextTokens = DefaultMaxContextTokens
	}

	env := ContextEnvelope{
		SystemInstruction:  strings.TrimSpace(cfg.SystemPrompt),
		InputBudgetTokens:  InputBudget(budget.MaxContextTokens),
		MaxContextMessages: budget.MaxContextMessages,
	}

	messages, err := NormalizeHistory(history, diag)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) && cfgErr.Provider == "" {
			cfgErr.Provider = cfg.Provider
		}
		return ContextEnvelope{}, err
	}
	if budget.MaxContextMessages > 0 && len(messages) > budget.MaxContextMessages {
		messages = messages[len(messages)-budget.MaxContextMessages:]
		env.IsTrimmed = true
	}
	if len(messages) == 0 {
		logContextWindow(diag, env, len(history))
		return env, nil
	}

	newest := messages[len(messages)-1]
	newestCost := EstimateMessageTokens(newest)
	if newestCost > env.InputBudgetTokens {
		truncated := truncateMessage(newest, env.InputBudgetTokens)
		env.Messages = []LocalMessage{truncated}
		env.TokenCount = EstimateMessageTokens(truncated)
		env.IsTrimmed = true
		if diag != nil {
			diag.Debug("context_window_truncated_newest",
				"original_tokens", newestCost,
				"kept_tokens", env.TokenCount,
				"budget", env.InputBudgetTokens,
			)
		}
		logContextWindow(diag, env, len(history))
		return env, nil
	}

	start := len(messages) - 1
	total := newestCost
	for i := len(messages) - 2; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if total+cost > env.InputBudgetTokens {
			env.IsTrimmed = true
			break
		}
		total += cost
		start = i
	}

	env.Messages = append([]LocalMessage(nil), messages[start:]...)
	env.TokenCount = total
	logContextWindow(diag, env, len(history))
	return env, nil
}

func logContextWindow(diag *slog.Logger, env ContextEnvelope, historyLen int) {
	if diag == nil {
		return
	}
	diag.Debug("context_window_built",
		"history", historyLen,
		"kept", len(env.Messages),
		"tokens", env.TokenCount,
		"budget", env.InputBudgetTokens,
		"trimmed", env.IsTrimmed,
	)
}

// truncateMessage keeps every image and the longest text prefix whose cost
// fits budget. Parts keep their order; text parts past the cut are dropped
// and the part holding the cut is shortened. At least one rune survives when
// the message had text.
func truncateMessage(msg LocalMessage, budget int) LocalMessage {
	textRunes := 0
	hasImages := false
	for _, p := range msg.Parts {
		if p.Type == PartImage {
			hasImages = true
			continue
		}
		textRunes += utf8.RuneCountInString(p.Text)
	}

	build := func(n int) LocalMessage {
		out := LocalMessage{Role: msg.Role, TurnID: msg.TurnID, Meta: msg.Meta}
		for _, p := range msg.Parts {
			if p.Type == PartImage {
				out.Parts = append(out.Parts, p)
				continue
			}
			if n <= 0 {
				continue
			}
			runes := []rune(p.Text)
			if len(runes) > n {
				p.Text = string(runes[:n])
			}
			n -= len(runes)
			out.Parts = append(out.Parts, p)
		}
		return out
	}

	lo, hi := 0, textRunes
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if EstimateMessageTokens(build(mid)) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 && !hasImages && textRunes > 0 {
		lo = 1
	}
	return build(lo)
}

// NormalizeHistory keeps user and assistant messages, strips trailing
// sources appendices from assistant text and drops entries left empty.
// Malformed image parts are dropped and reported to diag. An image whose
// source type is set but unknown is a *ConfigError.
func NormalizeHistory(history []LocalMessage, diag *slog.Logger) ([]LocalMessage, error) {
	out := make([]LocalMessage, 0, len(history))
	for i, msg := range history {
		role := Role(strings.ToLower(strings.TrimSpace(string(msg.Role))))
		if role != RoleUser && role != RoleAssistant {
			continue
		}

		cleaned := LocalMessage{Role: role, TurnID: msg.TurnID, Meta: msg.Meta}
		for _, p := range msg.Parts {
			if role == RoleAssistant && p.Type != PartImage {
				p.Text = StripSourcesAppendix(p.Text)
			}
			if p.Type == PartImage {
				if p.SourceType != "" && !p.SourceType.Valid() {
					return nil, &ConfigError{
						Field:   "image",
						Message: fmt.Sprintf("message %d: unsupported image source type %q", i, p.SourceType),
					}
				}
				if _, err := normalizeImage(p); err != nil {
					if diag != nil {
						diag.Warn("context_window_image_dropped", "index", i, "error", err)
					}
					continue
				}
			}
			cleaned.Parts = append(cleaned.Parts, p)
		}

		normalized, ok, err := NormalizeMessage(cleaned)
		if err != nil {
			if diag != nil {
				diag.Warn("context_window_message_dropped", "index", i, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		out = append(out, normalized)
	}
	return out, nil
}

var (
	sourcesHeaderPattern = regexp.MustCompile(`(?i)^\s*(#{1,6}\s*)?(\*\*|__)?\s*(sources|references|来源|参考资料)\s*(\*\*|__)?\s*[:：]?\s*(\*\*|__)?\s*$`)
	sourcesRulePattern   = regexp.MustCompile(`^\s*(-{3,}|\*{3,}|_{3,})\s*$`)
	sourcesItemPattern   = regexp.MustCompile(`^\s*(([-*+•]|\d+[.)])\s+|\[[^\]]*\]\s*[:(]|<?https?://)`)
)

// StripSourcesAppendix removes a trailing "Sources" block: a header line
// followed only by blank lines, list items or links, optionally preceded by
// a horizontal rule.
func StripSourcesAppendix(text string) string {
	if text == "" || !utf8.ValidString(text) {
		return text
	}
	lines := strings.Split(text, "\n")

	for header := len(lines) - 1; header >= 0; header-- {
		line := lines[header]
		if sourcesHeaderPattern.MatchString(line) {
			if !onlySourceItems(lines[header+1:]) {
				return text
			}
			cut := header
			for prev := header - 1; prev >= 0; prev-- {
				if strings.TrimSpace(lines[prev]) == "" {
					continue
				}
				if sourcesRulePattern.MatchString(lines[prev]) {
					cut = prev
				}
				break
			}
			return strings.TrimRight(strings.Join(lines[:cut], "\n"), " \t\r\n")
		}
		if strings.TrimSpace(line) != "" && !sourcesItemPattern.MatchString(line) {
			return text
		}
	}
	return text
}

func onlySourceItems(lines []string) bool {
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if !sourcesItemPattern.MatchString(line) {
			return false
		}
	}
	return true
}
