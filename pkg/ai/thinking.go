package ai

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ThinkingLevel is a coarse reasoning effort.
type ThinkingLevel string

const (
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// ThinkingSetting is the resolved reasoning configuration. It is one of
// ThinkingDisabled, ThinkingEffort, ThinkingBudget or ThinkingAdaptive.
type ThinkingSetting interface {
	thinkingSetting()
	String() string
}

// ThinkingDisabled sends no reasoning parameter.
type ThinkingDisabled struct{}

// ThinkingEffort requests a named effort level.
type ThinkingEffort struct {
	Level ThinkingLevel
}

// ThinkingBudget requests a fixed number of reasoning tokens.
type ThinkingBudget struct {
	Tokens int
}

// ThinkingAdaptive lets the model decide how long to think. Effort is an
// optional hint and may be empty.
type ThinkingAdaptive struct {
	Effort ThinkingLevel
}

func (ThinkingDisabled) thinkingSetting() {}
func (ThinkingEffort) thinkingSetting() {}
func (ThinkingBudget) thinkingSetting() {}
func (ThinkingAdaptive) thinkingSetting() {}

func (ThinkingDisabled) String() string { return "off" }

func (t ThinkingEffort) String() string { return string(t.Level) }

func (t ThinkingBudget) String() string { return strconv.Itoa(t.Tokens) }

func (t ThinkingAdaptive) String() string {
	if t.Effort == "" {
		return "adaptive"
	}
	return "adaptive:" + string(t.Effort)
}

var levelBudgets = map[ThinkingLevel]int{
	ThinkingLow:    1024,
	ThinkingMedium: 8192,
	ThinkingHigh:   24576,
}

// BudgetForLevel converts an effort level to a token budget.
func BudgetForLevel(level ThinkingLevel) int {
	if b, ok := levelBudgets[level]; ok {
		return b
	}
	return levelBudgets[ThinkingMedium]
}

// LevelForBudget converts a token budget to the closest effort level.
func LevelForBudget(tokens int) ThinkingLevel {
	switch {
	case tokens <= 2048:
		return ThinkingLow
	case tokens <= 12288:
		return ThinkingMedium
	default:
		return ThinkingHigh
	}
}

// ParseThinking resolves a loosely typed configuration value into a
// ThinkingSetting. Accepted inputs are nil, booleans, numbers, numeric
// strings, "off"/"none"/"disabled", "low"/"medium"/"high", "adaptive" and
// "adaptive:<level>".
func ParseThinking(v any) (ThinkingSetting, error) {
	switch val := v.(type) {
	case nil:
		return ThinkingDisabled{}, nil
	case ThinkingSetting:
		return val, nil
	case bool:
		if !val {
			return ThinkingDisabled{}, nil
		}
		return ThinkingAdaptive{}, nil
	case int:
		return budgetSetting(val)
	case int64:
		return budgetSetting(int(val))
	case float64:
		if val != math.Trunc(val) {
			return nil, fmt.Errorf("thinking budget must be a whole number, got %v", val)
		}
		return budgetSetting(int(val))
	case string:
		return parseThinkingString(val)
	default:
		return nil, fmt.Errorf("unsupported thinking value of type %T", v)
	}
}

func parseThinkingString(s string) (ThinkingSetting, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "off", "none", "disabled", "false", "0":
		return ThinkingDisabled{}, nil
	case "adaptive", "auto", "dynamic":
		return ThinkingAdaptive{}, nil
	}

	if rest, ok := strings.CutPrefix(s, "adaptive:"); ok {
		level, err := parseLevel(rest)
		if err != nil {
			return nil, err
		}
		return ThinkingAdaptive{Effort: level}, nil
	}

	if n, err := strconv.Atoi(s); err == nil {
		return budgetSetting(n)
	}

	level, err := parseLevel(s)
	if err != nil {
		return nil, err
	}
	return ThinkingEffort{Level: level}, nil
}

func parseLevel(s string) (ThinkingLevel, error) {
	switch ThinkingLevel(strings.TrimSpace(s)) {
	case ThinkingLow, "minimal":
		return ThinkingLow, nil
	case ThinkingMedium:
		return ThinkingMedium, nil
	case ThinkingHigh:
		return ThinkingHigh, nil
	default:
		return "", fmt.Errorf("unknown thinking level: %q", s)
	}
}

func budgetSetting(n int) (ThinkingSetting, error) {
	switch {
	case n == 0:
		return ThinkingDisabled{}, nil
	case n < 0:
		return nil, fmt.Errorf("thinking budget must be positive, got %d", n)
	default:
		return ThinkingBudget{Tokens: n}, nil
	}
}
