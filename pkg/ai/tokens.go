package ai

import (
	"math"
	"unicode"
)

const (
	// MessageOverheadTokens is charged once per message for role and framing.
	MessageOverheadTokens = 4
	// ImagePlaceholderTokens is charged for a message that carries only images.
	ImagePlaceholderTokens = 64
)

// EstimateTokens approximates the token count of text: CJK characters cost
// 1/1.5 token, everything else 1/4 token, rounded up. It is not a vendor
// tokenizer.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	var cjk, other int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	return int(math.Ceil(float64(cjk)/1.5 + float64(other)/4))
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r) ||
		unicode.Is(unicode.Hangul, r)
}

// EstimateMessageTokens returns the budget cost of one message.
func EstimateMessageTokens(msg LocalMessage) int {
	text := msg.Text()
	if text == "" && msg.HasImages() {
		return ImagePlaceholderTokens + MessageOverheadTokens
	}
	return EstimateTokens(text) + MessageOverheadTokens
}
