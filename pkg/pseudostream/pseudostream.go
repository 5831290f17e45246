// Package pseudostream re-paces a finished text as a typed-out rendering.
package pseudostream

import (
	"context"
	"strings"
	"time"
	"unicode"
)

const (
	// DefaultBaseDelay is the pause after every chunk.
	DefaultBaseDelay = 18 * time.Millisecond
	// SentencePause is added after a chunk that ends a sentence.
	SentencePause = 35 * time.Millisecond
	// ClausePause is added after a chunk that ends a clause or a line.
	ClausePause = 20 * time.Millisecond

	lookAhead = 8
)

var (
	sentencePunct = map[rune]bool{'.': true, '!': true, '?': true, '。': true, '！': true, '？': true, '…': true}
	clausePunct   = map[rune]bool{',': true, ';': true, ':': true, '，': true, '、': true, '；': true, '：': true, '\n': true}
)

// Chunk is one piece of rendered text and the pause that follows it.
type Chunk struct {
	Text  string
	Delay time.Duration
}

// ChunkSize returns the target chunk length, in runes, for the remaining
// text length.
func ChunkSize(remaining int) int {
	switch {
	case remaining > 1000:
		return 12
	case remaining > 500:
		return 8
	case remaining > 200:
		return 6
	case remaining > 80:
		return 4
	case remaining > 24:
		return 2
	default:
		return 1
	}
}

// Delay returns the pause after a chunk ending with last.
func Delay(base time.Duration, last rune) time.Duration {
	switch {
	case sentencePunct[last]:
		return base + SentencePause
	case clausePunct[last]:
		return base + ClausePause
	default:
		return base
	}
}

// Split cuts text into chunks. Cuts prefer the nearest punctuation or
// newline within a short look-ahead window, then the previous whitespace,
// then the raw target length.
func Split(text string, base time.Duration) []Chunk {
	runes := []rune(text)
	var chunks []Chunk
	for pos := 0; pos < len(runes); {
		remaining := len(runes) - pos
		end := pos + cutIndex(runes[pos:], ChunkSize(remaining))
		chunk := runes[pos:end]
		chunks = append(chunks, Chunk{
			Text:  string(chunk),
			Delay: Delay(base, chunk[len(chunk)-1]),
		})
		pos = end
	}
	return chunks
}

// cutIndex returns the length of the next chunk of rest, always >= 1.
func cutIndex(rest []rune, target int) int {
	if target >= len(rest) {
		return len(rest)
	}

	limit := min(len(rest), target+lookAhead)
	for i := target - 1; i < limit; i++ {
		if sentencePunct[rest[i]] || clausePunct[rest[i]] {
			return i + 1
		}
	}
	for i := target - 1; i > 0; i-- {
		if unicode.IsSpace(rest[i]) {
			return i + 1
		}
	}
	return target
}

// Result is the outcome of Run.
type Result struct {
	// Text is everything emitted so far.
	Text string
	// Interrupted is true when ctx was cancelled before the last chunk. The
	// partial text is still a valid message.
	Interrupted bool
}

// Run emits the chunks of text in order, sleeping between them. It stops
// early when ctx is cancelled.
func Run(ctx context.Context, text string, base time.Duration, emit func(Chunk)) Result {
	var rendered strings.Builder
	chunks := Split(text, base)
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			return Result{Text: rendered.String(), Interrupted: true}
		}
		rendered.WriteString(chunk.Text)
		if emit != nil {
			emit(chunk)
		}
		if i == len(chunks)-1 || chunk.Delay <= 0 {
			continue
		}

		timer := time.NewTimer(chunk.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Text: rendered.String(), Interrupted: true}
		case <-timer.C:
		}
	}
	return Result{Text: rendered.String()}
}
