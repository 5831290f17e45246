// Package segment splits a streamed model response into separate chat
// segments at sentinel markers.
package segment

import (
	"errors"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	DefaultSentenceMarker = "<SENT>"
	DefaultSegmentMarker  = "<SEG>"
)

// sentenceEnders are stripped when they appear right after a sentence
// marker, since models sometimes emit the punctuation after the marker.
var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '…': true,
}

// Splitter buffers deltas and emits the text between markers. A Splitter is
// owned by one generation attempt and is not safe for concurrent use.
type Splitter struct {
	markers        []string
	sentenceMarker string
	buf            strings.Builder
	stripLead      bool
}

// Option configures a Splitter.
type Option func(*Splitter)

// WithSentenceMarker names the marker after which leading sentence
// punctuation is dropped. It defaults to DefaultSentenceMarker.
func WithSentenceMarker(marker string) Option {
	return func(s *Splitter) { s.sentenceMarker = marker }
}

// New creates a splitter for the given markers. Empty and duplicate markers
// are ignored; at least one non-empty marker is required.
func New(markers []string, opts ...Option) (*Splitter, error) {
	seen := make(map[string]bool, len(markers))
	var unique []string
	for _, m := range markers {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		unique = append(unique, m)
	}
	if len(unique) == 0 {
		return nil, errors.New("segment: at least one non-empty marker is required")
	}
	// Longest first so a tie at the same index prefers the longer marker.
	sort.SliceStable(unique, func(i, j int) bool { return len(unique[i]) > len(unique[j]) })

	s := &Splitter{markers: unique, sentenceMarker: DefaultSentenceMarker}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewDefault creates a splitter for DefaultSentenceMarker and
// DefaultSegmentMarker.
func NewDefault() *Splitter {
	s, _ := New([]string{DefaultSentenceMarker, DefaultSegmentMarker})
	return s
}

// Push appends delta and returns the segments it completed, in order.
func (s *Splitter) Push(delta string) []string {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)

	text := s.buf.String()
	var segments []string
	for {
		if s.stripLead {
			trimmed := strings.TrimLeft(text, " \t\r\n")
			if trimmed == "" {
				// Wait for more input before deciding what follows the marker.
				break
			}
			if r, size := utf8.DecodeRuneInString(trimmed); sentenceEnders[r] {
				text = trimmed[size:]
			}
			s.stripLead = false
		}

		idx, marker := s.nextMarker(text)
		if idx < 0 {
			break
		}
		if seg := strings.TrimSpace(text[:idx]); seg != "" {
			segments = append(segments, seg)
		}
		text = text[idx+len(marker):]
		s.stripLead = marker == s.sentenceMarker
	}

	s.buf.Reset()
	s.buf.WriteString(text)
	return segments
}

// nextMarker finds the earliest marker in text. The markers are sorted
// longest first, so on equal index the longer marker wins.
func (s *Splitter) nextMarker(text string) (int, string) {
	best, bestMarker := -1, ""
	for _, m := range s.markers {
		i := strings.Index(text, m)
		if i < 0 {
			continue
		}
		if best < 0 || i < best {
			best, bestMarker = i, m
		}
	}
	return best, bestMarker
}

// Flush returns the buffered tail, trimmed, and clears the buffer. It
// returns "" when nothing is left.
func (s *Splitter) Flush() string {
	text := s.buf.String()
	s.buf.Reset()
	if s.stripLead {
		text = strings.TrimLeft(text, " \t\r\n")
		if r, size := utf8.DecodeRuneInString(text); sentenceEnders[r] {
			text = text[size:]
		}
		s.stripLead = false
	}
	return strings.TrimSpace(text)
}

// DiscardRemainder drops the buffered tail without returning it.
func (s *Splitter) DiscardRemainder() {
	s.buf.Reset()
	s.stripLead = false
}

// Buffered reports the number of bytes waiting for a marker.
func (s *Splitter) Buffered() int {
	return s.buf.Len()
}

// SplitAll splits a complete text in one call.
func SplitAll(text string, markers []string, opts ...Option) ([]string, error) {
	s, err := New(markers, opts...)
	if err != nil {
		return nil, err
	}
	segments := s.Push(text)
	if tail := s.Flush(); tail != "" {
		segments = append(segments, tail)
	}
	return segments, nil
}
