package segment

import (
	"reflect"
	"testing"
)

func TestSplitter_MarkersInOnePush(t *testing.T) {
	s := NewDefault()

	got := s.Push("Hello<SENT>World<SEG>Again")
	want := []string{"Hello", "World"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if tail := s.Flush(); tail != "Again" {
		t.Fatalf("Expected tail Again, got %q", tail)
	}
	if tail := s.Flush(); tail != "" {
		t.Fatalf("Expected empty second flush, got %q", tail)
	}
}

func TestSplitter_MarkerSplitAcrossPushes(t *testing.T) {
	s := NewDefault()

	var got []string
	for _, delta := range []string{"Hel", "lo<SE", "NT>Wor", "ld<S", "EG>"} {
		got = append(got, s.Push(delta)...)
	}

	want := []string{"Hello", "World"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	if s.Buffered() != 0 {
		t.Fatalf("Expected empty buffer, got %d bytes", s.Buffered())
	}
}

func TestSplitter_StripsPunctuationAfterSentenceMarker(t *testing.T) {
	s := NewDefault()

	got := s.Push("One<SENT>. Two<SENT>")
	if !reflect.DeepEqual(got, []string{"One", "Two"}) {
		t.Fatalf("Expected [One Two], got %v", got)
	}

	// The character after the marker has not arrived yet.
	if got := s.Push(" "); len(got) != 0 {
		t.Fatalf("Expected no segments, got %v", got)
	}
	s.Push("！ Three")
	if tail := s.Flush(); tail != "Three" {
		t.Fatalf("Expected Three, got %q", tail)
	}
}

func TestSplitter_SegmentMarkerKeepsPunctuation(t *testing.T) {
	segments, err := SplitAll("A<SEG>. B", []string{DefaultSentenceMarker, DefaultSegmentMarker})
	if err != nil {
		t.Fatalf("SplitAll() error: %v", err)
	}
	want := []string{"A", ". B"}
	if !reflect.DeepEqual(segments, want) {
		t.Fatalf("Expected %v, got %v", want, segments)
	}
}

func TestSplitter_SkipsBlankSegments(t *testing.T) {
	segments, err := SplitAll("<SEG>  <SEG>\n<SENT>a", []string{DefaultSentenceMarker, DefaultSegmentMarker})
	if err != nil {
		t.Fatalf("SplitAll() error: %v", err)
	}
	if !reflect.DeepEqual(segments, []string{"a"}) {
		t.Fatalf("Expected [a], got %v", segments)
	}
}

func TestSplitter_DiscardRemainder(t *testing.T) {
	s := NewDefault()

	if got := s.Push("done<SENT>partial tail"); !reflect.DeepEqual(got, []string{"done"}) {
		t.Fatalf("Expected [done], got %v", got)
	}
	if s.Buffered() == 0 {
		t.Fatal("Expected buffered tail")
	}
	s.DiscardRemainder()
	if tail := s.Flush(); tail != "" {
		t.Fatalf("Expected empty flush after discard, got %q", tail)
	}
}

func TestSplitter_LongerMarkerWinsTie(t *testing.T) {
	segments, err := SplitAll("x<SENT>y", []string{"<S", "<SENT>"})
	if err != nil {
		t.Fatalf("SplitAll() error: %v", err)
	}
	want := []string{"x", "y"}
	if !reflect.DeepEqual(segments, want) {
		t.Fatalf("Expected %v, got %v", want, segments)
	}
}

func TestSplitter_CustomSentenceMarker(t *testing.T) {
	segments, err := SplitAll("a||.b", []string{"||"}, WithSentenceMarker("||"))
	if err != nil {
		t.Fatalf("SplitAll() error: %v", err)
	}
	if !reflect.DeepEqual(segments, []string{"a", "b"}) {
		t.Fatalf("Expected [a b], got %v", segments)
	}
}

func TestNew_RequiresMarker(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("Expected error for no markers")
	}
	if _, err := New([]string{"", ""}); err == nil {
		t.Fatal("Expected error for empty markers")
	}
	if _, err := New([]string{"<SEG>", "<SEG>"}); err != nil {
		t.Fatalf("Expected duplicates to be accepted, got %v", err)
	}
}
