package transport

import (
	"io"
	"strings"
	"testing"
)

func readAllEvents(t *testing.T, body string) []Event {
	t.Helper()
	decoder := NewSSEDecoder(strings.NewReader(body))
	var events []Event
	for {
		ev, err := decoder.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		events = append(events, ev)
	}
}

func TestSSEDecoder_Events(t *testing.T) {
	body := "event: message\ndata: a\ndata: b\n\n: keep-alive\n\ndata:[DONE]\n\ndata: tail"

	events := readAllEvents(t, body)
	if len(events) != 4 {
		t.Fatalf("Expected 4 events, got %d: %+v", len(events), events)
	}
	if events[0].Name != "message" || events[0].Data != "a\nb" {
		t.Fatalf("Unexpected first event: %+v", events[0])
	}
	if !events[1].Comment {
		t.Fatalf("Expected comment event, got %+v", events[1])
	}
	if !events[2].Done() {
		t.Fatalf("Expected done sentinel, got %+v", events[2])
	}
	if events[3].Data != "tail" {
		t.Fatalf("Expected unterminated trailing event, got %+v", events[3])
	}
}

func TestSSEDecoder_CRLFAndBlankRuns(t *testing.T) {
	body := "\r\n\r\ndata: {\"x\":1}\r\n\r\n\r\n\r\nevent: ping\r\n\r\n"

	events := readAllEvents(t, body)
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].Data != `{"x":1}` {
		t.Fatalf("Expected json payload, got %q", events[0].Data)
	}
	if events[1].Name != "ping" || events[1].Data != "" {
		t.Fatalf("Expected named event without data, got %+v", events[1])
	}
}

func TestSSEDecoder_IgnoresUnknownFields(t *testing.T) {
	events := readAllEvents(t, "id: 7\nretry: 100\ndata: kept\n\n")
	if len(events) != 1 || events[0].Data != "kept" {
		t.Fatalf("Expected one data event, got %+v", events)
	}
}

func TestSSEDecoder_ReadError(t *testing.T) {
	decoder := NewSSEDecoder(newBrokenReader("data: one\n\n"))

	ev, err := decoder.Next()
	if err != nil {
		t.Fatalf("Expected first event, got error %v", err)
	}
	if ev.Data != "one" {
		t.Fatalf("Expected data one, got %q", ev.Data)
	}
	if _, err := decoder.Next(); err == nil || err == io.EOF {
		t.Fatalf("Expected read error, got %v", err)
	}
}
