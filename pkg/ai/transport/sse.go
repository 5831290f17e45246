package transport

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel is the data payload some vendors send to close a stream.
const DoneSentinel = "[DONE]"

// Event is one Server-Sent Event.
type Event struct {
	// Name is the value of the "event:" field, empty when absent.
	Name string
	// Data is every "data:" line of the event joined by "\n".
	Data string
	// Comment is true when the event carried only ":" comment lines, which
	// vendors use as keep-alives.
	Comment bool
}

// Done reports whether the event is the [DONE] sentinel.
func (e Event) Done() bool {
	return strings.TrimSpace(e.Data) == DoneSentinel
}

// SSEDecoder splits a text/event-stream body into events. Events are
// delimited by a blank line.
type SSEDecoder struct {
	r        *bufio.Reader
	name     string
	data     []string
	hasData  bool
	comments int
}

// NewSSEDecoder wraps r.
func NewSSEDecoder(r io.Reader) *SSEDecoder {
	return &SSEDecoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event. It returns io.EOF once the body ends and no
// buffered event remains. A trailing event without a final blank line is
// still returned.
func (d *SSEDecoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadString('\n')
		if err != nil && err != io.EOF {
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if ev, ok := d.take(); ok {
				return ev, nil
			}
			if err == io.EOF {
				return Event{}, io.EOF
			}
			continue
		}

		d.field(line)

		if err == io.EOF {
			if ev, ok := d.take(); ok {
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}

func (d *SSEDecoder) field(line string) {
	if strings.HasPrefix(line, ":") {
		d.comments++
		return
	}

	name, value, found := strings.Cut(line, ":")
	if !found {
		value = ""
	}
	value = strings.TrimPrefix(value, " ")

	switch name {
	case "data":
		d.data = append(d.data, value)
		d.hasData = true
	case "event":
		d.name = value
	}
}

func (d *SSEDecoder) take() (Event, bool) {
	switch {
	case d.hasData || d.name != "":
		ev := Event{Name: d.name, Data: strings.Join(d.data, "\n")}
		d.reset()
		return ev, true
	case d.comments > 0:
		d.reset()
		return Event{Comment: true}, true
	default:
		return Event{}, false
	}
}

func (d *SSEDecoder) reset() {
	d.name = ""
	d.data = d.data[:0]
	d.hasData = false
	d.comments = 0
}
