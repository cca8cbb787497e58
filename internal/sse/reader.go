// Package sse parses server-sent event streams from upstream LLM providers.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// Event is one server-sent event read from an upstream provider.
type Event struct {
	Name string // value of the "event:" field, empty when absent
	Data string // "data:" lines joined with "\n"
	ID   string // value of the "id:" field, empty when absent
}

// Reader parses a server-sent event stream.
//
// Events are delimited by blank lines. A single event may arrive across
// several network reads, and a single read may carry several events; the
// bufio.Reader underneath stitches lines back together either way. Unlike
// bufio.Scanner there is no fixed maximum line length.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r in an SSE parser.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next event that carries data. It returns io.EOF once the
// stream is exhausted. A trailing event without its terminating blank line
// is still delivered before io.EOF.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		hasData bool
	)

	for {
		line, err := r.br.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return Event{}, err
		}
		eof := errors.Is(err, io.EOF)

		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			if eof {
				return Event{}, io.EOF
			}
			// Blank line with no data: reset and keep going.
			ev = Event{}
			continue
		}

		// Lines starting with a colon are comments (keep-alives).
		if !strings.HasPrefix(line, ":") {
			field, value, _ := strings.Cut(line, ":")
			value = strings.TrimPrefix(value, " ")

			switch field {
			case "event":
				ev.Name = value
			case "data":
				data = append(data, value)
				hasData = true
			case "id":
				ev.ID = value
			}
		}

		if eof {
			if hasData {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, io.EOF
		}
	}
}
