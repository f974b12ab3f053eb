package sse

import (
	"bufio"
	"io"
	"strings"
)

const (
	initialBufferSize = 64 * 1024
	maxLineSize       = 1024 * 1024
)

// Reader parses SSE events from a source io.Reader.
type Reader struct {
	scanner *bufio.Scanner

	current Event
	hasData bool
}

// NewReader returns a Reader over src.
func NewReader(src io.Reader) *Reader {
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, initialBufferSize), maxLineSize)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete event is available and returns it. It returns
// io.EOF once src is exhausted. An event left open when src ends without a
// trailing blank line is still returned.
func (r *Reader) Next() (*Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Text()

		switch {
		case line == "":
			if r.hasData {
				return r.flush(), nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		default:
			r.parseLine(line)
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if r.hasData {
		return r.flush(), nil
	}
	return nil, io.EOF
}

// parseLine applies one "field: value" line to the event being built. A
// single space after the colon is dropped; a line with no colon is a field
// with an empty value.
func (r *Reader) parseLine(line string) {
	field, value, _ := strings.Cut(line, ":")
	value = strings.TrimPrefix(value, " ")

	switch field {
	case "data":
		if r.hasData && r.current.Data != "" {
			r.current.Data += "\n"
		}
		r.current.Data += value
	case "event":
		r.current.Type = value
	case "id":
		r.current.ID = value
	default:
		// retry and unknown fields are ignored
		return
	}
	r.hasData = true
}

func (r *Reader) flush() *Event {
	ev := r.current
	r.current = Event{}
	r.hasData = false
	return &ev
}
