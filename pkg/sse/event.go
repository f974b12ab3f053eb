// Package sse decodes Server-Sent Events from an upstream byte stream. The
// OpenAI-compatible providers use it to read streaming chat completions.
//
// Only the reading side is implemented.
//
// See https://html.spec.whatwg.org/multipage/server-sent-events.html
package sse

// Event is one parsed SSE event, terminated by a blank line in the stream.
type Event struct {
	// Type is the "event:" field. Empty means the default "message" type.
	Type string

	// Data holds every "data:" line of the event joined with "\n".
	Data string

	// ID is the "id:" field, if present.
	ID string
}
