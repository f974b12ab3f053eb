package llm

import "fmt"

// UpstreamError is returned by a provider when the upstream API answered the
// generation request with a non-2xx status.
type UpstreamError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s upstream returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s upstream returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// StreamError is an error reported by the upstream inside an otherwise
// successful stream.
type StreamError struct {
	Provider string
	Message  string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("%s stream error: %s", e.Provider, e.Message)
}
