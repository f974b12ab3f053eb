// Package provider defines the model provider adapter used by the relay and
// builds the configured implementation.
package provider

import (
	"context"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// Provider turns a message history into a stream of generated text.
//
// Generate performs the upstream connection before returning, so connect
// failures (dial errors, non-2xx status) surface as its error and never as a
// partially consumed stream. Implementations hold no per-request state.
type Provider interface {
	// Name returns the canonical provider name (e.g., "openrouter", "openai", "ollama").
	Name() string

	Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Stream, error)
}
