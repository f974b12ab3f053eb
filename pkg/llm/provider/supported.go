package provider

import (
	"fmt"
	"net/http"

	"github.com/papercomputeco/chatrelay/pkg/llm/provider/ollama"
	"github.com/papercomputeco/chatrelay/pkg/llm/provider/openai"
	"github.com/papercomputeco/chatrelay/pkg/llm/provider/openrouter"
)

// Supported provider type constants
const (
	OpenRouter = "openrouter"
	OpenAI     = "openai"
	Ollama     = "ollama"
)

// Options carries the settings shared by every provider type. Empty fields
// fall back to the provider's own defaults.
type Options struct {
	Upstream   string
	Model      string
	APIKey     string
	Referer    string
	HTTPClient *http.Client
}

// SupportedProviders returns the list of all supported provider type names.
func SupportedProviders() []string {
	return []string{OpenRouter, OpenAI, Ollama}
}

// New creates a new Provider instance for the given provider type.
// Returns an error if the provider type is not recognized.
func New(providerType string, opts Options) (Provider, error) {
	switch providerType {
	case OpenRouter:
		return openrouter.New(openrouter.Config{
			Upstream:   opts.Upstream,
			Model:      opts.Model,
			APIKey:     opts.APIKey,
			Referer:    opts.Referer,
			HTTPClient: opts.HTTPClient,
		}), nil
	case OpenAI:
		return openai.New(openai.Config{
			Upstream:   opts.Upstream,
			Model:      opts.Model,
			APIKey:     opts.APIKey,
			HTTPClient: opts.HTTPClient,
		}), nil
	case Ollama:
		return ollama.New(ollama.Config{
			Upstream:   opts.Upstream,
			Model:      opts.Model,
			HTTPClient: opts.HTTPClient,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider type: %q (supported: %v)", providerType, SupportedProviders())
	}
}
