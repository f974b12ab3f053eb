// Package openrouter configures the OpenAI-compatible provider for
// OpenRouter, the relay's default upstream.
package openrouter

import (
	"net/http"

	"github.com/papercomputeco/chatrelay/pkg/llm/provider/openai"
)

const (
	// DefaultUpstream is the OpenRouter API base URL.
	DefaultUpstream = "https://openrouter.ai/api/v1"

	// DefaultModel is the model used when neither config nor request names one.
	DefaultModel = "gryphe/mythomax-l2-13b"

	defaultTitle = "chatrelay"
)

// Config configures the OpenRouter provider. Referer and Title populate the
// HTTP-Referer and X-Title attribution headers.
type Config struct {
	Upstream   string
	Model      string
	APIKey     string
	Referer    string
	Title      string
	HTTPClient *http.Client
}

// New returns an OpenAI-compatible provider pointed at OpenRouter.
func New(cfg Config) *openai.Provider {
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstream
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}

	headers := map[string]string{"X-Title": cfg.Title}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}

	return openai.New(openai.Config{
		Name:       "openrouter",
		Upstream:   cfg.Upstream,
		Model:      cfg.Model,
		APIKey:     cfg.APIKey,
		Headers:    headers,
		HTTPClient: cfg.HTTPClient,
	})
}
