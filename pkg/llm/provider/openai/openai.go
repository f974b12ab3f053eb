// Package openai streams chat completions from OpenAI-compatible Chat
// Completions APIs, including OpenRouter.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/sse"
)

const (
	// DefaultUpstream is the OpenAI API base URL.
	DefaultUpstream = "https://api.openai.com/v1"

	doneSentinel = "[DONE]"

	// maxErrorBody bounds how much of a failed upstream response is kept.
	maxErrorBody = 4096
)

// Config configures an OpenAI-compatible provider.
type Config struct {
	// Name is reported by Name and in errors. Defaults to "openai".
	Name string

	// Upstream is the API base URL, without the /chat/completions suffix.
	Upstream string

	// Model is used when a request does not name one.
	Model string

	APIKey string

	// Headers are added to every upstream request.
	Headers map[string]string

	HTTPClient *http.Client
}

// Provider streams completions from one OpenAI-compatible upstream.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New creates an OpenAI-compatible provider.
func New(cfg Config) *Provider {
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.Upstream == "" {
		cfg.Upstream = DefaultUpstream
	}
	cfg.Upstream = strings.TrimRight(cfg.Upstream, "/")

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{cfg: cfg, client: client}
}

func (p *Provider) Name() string {
	return p.cfg.Name
}

// Generate opens a streaming completion. The HTTP exchange up to the response
// status happens before Generate returns; the body is decoded by the stream.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Stream, error) {
	if err := req.Messages.Validate(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(req.Messages)),
		Stream:   true,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Upstream+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	for k, v := range p.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s upstream: %w", p.cfg.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &llm.UpstreamError{
			Provider:   p.cfg.Name,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) error {
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		return p.decode(ctx, resp.Body, emit)
	}), nil
}

// decode reads SSE chunks until the DONE sentinel. A stream that ends before
// the sentinel or a finish reason is reported as truncated.
func (p *Provider) decode(ctx context.Context, body io.Reader, emit llm.EmitFunc) error {
	reader := sse.NewReader(body)
	finished := false

	for {
		ev, err := reader.Next()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				if finished {
					return nil
				}
				return fmt.Errorf("%s stream ended before completion: %w", p.cfg.Name, io.ErrUnexpectedEOF)
			}
			return fmt.Errorf("reading %s stream: %w", p.cfg.Name, err)
		}

		data := strings.TrimSpace(ev.Data)
		if data == doneSentinel {
			return nil
		}
		if data == "" {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding %s chunk: %w", p.cfg.Name, err)
		}
		if chunk.Error != nil {
			return &llm.StreamError{Provider: p.cfg.Name, Message: chunk.Error.Message}
		}

		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if err := emit(choice.Delta.Content); err != nil {
				return err
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				if *choice.FinishReason == "error" {
					return &llm.StreamError{Provider: p.cfg.Name, Message: "generation finished with error"}
				}
				finished = true
			}
		}
	}
}
