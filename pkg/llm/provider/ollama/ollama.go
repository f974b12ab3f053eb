// Package ollama streams chat responses from an Ollama server's /api/chat
// endpoint.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

const (
	// DefaultUpstream is the address of a local Ollama server.
	DefaultUpstream = "http://localhost:11434"

	maxErrorBody = 4096
	maxLineSize  = 1024 * 1024
)

// Config configures an Ollama provider.
type Config struct {
	Upstream   string
	Model      string
	KeepAlive  string
	HTTPClient *http.Client
}

// Provider streams completions from one Ollama server.
type Provider struct {
	cfg    Config
	client *http.Client
}

// New creates an Ollama provider.
func New(cfg Config) *Provider {
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
	return "ollama"
}

// Generate opens a streaming chat. Connection and status failures are
// returned before any fragment is produced.
func (p *Provider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Stream, error) {
	if err := req.Messages.Validate(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := chatRequest{
		Model:     model,
		Messages:  make([]chatMessage, 0, len(req.Messages)),
		Stream:    true,
		KeepAlive: p.cfg.KeepAlive,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage(m))
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Upstream+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating upstream request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("connecting to ollama upstream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &llm.UpstreamError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) error {
		defer resp.Body.Close()
		stop := context.AfterFunc(ctx, func() { resp.Body.Close() })
		defer stop()

		return decode(ctx, resp.Body, emit)
	}), nil
}

// decode reads NDJSON lines until one reports done. Blank lines are skipped.
func decode(ctx context.Context, body io.Reader, emit llm.EmitFunc) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk chatChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("decoding ollama chunk: %w", err)
		}
		if chunk.Error != "" {
			return &llm.StreamError{Provider: "ollama", Message: chunk.Error}
		}
		if err := emit(chunk.Message.Content); err != nil {
			return err
		}
		if chunk.Done {
			return nil
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading ollama stream: %w", err)
	}
	return fmt.Errorf("ollama stream ended before done: %w", io.ErrUnexpectedEOF)
}
