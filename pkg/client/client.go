// Package client talks to a chat relay: it submits turns, decodes the
// streamed reply as it arrives, and issues stop requests.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

const (
	headerChatID         = "X-Chat-ID"
	headerRequestID      = "X-Request-ID"
	headerIdempotencyKey = "Idempotency-Key"

	maxErrorBody = 4096
)

var (
	// ErrIncompleteStream is returned when the response body ends without the
	// terminating chunk. The relay signals success only by finishing the body,
	// so any other ending means the turn failed.
	ErrIncompleteStream = errors.New("response stream ended before completion")

	// ErrUnknownRequest is returned by Stop when the relay has no in-flight
	// turn with the given request id.
	ErrUnknownRequest = errors.New("unknown request")
)

// StatusError is returned when the relay rejects a request before streaming.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay returned status %d: %s", e.Code, e.Body)
}

// Request is one turn submitted to the relay.
type Request struct {
	Messages llm.History `json:"messages"`
	UserID   string      `json:"userId,omitempty"`
	ChatID   string      `json:"chatId,omitempty"`
	Model    string      `json:"model,omitempty"`

	// IdempotencyKey is sent as the Idempotency-Key header.
	IdempotencyKey string `json:"-"`
}

// Result describes a turn. ChatID should be sent with the next turn of the
// same conversation.
type Result struct {
	ChatID    string
	RequestID string
	Text      string
}

// FragmentFunc receives decoded text as it arrives. Returning an error stops
// the read.
type FragmentFunc func(fragment string) error

// Client is a chat relay client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New returns a Client for the relay at baseURL using http.DefaultClient.
func New(baseURL string) *Client {
	return &Client{BaseURL: baseURL}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// Response is an accepted turn whose body is still streaming.
type Response struct {
	ChatID    string
	RequestID string

	body io.ReadCloser
}

// Open submits req and returns once the relay has accepted it and sent the
// response headers. The caller must Decode or Close the Response. A
// connection that ends before the headers is reported as ErrIncompleteStream.
func (c *Client) Open(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(headerIdempotencyKey, req.IdempotencyKey)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: relay closed the connection before responding: %w", ErrIncompleteStream, err)
		}
		return nil, fmt.Errorf("sending request to relay: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	return &Response{
		ChatID:    resp.Header.Get(headerChatID),
		RequestID: resp.Header.Get(headerRequestID),
		body:      resp.Body,
	}, nil
}

// Decode reads the body to its end, handing text to onFragment (which may
// be nil) as it arrives, and closes the body. It returns everything that
// arrived. An error wrapping ErrIncompleteStream means the turn failed.
func (r *Response) Decode(onFragment FragmentFunc) (string, error) {
	defer r.body.Close()

	var text strings.Builder
	err := decode(r.body, func(fragment string) error {
		text.WriteString(fragment)
		if onFragment != nil {
			return onFragment(fragment)
		}
		return nil
	})
	return text.String(), err
}

// Close abandons the body. The relay sees a disconnect and cancels the turn.
func (r *Response) Close() error {
	return r.body.Close()
}

// Send submits req and streams the reply to onFragment, which may be nil.
//
// The returned Result is non-nil once the relay has accepted the request,
// including when the stream ends early; in that case the error wraps
// ErrIncompleteStream and Result.Text holds what arrived.
func (c *Client) Send(ctx context.Context, req Request, onFragment FragmentFunc) (*Result, error) {
	resp, err := c.Open(ctx, req)
	if err != nil {
		return nil, err
	}

	text, err := resp.Decode(onFragment)
	return &Result{
		ChatID:    resp.ChatID,
		RequestID: resp.RequestID,
		Text:      text,
	}, err
}

// Stop asks the relay to cancel the in-flight turn with requestID.
func (c *Client) Stop(ctx context.Context, requestID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint("/api/chat/"+url.PathEscape(requestID)), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending stop request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrUnknownRequest
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}
}

// decode reads r to the end and hands complete UTF-8 text to emit. A
// multi-byte sequence split across reads is held back until the rest of it
// arrives.
func decode(r io.Reader, emit FragmentFunc) error {
	buf := make([]byte, 4096)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			cut := completePrefix(pending)
			if cut > 0 {
				if emitErr := emit(string(pending[:cut])); emitErr != nil {
					return emitErr
				}
				pending = append(pending[:0], pending[cut:]...)
			}
		}
		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				return emit(string(pending))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %w", ErrIncompleteStream, err)
		}
	}
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
