package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/papercomputeco/chatrelay/pkg/llm"
	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// ErrChatNotFound is returned when the history API does not know a chat, or
// the chat belongs to another user.
var ErrChatNotFound = errors.New("chat not found")

// HistoryClient reads recorded chats from the history API.
type HistoryClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewHistory returns a HistoryClient for the API server at baseURL.
func NewHistory(baseURL string) *HistoryClient {
	return &HistoryClient{BaseURL: baseURL}
}

type chatList struct {
	Chats []*storage.Conversation `json:"chats"`
}

type messageList struct {
	Messages []*storage.Message `json:"messages"`
}

// Chats lists the chats owned by userID, newest first.
func (h *HistoryClient) Chats(ctx context.Context, userID string) ([]*storage.Conversation, error) {
	var out chatList
	if err := h.get(ctx, "/chats?userId="+url.QueryEscape(userID), &out); err != nil {
		return nil, err
	}
	return out.Chats, nil
}

// History returns the messages of chatID as a history that can be extended
// and sent with the next turn. A non-empty userID restricts the lookup to
// chats that user owns.
func (h *HistoryClient) History(ctx context.Context, chatID, userID string) (llm.History, error) {
	path := "/chats/" + url.PathEscape(chatID) + "/messages"
	if userID != "" {
		path += "?userId=" + url.QueryEscape(userID)
	}

	var out messageList
	if err := h.get(ctx, path, &out); err != nil {
		return nil, err
	}

	history := make(llm.History, 0, len(out.Messages))
	for _, m := range out.Messages {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (h *HistoryClient) get(ctx context.Context, path string, into any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(h.BaseURL, "/")+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	hc := h.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}

	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("sending request to api: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrChatNotFound
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: string(msg)}
	}

	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
