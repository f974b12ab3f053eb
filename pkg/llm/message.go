// Package llm holds the provider-agnostic types shared by the relay and the
// model provider adapters: chat messages, generation requests, and the
// fragment stream a provider hands back.
package llm

import (
	"errors"
	"fmt"
)

// Message roles accepted in a history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

var (
	// ErrEmptyHistory is returned when a history has no messages.
	ErrEmptyHistory = errors.New("history is empty")

	// ErrLastMessageNotUser is returned when the final message of a history
	// was not written by the user.
	ErrLastMessageNotUser = errors.New("last message must have role user")
)

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is the ordered message list submitted with a turn.
type History []Message

// ValidRole reports whether role is one a history may contain.
func ValidRole(role string) bool {
	switch role {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Validate checks that h can be sent to a provider: it must be non-empty,
// contain only known roles, and end with a user message.
func (h History) Validate() error {
	if len(h) == 0 {
		return ErrEmptyHistory
	}
	for i, m := range h {
		if !ValidRole(m.Role) {
			return fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
	}
	if h[len(h)-1].Role != RoleUser {
		return ErrLastMessageNotUser
	}
	return nil
}

// Clone returns a copy of h that shares no backing array with it.
func (h History) Clone() History {
	if h == nil {
		return nil
	}
	out := make(History, len(h))
	copy(out, h)
	return out
}

// FirstUserContent returns the content of the earliest user message, or ""
// when there is none.
func (h History) FirstUserContent() string {
	for _, m := range h {
		if m.Role == RoleUser {
			return m.Content
		}
	}
	return ""
}

// LastUserContent returns the content of the latest user message, or ""
// when there is none.
func (h History) LastUserContent() string {
	for i := len(h) - 1; i >= 0; i-- {
		if h[i].Role == RoleUser {
			return h[i].Content
		}
	}
	return ""
}
