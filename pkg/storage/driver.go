// Package storage defines the conversation store used by the relay and the
// history API, and the types it persists.
package storage

import (
	"context"
)

// Driver persists conversations and their messages. Implementations are safe
// for concurrent use.
type Driver interface {
	// EnsureConversation returns the conversation a turn belongs to. When
	// req.ConversationID is set it is returned as-is with no write and no
	// existence check. Otherwise a new conversation is created for
	// req.OwnerID, titled with DeriveTitle(req.SeedTitle).
	EnsureConversation(ctx context.Context, req EnsureRequest) (*Conversation, error)

	// RecordTurn stores the user and assistant messages of a turn atomically:
	// either both are visible afterwards or neither is.
	RecordTurn(ctx context.Context, turn *Turn) error

	// GetConversation retrieves a conversation by id.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// ListConversations returns the conversations of an owner, newest first.
	ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error)

	// Messages returns the messages of a conversation in insertion order.
	Messages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close closes the store and releases any resources.
	Close() error
}
