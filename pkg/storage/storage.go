package storage

import (
	"time"
	"unicode/utf8"
)

// TitleMaxRunes is the length, in runes, of a title derived from a seed.
const TitleMaxRunes = 50

// Conversation is one chat owned by a single user. It is created lazily on
// the first turn and never changes afterwards.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"user_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Message is one persisted chat message. IDs increase in insertion order.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"chat_id"`
	OwnerID        string    `json:"user_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Turn is the user message and the assistant reply of one completed
// exchange. It is stored as two messages in a single transaction.
type Turn struct {
	ConversationID   string
	OwnerID          string
	UserContent      string
	AssistantContent string
}

// EnsureRequest identifies the conversation a turn belongs to.
type EnsureRequest struct {
	// ConversationID reuses an existing conversation when set.
	ConversationID string

	OwnerID string

	// SeedTitle is the text a new conversation's title is derived from.
	SeedTitle string

	// CreationKey, when set, makes creation idempotent per owner: requests
	// carrying the same key resolve to the same conversation.
	CreationKey string
}

// DeriveTitle returns the first TitleMaxRunes runes of seed. The seed is not
// trimmed or otherwise sanitized.
func DeriveTitle(seed string) string {
	if utf8.RuneCountInString(seed) <= TitleMaxRunes {
		return seed
	}
	runes := 0
	for i := range seed {
		if runes == TitleMaxRunes {
			return seed[:i]
		}
		runes++
	}
	return seed
}
