// Package inmemory provides a map-backed storage driver. It is the default
// store and the reference the SQL drivers are tested against.
package inmemory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

type creationKey struct {
	owner string
	key   string
}

// Driver implements storage.Driver using in-memory maps.
type Driver struct {
	// mu guards every field below
	mu sync.RWMutex

	conversations map[string]*storage.Conversation

	// order holds conversation ids in creation order
	order []string

	byCreationKey map[creationKey]string

	messages map[string][]*storage.Message
	nextID   int64
}

// NewDriver creates a new in-memory driver.
func NewDriver() *Driver {
	return &Driver{
		conversations: make(map[string]*storage.Conversation),
		byCreationKey: make(map[creationKey]string),
		messages:      make(map[string][]*storage.Message),
	}
}

func (d *Driver) EnsureConversation(_ context.Context, req storage.EnsureRequest) (*storage.Conversation, error) {
	if req.ConversationID != "" {
		return &storage.Conversation{ID: req.ConversationID, OwnerID: req.OwnerID}, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if req.CreationKey != "" {
		if id, ok := d.byCreationKey[creationKey{req.OwnerID, req.CreationKey}]; ok {
			c := *d.conversations[id]
			return &c, nil
		}
	}

	c := &storage.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     storage.DeriveTitle(req.SeedTitle),
		CreatedAt: time.Now().UTC(),
	}
	d.conversations[c.ID] = c
	d.order = append(d.order, c.ID)
	if req.CreationKey != "" {
		d.byCreationKey[creationKey{req.OwnerID, req.CreationKey}] = c.ID
	}

	out := *c
	return &out, nil
}

func (d *Driver) RecordTurn(_ context.Context, turn *storage.Turn) error {
	if turn == nil || turn.ConversationID == "" {
		return storage.ErrInvalidTurn
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.conversations[turn.ConversationID]; !ok {
		return fmt.Errorf("recording turn: %w", storage.NotFoundError{ID: turn.ConversationID})
	}

	now := time.Now().UTC()
	d.nextID++
	user := &storage.Message{
		ID:             d.nextID,
		ConversationID: turn.ConversationID,
		OwnerID:        turn.OwnerID,
		Role:           "user",
		Content:        turn.UserContent,
		CreatedAt:      now,
	}
	d.nextID++
	assistant := &storage.Message{
		ID:             d.nextID,
		ConversationID: turn.ConversationID,
		OwnerID:        turn.OwnerID,
		Role:           "assistant",
		Content:        turn.AssistantContent,
		CreatedAt:      now,
	}
	d.messages[turn.ConversationID] = append(d.messages[turn.ConversationID], user, assistant)
	return nil
}

func (d *Driver) GetConversation(_ context.Context, id string) (*storage.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	c, ok := d.conversations[id]
	if !ok {
		return nil, storage.NotFoundError{ID: id}
	}
	out := *c
	return &out, nil
}

func (d *Driver) ListConversations(_ context.Context, ownerID string) ([]*storage.Conversation, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := []*storage.Conversation{}
	for _, id := range slices.Backward(d.order) {
		c := d.conversations[id]
		if c.OwnerID != ownerID {
			continue
		}
		out := *c
		result = append(result, &out)
	}
	return result, nil
}

func (d *Driver) Messages(_ context.Context, conversationID string) ([]*storage.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if _, ok := d.conversations[conversationID]; !ok {
		return nil, storage.NotFoundError{ID: conversationID}
	}

	stored := d.messages[conversationID]
	result := make([]*storage.Message, 0, len(stored))
	for _, m := range stored {
		out := *m
		result = append(result, &out)
	}
	return result, nil
}

// Close is a no-op for the in-memory driver.
func (d *Driver) Close() error {
	return nil
}

// Seed inserts a conversation with a fixed id. Tests use it to exercise the
// "existing conversation" path without a creation round-trip.
func (d *Driver) Seed(c storage.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	d.conversations[c.ID] = &c
	d.order = append(d.order, c.ID)
}
