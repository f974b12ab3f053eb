// Package sqldriver implements storage.Driver on database/sql. The sqlite and
// postgres packages embed it with their own connection and Dialect.
package sqldriver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/papercomputeco/chatrelay/pkg/storage"
)

// Driver implements storage.Driver over a *sql.DB.
type Driver struct {
	DB      *sql.DB
	Dialect Dialect
}

// New runs the dialect's migrations on db and returns a Driver over it.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Driver, error) {
	for _, stmt := range dialect.Migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("migrating %s schema: %w", dialect.Name, err)
		}
	}
	return &Driver{DB: db, Dialect: dialect}, nil
}

func (d *Driver) EnsureConversation(ctx context.Context, req storage.EnsureRequest) (*storage.Conversation, error) {
	if req.ConversationID != "" {
		return &storage.Conversation{ID: req.ConversationID, OwnerID: req.OwnerID}, nil
	}

	now := time.Now().UTC()
	c := &storage.Conversation{
		ID:        uuid.NewString(),
		OwnerID:   req.OwnerID,
		Title:     storage.DeriveTitle(req.SeedTitle),
		CreatedAt: now,
	}

	if req.CreationKey == "" {
		_, err := d.DB.ExecContext(ctx, d.rebind(
			`INSERT INTO chats (id, owner_id, title, created_at_ms) VALUES (?, ?, ?, ?)`),
			c.ID, c.OwnerID, c.Title, now.UnixMilli())
		if err != nil {
			return nil, fmt.Errorf("creating chat: %w", err)
		}
		return c, nil
	}

	// A concurrent request with the same key may win the insert; either way
	// the row keyed by (owner_id, creation_key) is the conversation.
	_, err := d.DB.ExecContext(ctx, d.rebind(
		`INSERT INTO chats (id, owner_id, title, creation_key, created_at_ms) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`),
		c.ID, c.OwnerID, c.Title, req.CreationKey, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("creating chat: %w", err)
	}

	row := d.DB.QueryRowContext(ctx, d.rebind(
		`SELECT id, owner_id, title, created_at_ms FROM chats WHERE owner_id = ? AND creation_key = ?`),
		req.OwnerID, req.CreationKey)
	existing, err := scanConversation(row)
	if err != nil {
		return nil, fmt.Errorf("resolving chat for creation key: %w", err)
	}
	return existing, nil
}

func (d *Driver) RecordTurn(ctx context.Context, turn *storage.Turn) error {
	if turn == nil || turn.ConversationID == "" {
		return storage.ErrInvalidTurn
	}

	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC().UnixMilli()
	insert := d.rebind(`INSERT INTO messages (chat_id, owner_id, role, content, created_at_ms) VALUES (?, ?, ?, ?, ?)`)

	if _, err := tx.ExecContext(ctx, insert, turn.ConversationID, turn.OwnerID, "user", turn.UserContent, now); err != nil {
		return fmt.Errorf("inserting user message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insert, turn.ConversationID, turn.OwnerID, "assistant", turn.AssistantContent, now); err != nil {
		return fmt.Errorf("inserting assistant message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing turn: %w", err)
	}
	return nil
}

func (d *Driver) GetConversation(ctx context.Context, id string) (*storage.Conversation, error) {
	row := d.DB.QueryRowContext(ctx, d.rebind(
		`SELECT id, owner_id, title, created_at_ms FROM chats WHERE id = ?`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting chat: %w", err)
	}
	return c, nil
}

func (d *Driver) ListConversations(ctx context.Context, ownerID string) ([]*storage.Conversation, error) {
	rows, err := d.DB.QueryContext(ctx, d.rebind(
		`SELECT id, owner_id, title, created_at_ms FROM chats WHERE owner_id = ?
		ORDER BY created_at_ms DESC, id DESC`), ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing chats: %w", err)
	}
	defer rows.Close()

	result := []*storage.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning chat: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (d *Driver) Messages(ctx context.Context, conversationID string) ([]*storage.Message, error) {
	if _, err := d.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := d.DB.QueryContext(ctx, d.rebind(
		`SELECT id, chat_id, owner_id, role, content, created_at_ms FROM messages WHERE chat_id = ?
		ORDER BY id ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()

	result := []*storage.Message{}
	for rows.Next() {
		var (
			m         storage.Message
			createdMs int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.OwnerID, &m.Role, &m.Content, &createdMs); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(createdMs).UTC()
		result = append(result, &m)
	}
	return result, rows.Err()
}

// Close closes the underlying database.
func (d *Driver) Close() error {
	return d.DB.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*storage.Conversation, error) {
	var (
		c         storage.Conversation
		createdMs int64
	)
	if err := s.Scan(&c.ID, &c.OwnerID, &c.Title, &createdMs); err != nil {
		return nil, err
	}
	c.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &c, nil
}

// rebind rewrites "?" placeholders for dialects that number them.
func (d *Driver) rebind(query string) string {
	if !d.Dialect.Numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
