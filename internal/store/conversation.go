package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// ListConversations returns the owner's conversations, most recent first.
func (db *DB) ListConversations(ctx context.Context, owner string) ([]Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT conv_id, payload_json, updated_at
		FROM conversations
		WHERE user_uuid = ?
		ORDER BY updated_at DESC, conv_id ASC`, owner)
	if err != nil {
		return nil, fail("list conversations", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var (
			c   Conversation
			raw string
		)
		if err := rows.Scan(&c.ConvID, &raw, &c.UpdatedAt); err != nil {
			return nil, fail("scan conversation", err)
		}
		c.Owner = owner
		c.Payload = payload.Parse(raw)
		convs = append(convs, c)
	}
	return convs, fail("list conversations", rows.Err())
}

// GetConversation returns one conversation, or nil when it does not exist.
func (db *DB) GetConversation(ctx context.Context, owner, convID string) (*Conversation, error) {
	c, err := getConversation(ctx, db, owner, convID)
	return c, fail("get conversation", err)
}

func getConversation(ctx context.Context, q querier, owner, convID string) (*Conversation, error) {
	var (
		c   Conversation
		raw string
	)
	err := q.QueryRowContext(ctx,
		`SELECT payload_json, updated_at FROM conversations WHERE user_uuid = ? AND conv_id = ?`,
		owner, convID).Scan(&raw, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Owner = owner
	c.ConvID = convID
	c.Payload = payload.Parse(raw)
	return &c, nil
}

// UpsertConversations inserts or updates conversations.
func (db *DB) UpsertConversations(ctx context.Context, owner string, rows []Conversation) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, c := range rows {
			if err := upsertConversation(ctx, tx, owner, c); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertConversation(ctx context.Context, q querier, owner string, c Conversation) error {
	if c.ConvID == "" {
		return nil
	}
	if c.UpdatedAt == 0 {
		c.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO conversations (user_uuid, conv_id, payload_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_uuid, conv_id) DO UPDATE SET
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at`,
		owner, c.ConvID, c.Payload.Encode(), c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation %s: %w", c.ConvID, err)
	}
	return nil
}
