package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveDraft stores the unsent text of a conversation, overwriting any
// previous draft.
func (db *DB) SaveDraft(ctx context.Context, owner, convID, text string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO message_drafts (user_uuid, conv_id, draft_text, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_uuid, conv_id) DO UPDATE SET
			draft_text = excluded.draft_text,
			updated_at = excluded.updated_at`,
		owner, convID, text, time.Now().UnixMilli())
	return fail("save draft", err)
}

// GetDraft returns the stored draft, or "" when none exists.
func (db *DB) GetDraft(ctx context.Context, owner, convID string) (string, error) {
	var text string
	err := db.QueryRowContext(ctx,
		`SELECT draft_text FROM message_drafts WHERE user_uuid = ? AND conv_id = ?`,
		owner, convID).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fail("get draft", err)
	}
	return text, nil
}
