package store

import (
	"context"
	"database/sql"
	"fmt"
)

var ownerTables = []string{
	"profiles",
	"friends",
	"friend_applies",
	"blacklist",
	"conversations",
	"messages",
	"message_drafts",
	"sync_state",
	"outbox",
}

// PurgeOwner deletes every row scoped to owner in one transaction.
func (db *DB) PurgeOwner(ctx context.Context, owner string) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, table := range ownerTables {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE user_uuid = ?`, owner); err != nil {
				return fmt.Errorf("purge %s: %w", table, err)
			}
		}
		return nil
	})
}

// CountRows reports how many rows are cached for owner.
func (db *DB) CountRows(ctx context.Context, owner string) (Counts, error) {
	var c Counts
	err := db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM friends WHERE user_uuid = ?1),
			(SELECT COUNT(*) FROM friend_applies WHERE user_uuid = ?1),
			(SELECT COUNT(*) FROM blacklist WHERE user_uuid = ?1),
			(SELECT COUNT(*) FROM conversations WHERE user_uuid = ?1),
			(SELECT COUNT(*) FROM messages WHERE user_uuid = ?1),
			(SELECT COUNT(*) FROM outbox WHERE user_uuid = ?1 AND status IN ('queued', 'sending'))`,
		owner).Scan(&c.Friends, &c.Applies, &c.Blacklist, &c.Conversations, &c.Messages, &c.Outbox)
	if err != nil {
		return Counts{}, fail("count rows", err)
	}
	return c, nil
}
