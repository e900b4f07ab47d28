package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// ListBlacklist returns the owner's blocked peers, newest first.
func (db *DB) ListBlacklist(ctx context.Context, owner string) ([]BlacklistEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT peer_uuid, payload_json, updated_at
		FROM blacklist
		WHERE user_uuid = ?
		ORDER BY updated_at DESC, peer_uuid ASC`, owner)
	if err != nil {
		return nil, fail("list blacklist", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []BlacklistEntry
	for rows.Next() {
		var (
			e   BlacklistEntry
			raw string
		)
		if err := rows.Scan(&e.Peer, &raw, &e.UpdatedAt); err != nil {
			return nil, fail("scan blacklist", err)
		}
		e.Owner = owner
		e.Payload = payload.Parse(raw)
		entries = append(entries, e)
	}
	return entries, fail("list blacklist", rows.Err())
}

// ReplaceBlacklist makes rows the complete blacklist of owner.
func (db *DB) ReplaceBlacklist(ctx context.Context, owner string, rows []BlacklistEntry) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM blacklist WHERE user_uuid = ?`, owner); err != nil {
			return fmt.Errorf("clear blacklist: %w", err)
		}
		now := time.Now().UnixMilli()
		for _, e := range rows {
			if e.Peer == "" {
				continue
			}
			updatedAt := e.UpdatedAt
			if updatedAt == 0 {
				updatedAt = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO blacklist (user_uuid, peer_uuid, payload_json, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(user_uuid, peer_uuid) DO UPDATE SET
					payload_json = excluded.payload_json,
					updated_at = excluded.updated_at`,
				owner, e.Peer, e.Payload.Encode(), updatedAt); err != nil {
				return fmt.Errorf("insert blacklist %s: %w", e.Peer, err)
			}
		}
		return nil
	})
}
