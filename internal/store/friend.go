package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// ListFriends returns the owner's friends, most recently updated first.
func (db *DB) ListFriends(ctx context.Context, owner string) ([]Friend, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT peer_uuid, payload_json, version, updated_at
		FROM friends
		WHERE user_uuid = ?
		ORDER BY updated_at DESC, peer_uuid ASC`, owner)
	if err != nil {
		return nil, fail("list friends", err)
	}
	defer func() { _ = rows.Close() }()

	var friends []Friend
	for rows.Next() {
		var (
			f   Friend
			raw string
		)
		if err := rows.Scan(&f.Peer, &raw, &f.Version, &f.UpdatedAt); err != nil {
			return nil, fail("scan friend", err)
		}
		f.Owner = owner
		f.Payload = payload.Parse(raw)
		friends = append(friends, f)
	}
	return friends, fail("list friends", rows.Err())
}

// ReplaceFriends makes rows the complete friend list of owner and records
// version as the friend cursor, all in one transaction. Duplicate peers in
// rows collapse to the last occurrence.
func (db *DB) ReplaceFriends(ctx context.Context, owner string, rows []Friend, version int64) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM friends WHERE user_uuid = ?`, owner); err != nil {
			return fmt.Errorf("clear friends: %w", err)
		}
		now := time.Now().UnixMilli()
		for _, f := range rows {
			if f.Peer == "" {
				continue
			}
			rowVersion := f.Version
			if rowVersion == 0 {
				rowVersion = version
			}
			updatedAt := f.UpdatedAt
			if updatedAt == 0 {
				updatedAt = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO friends (user_uuid, peer_uuid, payload_json, version, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(user_uuid, peer_uuid) DO UPDATE SET
					payload_json = excluded.payload_json,
					version = excluded.version,
					updated_at = excluded.updated_at`,
				owner, f.Peer, f.Payload.Encode(), rowVersion, updatedAt); err != nil {
				return fmt.Errorf("insert friend %s: %w", f.Peer, err)
			}
		}
		if err := setSyncVersion(ctx, tx, owner, DomainFriend, version, false); err != nil {
			return fmt.Errorf("friend cursor: %w", err)
		}
		return nil
	})
}

// ApplyFriendChanges applies deltas in order and advances the friend cursor
// to latestVersion in one transaction.
//
// The cursor never moves backwards. A change whose version is lower than the
// stored row's version is skipped, so replaying an old batch is a no-op.
func (db *DB) ApplyFriendChanges(ctx context.Context, owner string, changes []FriendChange, latestVersion int64) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		for _, c := range changes {
			if c.Peer == "" {
				continue
			}
			version := c.Version
			if version == 0 {
				version = latestVersion
			}
			switch c.Action {
			case ActionDelete:
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM friends WHERE user_uuid = ? AND peer_uuid = ? AND version <= ?`,
					owner, c.Peer, version); err != nil {
					return fmt.Errorf("delete friend %s: %w", c.Peer, err)
				}
			default:
				updatedAt := c.UpdatedAt
				if updatedAt == 0 {
					updatedAt = now
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO friends (user_uuid, peer_uuid, payload_json, version, updated_at)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT(user_uuid, peer_uuid) DO UPDATE SET
						payload_json = excluded.payload_json,
						version = excluded.version,
						updated_at = excluded.updated_at
					WHERE excluded.version >= friends.version`,
					owner, c.Peer, c.Payload.Encode(), version, updatedAt); err != nil {
					return fmt.Errorf("upsert friend %s: %w", c.Peer, err)
				}
			}
		}
		if err := setSyncVersion(ctx, tx, owner, DomainFriend, latestVersion, true); err != nil {
			return fmt.Errorf("friend cursor: %w", err)
		}
		return nil
	})
}
