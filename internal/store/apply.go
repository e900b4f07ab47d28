package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// ListApplies returns the owner's applies in one direction, newest first.
func (db *DB) ListApplies(ctx context.Context, owner string, dir Direction) ([]Apply, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT apply_id, status, payload_json, updated_at
		FROM friend_applies
		WHERE user_uuid = ? AND direction = ?
		ORDER BY updated_at DESC, apply_id DESC`, owner, string(dir))
	if err != nil {
		return nil, fail("list applies", err)
	}
	defer func() { _ = rows.Close() }()

	var applies []Apply
	for rows.Next() {
		var (
			a   Apply
			raw string
		)
		if err := rows.Scan(&a.ApplyID, &a.Status, &raw, &a.UpdatedAt); err != nil {
			return nil, fail("scan apply", err)
		}
		a.Owner = owner
		a.Direction = dir
		a.Payload = payload.Parse(raw)
		applies = append(applies, a)
	}
	return applies, fail("list applies", rows.Err())
}

// UpsertApplies inserts or updates applies. A row without a direction is
// stored as inbox.
func (db *DB) UpsertApplies(ctx context.Context, owner string, rows []Apply) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		return upsertApplies(ctx, tx, owner, "", rows)
	})
}

// ReplaceApplies makes rows the complete list of owner's applies in dir.
func (db *DB) ReplaceApplies(ctx context.Context, owner string, dir Direction, rows []Apply) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM friend_applies WHERE user_uuid = ? AND direction = ?`, owner, string(dir)); err != nil {
			return fmt.Errorf("clear applies: %w", err)
		}
		return upsertApplies(ctx, tx, owner, dir, rows)
	})
}

func upsertApplies(ctx context.Context, q querier, owner string, dir Direction, rows []Apply) error {
	now := time.Now().UnixMilli()
	for _, a := range rows {
		if a.ApplyID <= 0 {
			continue
		}
		d := dir
		if d == "" {
			d = a.Direction
		}
		if !d.Valid() {
			d = Inbox
		}
		updatedAt := a.UpdatedAt
		if updatedAt == 0 {
			updatedAt = now
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO friend_applies (user_uuid, apply_id, direction, status, payload_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_uuid, apply_id, direction) DO UPDATE SET
				status = excluded.status,
				payload_json = excluded.payload_json,
				updated_at = excluded.updated_at`,
			owner, a.ApplyID, string(d), a.Status, a.Payload.Encode(), updatedAt); err != nil {
			return fmt.Errorf("upsert apply %d: %w", a.ApplyID, err)
		}
	}
	return nil
}
