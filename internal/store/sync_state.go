package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetSyncVersion returns the stored cursor for (owner, domain), 0 when none.
func (db *DB) GetSyncVersion(ctx context.Context, owner, domain string) (int64, error) {
	var v int64
	err := db.QueryRowContext(ctx,
		`SELECT last_version FROM sync_state WHERE user_uuid = ? AND domain = ?`, owner, domain).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fail("get sync version", err)
	}
	return v, nil
}

// SetSyncVersion overwrites the cursor for (owner, domain).
func (db *DB) SetSyncVersion(ctx context.Context, owner, domain string, version int64) error {
	return fail("set sync version", setSyncVersion(ctx, db, owner, domain, version, false))
}

// setSyncVersion writes the cursor. When monotonic is set the stored value
// never decreases.
func setSyncVersion(ctx context.Context, q querier, owner, domain string, version int64, monotonic bool) error {
	query := `
		INSERT INTO sync_state (user_uuid, domain, last_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_uuid, domain) DO UPDATE SET
			last_version = excluded.last_version,
			updated_at = excluded.updated_at`
	if monotonic {
		query = `
		INSERT INTO sync_state (user_uuid, domain, last_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_uuid, domain) DO UPDATE SET
			last_version = MAX(sync_state.last_version, excluded.last_version),
			updated_at = excluded.updated_at`
	}
	_, err := q.ExecContext(ctx, query, owner, domain, version, time.Now().UnixMilli())
	return err
}
