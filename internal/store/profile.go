package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// GetProfile returns the owner's cached profile, or nil when none is stored.
func (db *DB) GetProfile(ctx context.Context, owner string) (*Profile, error) {
	var (
		p   Profile
		raw string
	)
	err := db.QueryRowContext(ctx,
		`SELECT payload_json, updated_at FROM profiles WHERE user_uuid = ?`, owner).
		Scan(&raw, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail("get profile", err)
	}
	p.Owner = owner
	p.Payload = payload.Parse(raw)
	return &p, nil
}

// UpsertProfile inserts or replaces the owner's profile.
func (db *DB) UpsertProfile(ctx context.Context, p Profile) error {
	if p.UpdatedAt == 0 {
		p.UpdatedAt = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO profiles (user_uuid, payload_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_uuid) DO UPDATE SET
			payload_json = excluded.payload_json,
			updated_at = excluded.updated_at`,
		p.Owner, p.Payload.Encode(), p.UpdatedAt)
	return fail("upsert profile", err)
}
