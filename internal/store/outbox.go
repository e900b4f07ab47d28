package store

import (
	"context"
	"fmt"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(ctx context.Context, owner, clientMsgID, convID, body string) error {
	return fail("queue outbox", queueOutbox(ctx, db, owner, clientMsgID, convID, body))
}

func queueOutbox(ctx context.Context, q querier, owner, clientMsgID, convID, body string) error {
	now := time.Now().UnixMilli()
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox (user_uuid, client_msg_id, conv_id, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(client_msg_id) DO NOTHING`,
		owner, clientMsgID, convID, body, now, now)
	if err != nil {
		return fmt.Errorf("queue outbox %s: %w", clientMsgID, err)
	}
	return nil
}

// MarkOutboxSending updates an outbox entry to 'sending' status.
func (db *DB) MarkOutboxSending(ctx context.Context, clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_msg_id = ?`,
		now, clientMsgID)
	return fail("mark outbox sending", err)
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, now, clientMsgID)
	return fail("mark outbox sent", err)
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, now, clientMsgID)
	return fail("mark outbox failed", err)
}

// RequeueOutbox moves a failed entry back to 'queued'.
func (db *DB) RequeueOutbox(ctx context.Context, clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'queued', error_message = '', updated_at = ? WHERE client_msg_id = ? AND status = 'failed'`,
		now, clientMsgID)
	return fail("requeue outbox", err)
}

// RecoverOutbox puts entries left in 'sending' by an interrupted attempt
// back in the queue and reports how many were moved.
func (db *DB) RecoverOutbox(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.ExecContext(ctx,
		`UPDATE outbox SET status = 'queued', updated_at = ? WHERE status = 'sending'`, now)
	if err != nil {
		return 0, fail("recover outbox", err)
	}
	n, err := res.RowsAffected()
	return n, fail("recover outbox", err)
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user_uuid, client_msg_id, conv_id, body, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fail("pending outbox", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.Owner, &e.ClientMsgID, &e.ConvID, &e.Body, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, fail("scan outbox", err)
		}
		entries = append(entries, e)
	}
	return entries, fail("pending outbox", rows.Err())
}
