package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/lcsync/internal/payload"
)

// Message page size bounds.
const (
	DefaultMessageLimit = 30
	MaxMessageLimit     = 100
)

// ClampMessageLimit maps a requested page size into 1..MaxMessageLimit.
// Non-positive requests get DefaultMessageLimit.
func ClampMessageLimit(limit int) int {
	if limit <= 0 {
		return DefaultMessageLimit
	}
	if limit > MaxMessageLimit {
		return MaxMessageLimit
	}
	return limit
}

// UpsertMessages inserts or updates messages of one conversation
// (idempotent on owner + conv_id + msg_id).
func (db *DB) UpsertMessages(ctx context.Context, owner, convID string, rows []Message) error {
	return db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, m := range rows {
			m.ConvID = convID
			if err := upsertMessage(ctx, tx, owner, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertMessage(ctx context.Context, q querier, owner string, m Message) error {
	if m.MsgID == "" {
		return nil
	}
	var clientID sql.NullString
	if m.ClientMsgID != "" {
		clientID = sql.NullString{String: m.ClientMsgID, Valid: true}
	}
	var seq sql.NullInt64
	if m.Seq != nil {
		seq = sql.NullInt64{Int64: *m.Seq, Valid: true}
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO messages (user_uuid, conv_id, msg_id, client_msg_id, seq, send_time, payload_json, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_uuid, conv_id, msg_id) DO UPDATE SET
			client_msg_id = COALESCE(excluded.client_msg_id, messages.client_msg_id),
			seq = COALESCE(excluded.seq, messages.seq),
			send_time = excluded.send_time,
			payload_json = excluded.payload_json,
			status = excluded.status`,
		owner, m.ConvID, m.MsgID, clientID, seq, m.SendTime, m.Payload.Encode(), m.Status)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", m.MsgID, err)
	}
	return nil
}

// Cursor marks a page boundary in a conversation. Pages hold rows strictly
// older than (SendTime, MsgID); messages sharing a millisecond are ordered
// by msg_id. An empty MsgID bounds by time alone and SendTime <= 0 means no
// bound.
type Cursor struct {
	SendTime int64
	MsgID    string
}

// CursorOf returns the cursor just past m, for fetching the page before it.
func CursorOf(m Message) Cursor {
	return Cursor{SendTime: m.SendTime, MsgID: m.MsgID}
}

// Admits reports whether m falls on the older side of c.
func (c Cursor) Admits(m Message) bool {
	if c.SendTime <= 0 {
		return true
	}
	return m.SendTime < c.SendTime || (m.SendTime == c.SendTime && c.MsgID != "" && m.MsgID < c.MsgID)
}

// ListMessages returns one page of a conversation in ascending send time,
// bounded by send time alone. See ListMessagesBefore.
func (db *DB) ListMessages(ctx context.Context, owner, convID string, cursor int64, limit int) ([]Message, error) {
	return db.ListMessagesBefore(ctx, owner, convID, Cursor{SendTime: cursor}, limit)
}

// ListMessagesBefore returns the newest limit messages older than cursor,
// in ascending (send_time, msg_id) order.
func (db *DB) ListMessagesBefore(ctx context.Context, owner, convID string, cursor Cursor, limit int) ([]Message, error) {
	limit = ClampMessageLimit(limit)

	var (
		rows *sql.Rows
		err  error
	)
	const cols = `msg_id, client_msg_id, seq, send_time, payload_json, status`
	if cursor.SendTime > 0 {
		rows, err = db.QueryContext(ctx, `
			SELECT `+cols+`
			FROM messages
			WHERE user_uuid = ? AND conv_id = ?
				AND (send_time < ? OR (send_time = ? AND ? != '' AND msg_id < ?))
			ORDER BY send_time DESC, msg_id DESC
			LIMIT ?`, owner, convID, cursor.SendTime, cursor.SendTime, cursor.MsgID, cursor.MsgID, limit)
	} else {
		rows, err = db.QueryContext(ctx, `
			SELECT `+cols+`
			FROM messages
			WHERE user_uuid = ? AND conv_id = ?
			ORDER BY send_time DESC, msg_id DESC
			LIMIT ?`, owner, convID, limit)
	}
	if err != nil {
		return nil, fail("list messages", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var (
			m        Message
			clientID sql.NullString
			seq      sql.NullInt64
			sendTime sql.NullInt64
			raw      string
		)
		if err := rows.Scan(&m.MsgID, &clientID, &seq, &sendTime, &raw, &m.Status); err != nil {
			return nil, fail("scan message", err)
		}
		m.Owner = owner
		m.ConvID = convID
		m.ClientMsgID = clientID.String
		if seq.Valid {
			v := seq.Int64
			m.Seq = &v
		}
		m.SendTime = sendTime.Int64
		m.Payload = payload.Parse(raw)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fail("list messages", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// UpdateMessageStatus sets the delivery status of a message and, when the
// server assigned one, its sequence number.
func (db *DB) UpdateMessageStatus(ctx context.Context, owner, convID, msgID string, status int, seq *int64) error {
	var s sql.NullInt64
	if seq != nil {
		s = sql.NullInt64{Int64: *seq, Valid: true}
	}
	_, err := db.ExecContext(ctx, `
		UPDATE messages SET status = ?, seq = COALESCE(?, seq)
		WHERE user_uuid = ? AND conv_id = ? AND msg_id = ?`,
		status, s, owner, convID, msgID)
	return fail("update message status", err)
}

// SendLocalMessage records a locally composed message in one transaction:
// the message row, the conversation preview and timestamp, the outbox entry
// and the cleared draft become visible together or not at all.
func (db *DB) SendLocalMessage(ctx context.Context, owner string, m Message, preview string) (*Conversation, error) {
	if m.SendTime == 0 {
		m.SendTime = time.Now().UnixMilli()
	}
	if m.ClientMsgID == "" {
		m.ClientMsgID = m.MsgID
	}
	var conv *Conversation
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := upsertMessage(ctx, tx, owner, m); err != nil {
			return err
		}

		existing, err := getConversation(ctx, tx, owner, m.ConvID)
		if err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		if existing == nil {
			existing = &Conversation{Owner: owner, ConvID: m.ConvID, Payload: payload.EmptyObject()}
		}
		existing.Payload = existing.Payload.
			With("preview", payload.String(preview)).
			With("updatedAt", payload.Int(m.SendTime))
		existing.UpdatedAt = m.SendTime
		if err := upsertConversation(ctx, tx, owner, *existing); err != nil {
			return err
		}

		if err := queueOutbox(ctx, tx, owner, m.ClientMsgID, m.ConvID, preview); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM message_drafts WHERE user_uuid = ? AND conv_id = ?`, owner, m.ConvID); err != nil {
			return fmt.Errorf("clear draft: %w", err)
		}
		conv = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}
