package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/lcsync/internal/payload"
)

func seedMessages(t *testing.T, db *DB, owner, conv string, times ...int64) {
	t.Helper()
	rows := make([]Message, 0, len(times))
	for _, ts := range times {
		rows = append(rows, Message{
			MsgID:    fmt.Sprintf("m%d", ts),
			SendTime: ts,
			Payload:  payload.MustFromAny(map[string]any{"text": fmt.Sprintf("at %d", ts)}),
			Status:   MessageSent,
		})
	}
	if err := db.UpsertMessages(context.Background(), owner, conv, rows); err != nil {
		t.Fatal(err)
	}
}

func sendTimes(msgs []Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.SendTime)
	}
	return out
}

func TestListMessagesCursorPaging(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	seedMessages(t, db, "u1", "c1", 100, 200, 300, 400)

	first, err := db.ListMessages(ctx, "u1", "c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{300, 400}, sendTimes(first)); diff != "" {
		t.Errorf("first page (-want +got):\n%s", diff)
	}

	older, err := db.ListMessages(ctx, "u1", "c1", first[0].SendTime, 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{100, 200}, sendTimes(older)); diff != "" {
		t.Errorf("older page (-want +got):\n%s", diff)
	}

	rest, err := db.ListMessages(ctx, "u1", "c1", older[0].SendTime, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("got %d messages past the oldest, want 0", len(rest))
	}
}

func TestListMessagesClampsLimit(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	times := make([]int64, 0, 120)
	for i := int64(1); i <= 120; i++ {
		times = append(times, i)
	}
	seedMessages(t, db, "u1", "c1", times...)

	tests := []struct {
		limit int
		want  int
	}{
		{0, DefaultMessageLimit},
		{-5, DefaultMessageLimit},
		{1, 1},
		{500, MaxMessageLimit},
	}
	for _, tt := range tests {
		got, err := db.ListMessages(ctx, "u1", "c1", -1, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != tt.want {
			t.Errorf("limit %d: got %d, want %d", tt.limit, len(got), tt.want)
		}
	}
}

func TestMessageUpsertIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	seq := int64(11)
	m := Message{MsgID: "m1", SendTime: 1000, Seq: &seq, ClientMsgID: "c-1", Payload: payload.MustFromAny(map[string]any{"text": "hello"}), Status: MessageSending}
	if err := db.UpsertMessages(ctx, "u1", "c1", []Message{m}); err != nil {
		t.Fatal(err)
	}
	m.Payload = payload.MustFromAny(map[string]any{"text": "hello updated"})
	m.Status = MessageSent
	m.Seq = nil
	if err := db.UpsertMessages(ctx, "u1", "c1", []Message{m}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "u1", "c1", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent upsert failed)", len(msgs))
	}
	if msgs[0].Status != MessageSent {
		t.Errorf("status = %d, want %d", msgs[0].Status, MessageSent)
	}
	if msgs[0].Seq == nil || *msgs[0].Seq != 11 {
		t.Error("seq lost on upsert without seq")
	}
	if msgs[0].ClientMsgID != "c-1" {
		t.Errorf("client id = %q, want c-1", msgs[0].ClientMsgID)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	body := payload.MustFromAny(map[string]any{
		"text":    "héllo",
		"count":   int64(42),
		"ratio":   0.25,
		"flags":   []any{true, false, nil},
		"nested":  map[string]any{"a": map[string]any{"b": []any{int64(1), "two"}}},
		"missing": nil,
	})
	if err := db.UpsertMessages(ctx, "u1", "c1", []Message{{MsgID: "m1", SendTime: 1, Payload: body}}); err != nil {
		t.Fatal(err)
	}
	if err := db.UpsertConversations(ctx, "u1", []Conversation{{ConvID: "c1", Payload: body, UpdatedAt: 5}}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages(ctx, "u1", "c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(body, msgs[0].Payload); diff != "" {
		t.Errorf("message payload (-want +got):\n%s", diff)
	}
	conv, err := db.GetConversation(ctx, "u1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(body, conv.Payload); diff != "" {
		t.Errorf("conversation payload (-want +got):\n%s", diff)
	}
}

func TestSendLocalMessageAtomic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.UpsertConversations(ctx, "u1", []Conversation{
		{ConvID: "c1", Payload: payload.MustFromAny(map[string]any{"title": "Ann", "preview": "old"}), UpdatedAt: 10},
		{ConvID: "c2", UpdatedAt: 20, Payload: payload.EmptyObject()},
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.SaveDraft(ctx, "u1", "c1", "half typed"); err != nil {
		t.Fatal(err)
	}

	m := Message{ConvID: "c1", MsgID: "local-1", SendTime: 30, Payload: payload.MustFromAny(map[string]any{"text": "hi", "from": "self"}), Status: MessageSending}
	conv, err := db.SendLocalMessage(ctx, "u1", m, "hi")
	if err != nil {
		t.Fatal(err)
	}
	if payload.StringField(conv.Payload, "preview") != "hi" || payload.StringField(conv.Payload, "title") != "Ann" {
		t.Errorf("conversation payload = %s", conv.Payload)
	}

	convs, _ := db.ListConversations(ctx, "u1")
	if convs[0].ConvID != "c1" || convs[0].UpdatedAt != 30 {
		t.Errorf("newest conversation = %s@%d, want c1@30", convs[0].ConvID, convs[0].UpdatedAt)
	}
	msgs, _ := db.ListMessages(ctx, "u1", "c1", 0, 10)
	if len(msgs) != 1 || msgs[0].ClientMsgID != "local-1" {
		t.Errorf("messages = %+v", msgs)
	}
	pending, _ := db.PendingOutbox(ctx)
	if len(pending) != 1 || pending[0].Body != "hi" || pending[0].Owner != "u1" {
		t.Errorf("outbox = %+v", pending)
	}
	if d, _ := db.GetDraft(ctx, "u1", "c1"); d != "" {
		t.Errorf("draft = %q, want cleared", d)
	}
}

func TestSendLocalMessageCreatesConversation(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conv, err := db.SendLocalMessage(ctx, "u1", Message{ConvID: "new", MsgID: "m1", SendTime: 5}, "yo")
	if err != nil {
		t.Fatal(err)
	}
	if conv.ConvID != "new" || payload.StringField(conv.Payload, "preview") != "yo" {
		t.Errorf("got %+v", conv)
	}
}

func TestDraftOverwrite(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if d, err := db.GetDraft(ctx, "u1", "c1"); err != nil || d != "" {
		t.Fatalf("missing draft = %q, %v", d, err)
	}
	_ = db.SaveDraft(ctx, "u1", "c1", "one")
	_ = db.SaveDraft(ctx, "u1", "c1", "two")
	if d, _ := db.GetDraft(ctx, "u1", "c1"); d != "two" {
		t.Errorf("draft = %q, want two", d)
	}
}

func TestOutbox(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.QueueOutbox(ctx, "u1", "client1", "c1", "test msg"); err != nil {
		t.Fatal(err)
	}
	// Re-queueing the same client id is ignored.
	if err := db.QueueOutbox(ctx, "u1", "client1", "c1", "test msg"); err != nil {
		t.Fatal(err)
	}

	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending, want 1", len(pending))
	}
	if pending[0].ClientMsgID != "client1" {
		t.Errorf("client_msg_id = %q, want client1", pending[0].ClientMsgID)
	}

	if err := db.MarkOutboxSending(ctx, "client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxFailed(ctx, "client1", "offline"); err != nil {
		t.Fatal(err)
	}
	if err := db.RequeueOutbox(ctx, "client1"); err != nil {
		t.Fatal(err)
	}
	pending, _ = db.PendingOutbox(ctx)
	if len(pending) != 1 || pending[0].Attempts != 1 {
		t.Fatalf("requeued = %+v", pending)
	}

	if err := db.MarkOutboxSending(ctx, "client1"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSent(ctx, "client1", "server1"); err != nil {
		t.Fatal(err)
	}
	pending, err = db.PendingOutbox(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("got %d pending after sent, want 0", len(pending))
	}
}

func TestListMessagesBeforeBreaksTimeTies(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	rows := []Message{
		{MsgID: "a", SendTime: 100},
		{MsgID: "b", SendTime: 200},
		{MsgID: "c", SendTime: 200},
		{MsgID: "d", SendTime: 300},
	}
	for i := range rows {
		rows[i].Payload = payload.EmptyObject()
	}
	if err := db.UpsertMessages(ctx, "u1", "c1", rows); err != nil {
		t.Fatal(err)
	}

	var (
		seen   []string
		cursor Cursor
	)
	for range 4 {
		page, err := db.ListMessagesBefore(ctx, "u1", "c1", cursor, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(page) == 0 {
			break
		}
		ids := make([]string, len(page))
		for i, m := range page {
			ids[i] = m.MsgID
		}
		seen = append(ids, seen...)
		cursor = CursorOf(page[0])
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, seen); diff != "" {
		t.Errorf("paged ids (-want +got):\n%s", diff)
	}

	// A bare timestamp cursor still excludes the whole millisecond.
	page, err := db.ListMessages(ctx, "u1", "c1", 200, 10)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{100}, sendTimes(page)); diff != "" {
		t.Errorf("time-only page (-want +got):\n%s", diff)
	}
}

func TestCursorAdmits(t *testing.T) {
	m := Message{MsgID: "b", SendTime: 200}
	tests := []struct {
		cursor Cursor
		want   bool
	}{
		{Cursor{}, true},
		{Cursor{SendTime: 300}, true},
		{Cursor{SendTime: 200}, false},
		{Cursor{SendTime: 200, MsgID: "c"}, true},
		{Cursor{SendTime: 200, MsgID: "b"}, false},
		{Cursor{SendTime: 100, MsgID: "z"}, false},
	}
	for _, tt := range tests {
		if got := tt.cursor.Admits(m); got != tt.want {
			t.Errorf("%+v.Admits(b@200) = %v, want %v", tt.cursor, got, tt.want)
		}
	}
}
