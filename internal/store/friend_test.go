package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/matheus3301/lcsync/internal/payload"
)

func friendRow(peer, nickname string) Friend {
	return Friend{Peer: peer, Payload: payload.MustFromAny(map[string]any{"uuid": peer, "nickname": nickname})}
}

func peers(friends []Friend) []string {
	out := make([]string, 0, len(friends))
	for _, f := range friends {
		out = append(out, f.Peer)
	}
	return out
}

func TestReplaceFriendsIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	rows := []Friend{friendRow("p1", "a"), friendRow("p2", "b")}
	for i := 0; i < 2; i++ {
		if err := db.ReplaceFriends(ctx, "u1", rows, 7); err != nil {
			t.Fatal(err)
		}
	}

	got, err := db.ListFriends(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d friends, want 2", len(got))
	}
	for _, f := range got {
		if f.Version != 7 {
			t.Errorf("%s version = %d, want batch version 7", f.Peer, f.Version)
		}
	}
	v, err := db.GetSyncVersion(ctx, "u1", DomainFriend)
	if err != nil {
		t.Fatal(err)
	}
	if v != 7 {
		t.Errorf("cursor = %d, want 7", v)
	}
}

func TestReplaceFriendsSupersedesStaleRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplaceFriends(ctx, "u1", []Friend{friendRow("old", "x")}, 1); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceFriends(ctx, "u1", []Friend{friendRow("new", "y")}, 2); err != nil {
		t.Fatal(err)
	}

	got, _ := db.ListFriends(ctx, "u1")
	if diff := cmp.Diff([]string{"new"}, peers(got)); diff != "" {
		t.Errorf("friends mismatch (-want +got):\n%s", diff)
	}
}

func TestReplaceFriendsScopedByOwner(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplaceFriends(ctx, "u1", []Friend{friendRow("p1", "a")}, 1); err != nil {
		t.Fatal(err)
	}
	if err := db.ReplaceFriends(ctx, "u2", nil, 5); err != nil {
		t.Fatal(err)
	}
	got, _ := db.ListFriends(ctx, "u1")
	if len(got) != 1 {
		t.Errorf("u1 lost friends after u2 replace: %v", peers(got))
	}
}

func TestApplyFriendChangesCursorMonotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ApplyFriendChanges(ctx, "u1", nil, 10); err != nil {
		t.Fatal(err)
	}
	if err := db.ApplyFriendChanges(ctx, "u1", nil, 4); err != nil {
		t.Fatal(err)
	}

	v, err := db.GetSyncVersion(ctx, "u1", DomainFriend)
	if err != nil {
		t.Fatal(err)
	}
	if v != 10 {
		t.Errorf("cursor = %d, want 10 (must not move backwards)", v)
	}
}

func TestApplyFriendChangesInOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplaceFriends(ctx, "u1", []Friend{friendRow("p1", "a"), friendRow("p2", "b")}, 1); err != nil {
		t.Fatal(err)
	}
	changes := []FriendChange{
		{Action: ActionDelete, Peer: "p1", Version: 2},
		{Action: ActionUpsert, Peer: "p3", Payload: payload.MustFromAny(map[string]any{"nickname": "c"}), Version: 3},
		{Action: ActionUpsert, Peer: "p2", Payload: payload.MustFromAny(map[string]any{"nickname": "b2"})},
	}
	if err := db.ApplyFriendChanges(ctx, "u1", changes, 4); err != nil {
		t.Fatal(err)
	}

	got, _ := db.ListFriends(ctx, "u1")
	byPeer := map[string]Friend{}
	for _, f := range got {
		byPeer[f.Peer] = f
	}
	if _, ok := byPeer["p1"]; ok {
		t.Error("p1 should be deleted")
	}
	if byPeer["p3"].Version != 3 {
		t.Errorf("p3 version = %d, want 3", byPeer["p3"].Version)
	}
	// A zero change version takes the batch version.
	if byPeer["p2"].Version != 4 {
		t.Errorf("p2 version = %d, want 4", byPeer["p2"].Version)
	}
	if payload.StringField(byPeer["p2"].Payload, "nickname") != "b2" {
		t.Errorf("p2 payload = %s", byPeer["p2"].Payload)
	}
}

func TestApplyFriendChangesStaleDeltaIgnored(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	fresh := []FriendChange{{Action: ActionUpsert, Peer: "p1", Payload: payload.MustFromAny(map[string]any{"remark": "new"}), Version: 9}}
	if err := db.ApplyFriendChanges(ctx, "u1", fresh, 9); err != nil {
		t.Fatal(err)
	}

	// Replaying an older batch must neither overwrite nor delete.
	stale := []FriendChange{
		{Action: ActionUpsert, Peer: "p1", Payload: payload.MustFromAny(map[string]any{"remark": "old"}), Version: 5},
		{Action: ActionDelete, Peer: "p1", Version: 6},
	}
	if err := db.ApplyFriendChanges(ctx, "u1", stale, 6); err != nil {
		t.Fatal(err)
	}

	got, _ := db.ListFriends(ctx, "u1")
	if len(got) != 1 {
		t.Fatalf("got %d friends, want 1", len(got))
	}
	if payload.StringField(got[0].Payload, "remark") != "new" {
		t.Errorf("remark = %q, want new", payload.StringField(got[0].Payload, "remark"))
	}
	if v, _ := db.GetSyncVersion(ctx, "u1", DomainFriend); v != 9 {
		t.Errorf("cursor = %d, want 9", v)
	}

	// Re-applying the same batch is a no-op.
	if err := db.ApplyFriendChanges(ctx, "u1", fresh, 9); err != nil {
		t.Fatal(err)
	}
	again, _ := db.ListFriends(ctx, "u1")
	if diff := cmp.Diff(got[0].Payload, again[0].Payload); diff != "" {
		t.Errorf("replay changed row (-want +got):\n%s", diff)
	}
}
