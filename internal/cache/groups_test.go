package cache

import (
	"testing"

	"github.com/matheus3301/lcsync/internal/store"
)

func friend(peer, title, tag string) store.Friend {
	return store.Friend{Peer: peer, Payload: obj(map[string]any{"nickname": title, "groupTag": tag})}
}

func TestGroupFriends(t *testing.T) {
	friends := []store.Friend{
		friend("1", "zoe", "work"),
		friend("2", "amy", ""),
		friend("3", "bea", "family"),
		friend("4", "ann", "work"),
		friend("5", "cal", "  "),
		friend("6", "dan", "gym"),
	}

	tests := []struct {
		name      string
		preferred []string
		want      []string
	}{
		{"alphabetical with ungrouped last", nil, []string{"family", "gym", "work", UngroupedLabel}},
		{"preferred first", []string{"work"}, []string{"work", "family", "gym", UngroupedLabel}},
		{"preferred may place ungrouped", []string{"", "gym"}, []string{UngroupedLabel, "gym", "family", "work"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := GroupFriends(friends, tt.preferred)
			var got []string
			for _, g := range groups {
				got = append(got, g.Label)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("labels = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("labels = %v, want %v", got, tt.want)
				}
			}
		})
	}

	groups := GroupFriends(friends, nil)
	work := groups[2]
	if work.Key != "tag:work" || FriendTitle(work.Items[0]) != "ann" || FriendTitle(work.Items[1]) != "zoe" {
		t.Errorf("work group = %+v", work)
	}
	last := groups[len(groups)-1]
	if last.Key != "ungrouped" || len(last.Items) != 2 {
		t.Errorf("ungrouped group = %+v", last)
	}
}

func TestFriendTitlePrefersRemark(t *testing.T) {
	f := store.Friend{Peer: "p", Payload: obj(map[string]any{"nickname": "nick", "remark": "rem"})}
	if got := FriendTitle(f); got != "rem" {
		t.Errorf("title = %q", got)
	}
	if got := FriendTitle(store.Friend{Peer: "p"}); got != "p" {
		t.Errorf("title = %q", got)
	}
}

func TestGroupFriendsEmpty(t *testing.T) {
	if got := GroupFriends(nil, []string{"work"}); got != nil {
		t.Errorf("got %v", got)
	}
}
