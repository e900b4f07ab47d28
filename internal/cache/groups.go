package cache

import (
	"cmp"
	"slices"
	"strings"

	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/store"
)

// UngroupedLabel names the group of friends without a group tag.
const UngroupedLabel = "Ungrouped"

// FriendGroup is one section of the grouped friend list.
type FriendGroup struct {
	Key   string
	Label string
	Items []store.Friend
}

// Groups buckets the cached friends by their groupTag. Tags listed in
// preferred come first in that order; the rest follow by label, and the
// ungrouped bucket is last unless preferred places it. Friends within a
// group are sorted by title.
func (c *FriendCache) Groups(preferred []string) []FriendGroup {
	return GroupFriends(c.Friends(), preferred)
}

// GroupFriends is the grouping used by FriendCache.Groups.
func GroupFriends(friends []store.Friend, preferred []string) []FriendGroup {
	if len(friends) == 0 {
		return nil
	}

	order := make(map[string]int, len(preferred))
	for i, tag := range preferred {
		label := groupLabel(tag)
		if _, ok := order[label]; !ok {
			order[label] = i
		}
	}

	byLabel := make(map[string][]store.Friend)
	for _, f := range friends {
		label := groupLabel(payload.StringField(f.Payload, "groupTag"))
		byLabel[label] = append(byLabel[label], f)
	}

	groups := make([]FriendGroup, 0, len(byLabel))
	for label, items := range byLabel {
		key := "tag:" + label
		if label == UngroupedLabel {
			key = "ungrouped"
		}
		slices.SortStableFunc(items, func(a, b store.Friend) int {
			return cmp.Compare(strings.ToLower(FriendTitle(a)), strings.ToLower(FriendTitle(b)))
		})
		groups = append(groups, FriendGroup{Key: key, Label: label, Items: items})
	}

	rank := func(label string) int {
		if i, ok := order[label]; ok {
			return i
		}
		return len(preferred)
	}
	slices.SortFunc(groups, func(a, b FriendGroup) int {
		if c := cmp.Compare(rank(a.Label), rank(b.Label)); c != 0 {
			return c
		}
		switch {
		case a.Label == UngroupedLabel:
			return 1
		case b.Label == UngroupedLabel:
			return -1
		}
		return cmp.Compare(a.Label, b.Label)
	})
	return groups
}

func groupLabel(tag string) string {
	if tag = strings.TrimSpace(tag); tag == "" {
		return UngroupedLabel
	}
	return tag
}
