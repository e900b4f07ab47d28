package remote

import "github.com/matheus3301/lcsync/internal/payload"

// Pagination is the paging block of list responses.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"pageSize"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// TotalPagesOrOne returns the page count of p, treating a missing block as a
// single page.
func (p *Pagination) TotalPagesOrOne() int {
	if p == nil || p.TotalPages < 1 {
		return 1
	}
	return p.TotalPages
}

// FriendList is one page of the friend full pull. Version is the server
// cursor the page was read at.
type FriendList struct {
	Items      []payload.Value `json:"items"`
	Pagination *Pagination     `json:"pagination"`
	Version    int64           `json:"version"`
}

// FriendChange is one friend delta as served.
type FriendChange struct {
	Action    string        `json:"action"`
	PeerUUID  string        `json:"peerUuid"`
	Payload   payload.Value `json:"payload"`
	Version   int64         `json:"version"`
	UpdatedAt int64         `json:"updatedAt"`
}

// FriendDelta is one round of incremental friend sync.
type FriendDelta struct {
	Changes       []FriendChange `json:"changes"`
	HasMore       bool           `json:"hasMore"`
	LatestVersion int64          `json:"latestVersion"`
}

// ItemPage is a generic paged list of schema-less items (blacklist,
// applies).
type ItemPage struct {
	Items      []payload.Value `json:"items"`
	Pagination *Pagination     `json:"pagination"`
}

// UnreadCount is the server's count of unread received applies.
type UnreadCount struct {
	UnreadCount int64 `json:"unreadCount"`
}

// SentApply is returned after sending a friend request.
type SentApply struct {
	ApplyID int64 `json:"applyId"`
}

// OnlineStatus is the presence of one user.
type OnlineStatus struct {
	UserUUID        string   `json:"userUuid"`
	IsOnline        bool     `json:"isOnline"`
	LastSeenAt      string   `json:"lastSeenAt"`
	OnlinePlatforms []string `json:"onlinePlatforms"`
}

// BatchOnlineStatus wraps a batch presence lookup.
type BatchOnlineStatus struct {
	Users []OnlineStatus `json:"users"`
}

// SentMessage acknowledges an outgoing chat message.
type SentMessage struct {
	MsgID    string `json:"msgId"`
	Seq      int64  `json:"seq"`
	SendTime int64  `json:"sendTime"`
}
