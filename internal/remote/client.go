// Package remote is the typed client of the chat server's HTTP API. Every
// call goes through a transport.Doer, normally the session coordinator.
package remote

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/transport"
)

// Endpoint paths.
const (
	PathFriendList       = "/api/v1/auth/friend/list"
	PathFriendSync       = "/api/v1/auth/friend/sync"
	PathFriendRemark     = "/api/v1/auth/friend/remark"
	PathFriendTag        = "/api/v1/auth/friend/tag"
	PathFriend           = "/api/v1/auth/friend/"
	PathBlacklist        = "/api/v1/auth/blacklist"
	PathApplyInbox       = "/api/v1/auth/friend/apply/list"
	PathApplySent        = "/api/v1/auth/friend/apply/sent"
	PathApplyUnread      = "/api/v1/auth/friend/apply/unread-count"
	PathApplyRead        = "/api/v1/auth/friend/apply/read"
	PathApplyHandle      = "/api/v1/auth/friend/apply/handle"
	PathApply            = "/api/v1/auth/friend/apply"
	PathProfile          = "/api/v1/auth/user/profile"
	PathOnlineStatus     = "/api/v1/auth/user/online-status/"
	PathOnlineStatusBulk = "/api/v1/auth/user/online-status/batch"
	PathMessageSend      = "/api/v1/auth/message/send"
)

// AllApplyStatuses asks the apply list endpoints for every status.
const AllApplyStatuses = -1

// Client is the typed API client.
type Client struct {
	doer transport.Doer
}

// New creates a client over doer.
func New(doer transport.Doer) *Client {
	return &Client{doer: doer}
}

func call[T any](ctx context.Context, c *Client, req *transport.Request) (T, error) {
	resp, err := c.doer.Do(ctx, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return transport.Decode[T](resp)
}

func pageQuery(page, pageSize int) url.Values {
	return url.Values{
		"page":     {strconv.Itoa(page)},
		"pageSize": {strconv.Itoa(pageSize)},
	}
}

// FriendList fetches one page of the complete friend list.
func (c *Client) FriendList(ctx context.Context, page, pageSize int) (FriendList, error) {
	return call[FriendList](ctx, c, &transport.Request{Path: PathFriendList, Query: pageQuery(page, pageSize)})
}

// FriendDelta fetches up to limit friend changes after version.
func (c *Client) FriendDelta(ctx context.Context, version int64, limit int) (FriendDelta, error) {
	return call[FriendDelta](ctx, c, &transport.Request{
		Path: PathFriendSync,
		Query: url.Values{
			"version": {strconv.FormatInt(version, 10)},
			"limit":   {strconv.Itoa(limit)},
		},
	})
}

// SetFriendRemark renames a friend for the owner only.
func (c *Client) SetFriendRemark(ctx context.Context, peer, remark string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodPut,
		Path:   PathFriendRemark,
		Body:   map[string]string{"friendUuid": peer, "remark": remark},
	})
	return err
}

// SetFriendTag moves a friend into a group.
func (c *Client) SetFriendTag(ctx context.Context, peer, tag string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodPut,
		Path:   PathFriendTag,
		Body:   map[string]string{"friendUuid": peer, "groupTag": tag},
	})
	return err
}

// DeleteFriend removes a friend.
func (c *Client) DeleteFriend(ctx context.Context, peer string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodDelete,
		Path:   PathFriend + url.PathEscape(peer),
	})
	return err
}

// Blacklist fetches one page of blocked users.
func (c *Client) Blacklist(ctx context.Context, page, pageSize int) (ItemPage, error) {
	return call[ItemPage](ctx, c, &transport.Request{Path: PathBlacklist, Query: pageQuery(page, pageSize)})
}

// AddBlacklist blocks peer.
func (c *Client) AddBlacklist(ctx context.Context, peer string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathBlacklist,
		Body:   map[string]string{"userUuid": peer},
	})
	return err
}

// RemoveBlacklist unblocks peer.
func (c *Client) RemoveBlacklist(ctx context.Context, peer string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodDelete,
		Path:   PathBlacklist + "/" + url.PathEscape(peer),
	})
	return err
}

func applyQuery(page, pageSize int) url.Values {
	q := pageQuery(page, pageSize)
	q.Set("status", strconv.Itoa(AllApplyStatuses))
	return q
}

// ApplyInbox fetches one page of received friend requests.
func (c *Client) ApplyInbox(ctx context.Context, page, pageSize int) (ItemPage, error) {
	return call[ItemPage](ctx, c, &transport.Request{Path: PathApplyInbox, Query: applyQuery(page, pageSize)})
}

// ApplyOutbox fetches one page of sent friend requests.
func (c *Client) ApplyOutbox(ctx context.Context, page, pageSize int) (ItemPage, error) {
	return call[ItemPage](ctx, c, &transport.Request{Path: PathApplySent, Query: applyQuery(page, pageSize)})
}

// UnreadApplyCount returns the server's unread received-apply count.
func (c *Client) UnreadApplyCount(ctx context.Context) (int64, error) {
	data, err := call[UnreadCount](ctx, c, &transport.Request{Path: PathApplyUnread})
	return data.UnreadCount, err
}

// MarkAppliesRead marks received applies as read.
func (c *Client) MarkAppliesRead(ctx context.Context, ids []int64) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathApplyRead,
		Body:   map[string]any{"applyIds": ids},
	})
	return err
}

// HandleApply accepts (1) or rejects (2) a received apply.
func (c *Client) HandleApply(ctx context.Context, id int64, action int, remark string) error {
	_, err := call[payload.Value](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathApplyHandle,
		Body:   map[string]any{"applyId": id, "action": action, "remark": remark},
	})
	return err
}

// SendApply sends a friend request and returns its id.
func (c *Client) SendApply(ctx context.Context, target, reason, source string) (int64, error) {
	data, err := call[SentApply](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathApply,
		Body:   map[string]string{"targetUuid": target, "reason": reason, "source": source},
	})
	return data.ApplyID, err
}

// Profile returns the signed-in user's profile.
func (c *Client) Profile(ctx context.Context) (payload.Value, error) {
	return call[payload.Value](ctx, c, &transport.Request{Path: PathProfile})
}

// OnlineStatus returns the presence of one user.
func (c *Client) OnlineStatus(ctx context.Context, uuid string) (OnlineStatus, error) {
	return call[OnlineStatus](ctx, c, &transport.Request{Path: PathOnlineStatus + url.PathEscape(uuid)})
}

// BatchOnlineStatus returns the presence of several users.
func (c *Client) BatchOnlineStatus(ctx context.Context, uuids []string) ([]OnlineStatus, error) {
	data, err := call[BatchOnlineStatus](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathOnlineStatusBulk,
		Body:   map[string]any{"userUuids": uuids},
	})
	return data.Users, err
}

// SendMessage delivers a text message composed offline.
func (c *Client) SendMessage(ctx context.Context, convID, clientMsgID, text string) (SentMessage, error) {
	return call[SentMessage](ctx, c, &transport.Request{
		Method: http.MethodPost,
		Path:   PathMessageSend,
		Body:   map[string]string{"convId": convID, "clientMsgId": clientMsgID, "text": text},
	})
}
