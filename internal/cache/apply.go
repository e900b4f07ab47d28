package cache

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"go.uber.org/zap"
)

// HandleAction answers a received friend request.
type HandleAction int

const (
	Accept HandleAction = 1
	Reject HandleAction = 2
)

// Apply statuses carried in row status and payload.
const (
	ApplyPending  = 0
	ApplyAccepted = 1
	ApplyRejected = 2
)

// ResendSource tags a friend request sent again from this client.
const ResendSource = "desktop_resend"

// ApplyAPI is the part of the remote client the apply cache calls.
type ApplyAPI interface {
	ApplyInbox(ctx context.Context, page, pageSize int) (remote.ItemPage, error)
	ApplyOutbox(ctx context.Context, page, pageSize int) (remote.ItemPage, error)
	UnreadApplyCount(ctx context.Context) (int64, error)
	MarkAppliesRead(ctx context.Context, ids []int64) error
	HandleApply(ctx context.Context, id int64, action int, remark string) error
	SendApply(ctx context.Context, target, reason, source string) (int64, error)
}

// ApplyStore is the part of the local store the apply cache uses.
type ApplyStore interface {
	ListApplies(ctx context.Context, owner string, dir store.Direction) ([]store.Apply, error)
	UpsertApplies(ctx context.Context, owner string, rows []store.Apply) error
	ReplaceApplies(ctx context.Context, owner string, dir store.Direction, rows []store.Apply) error
}

// ApplyCache holds received (inbox) and sent (outbox) friend requests and
// the unread count of the inbox.
//
// The unread count is authoritative when it came from the server. When that
// fetch fails it is recounted from the cached inbox and marked unsynced.
type ApplyCache struct {
	db      ApplyStore
	api     ApplyAPI
	friends Syncer
	bus     *bus.Bus
	logger  *zap.Logger
	limits  syncer.Limits
	guard   syncer.Guard
	now     func() time.Time

	mu           sync.RWMutex
	owner        string
	inbox        []store.Apply
	sent         []store.Apply
	unread       int64
	unreadSynced bool
}

// NewApplyCache creates an empty apply cache. friends is resynced after an
// accepted request.
func NewApplyCache(db ApplyStore, api ApplyAPI, friends Syncer, b *bus.Bus, logger *zap.Logger, limits syncer.Limits) *ApplyCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ApplyCache{
		db:      db,
		api:     api,
		friends: friends,
		bus:     b,
		logger:  logger.With(zap.String("collection", NameApplies)),
		limits:  limits.Normalize(),
		now:     time.Now,
	}
}

func (c *ApplyCache) Name() string { return NameApplies }

func (c *ApplyCache) Inbox() []store.Apply {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.inbox)
}

func (c *ApplyCache) Sent() []store.Apply {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.sent)
}

// UnreadCount returns the unread inbox count and whether it is the server's
// figure.
func (c *ApplyCache) UnreadCount() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.unread, c.unreadSynced
}

func (c *ApplyCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner, c.inbox, c.sent = "", nil, nil
	c.unread, c.unreadSynced = 0, false
}

// LoadInbox rebuilds the inbox from the store and recounts unread locally.
func (c *ApplyCache) LoadInbox(ctx context.Context, owner string) {
	rows, err := c.db.ListApplies(ctx, owner, store.Inbox)
	if err != nil {
		c.logger.Warn("load inbox applies from store failed", zap.String("owner", owner), zap.Error(err))
		rows = nil
	}
	c.mu.Lock()
	c.owner = owner
	c.inbox = rows
	c.unread, c.unreadSynced = countUnread(rows), false
	c.mu.Unlock()
	c.emit(owner)
}

// LoadSent rebuilds the sent list from the store.
func (c *ApplyCache) LoadSent(ctx context.Context, owner string) {
	rows, err := c.db.ListApplies(ctx, owner, store.Outbox)
	if err != nil {
		c.logger.Warn("load sent applies from store failed", zap.String("owner", owner), zap.Error(err))
		rows = nil
	}
	c.mu.Lock()
	c.owner = owner
	c.sent = rows
	c.mu.Unlock()
	c.emit(owner)
}

func (c *ApplyCache) emit(owner string) {
	c.mu.RLock()
	n := len(c.inbox) + len(c.sent)
	c.mu.RUnlock()
	c.bus.Emit(bus.KindAppliesChanged, bus.CacheChange{Owner: owner, Count: n})
}

// SyncFromServer reconciles both directions and the unread count.
func (c *ApplyCache) SyncFromServer(ctx context.Context, owner string) error {
	if err := c.SyncInboxFromServer(ctx, owner); err != nil {
		return err
	}
	return c.SyncSentFromServer(ctx, owner)
}

// SyncInboxFromServer replaces the inbox with a bounded full pull, then
// refreshes the unread count. A failed pull keeps the local inbox.
func (c *ApplyCache) SyncInboxFromServer(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	err := c.guard.Do(owner, NameApplies+"/inbox", func() error {
		return c.pull(ctx, owner, store.Inbox, c.api.ApplyInbox)
	})
	if err != nil {
		return err
	}
	return c.SyncUnreadCount(ctx, owner)
}

// SyncSentFromServer replaces the sent list with a bounded full pull.
func (c *ApplyCache) SyncSentFromServer(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	return c.guard.Do(owner, NameApplies+"/outbox", func() error {
		return c.pull(ctx, owner, store.Outbox, c.api.ApplyOutbox)
	})
}

func (c *ApplyCache) pull(ctx context.Context, owner string, dir store.Direction,
	list func(ctx context.Context, page, pageSize int) (remote.ItemPage, error),
) error {
	log := c.logger.With(zap.String("owner", owner), zap.String("direction", string(dir)))

	full, err := syncer.FullPull(ctx, c.limits, func(ctx context.Context, page, size int) (syncer.Page[store.Apply], error) {
		p, err := list(ctx, page, size)
		if err != nil {
			return syncer.Page[store.Apply]{}, err
		}
		return syncer.Page[store.Apply]{
			Items:      c.applyRows(owner, dir, p.Items),
			TotalPages: p.Pagination.TotalPagesOrOne(),
		}, nil
	})
	if surfaced(err) {
		return err
	}
	if err != nil {
		log.Warn("apply full pull failed, keeping local list", zap.Error(err))
		if dir == store.Inbox {
			c.LoadInbox(ctx, owner)
		} else {
			c.LoadSent(ctx, owner)
		}
		return nil
	}

	if err := c.db.ReplaceApplies(ctx, owner, dir, full.Items); err != nil {
		log.Warn("replace applies in store failed", zap.Error(err))
	}
	c.setDirection(owner, dir, sortApplies(full.Items))
	return nil
}

func (c *ApplyCache) setDirection(owner string, dir store.Direction, rows []store.Apply) {
	c.mu.Lock()
	c.owner = owner
	if dir == store.Inbox {
		c.inbox = rows
		if !c.unreadSynced {
			c.unread = countUnread(rows)
		}
	} else {
		c.sent = rows
	}
	c.mu.Unlock()
	c.emit(owner)
}

// SyncUnreadCount fetches the authoritative unread count, falling back to a
// local count of the cached inbox.
func (c *ApplyCache) SyncUnreadCount(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	n, err := c.api.UnreadApplyCount(ctx)
	if surfaced(err) {
		return err
	}

	c.mu.Lock()
	if err != nil {
		c.unread, c.unreadSynced = countUnread(c.inbox), false
	} else {
		c.unread, c.unreadSynced = max(n, 0), true
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("fetch unread apply count failed, using local count", zap.String("owner", owner), zap.Error(err))
	}
	c.emit(owner)
	return nil
}

// MarkAsRead marks received requests read on the server, then patches the
// cached rows and refreshes the unread count.
func (c *ApplyCache) MarkAsRead(ctx context.Context, owner string, ids []int64) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.api.MarkAppliesRead(ctx, ids); err != nil {
		return err
	}

	c.mu.RLock()
	var patched []store.Apply
	for _, row := range c.inbox {
		if slices.Contains(ids, row.ApplyID) {
			patched = append(patched, c.patchApply(row, row.Status, true))
		}
	}
	c.mu.RUnlock()

	c.upsertInbox(ctx, owner, patched)
	return c.SyncUnreadCount(ctx, owner)
}

// Handle accepts or rejects a received request. After the server
// acknowledges, the cached row takes the new status and is marked read. An
// accepted request resyncs the friend list.
func (c *ApplyCache) Handle(ctx context.Context, owner string, id int64, action HandleAction, remark string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if id <= 0 {
		return errs.Validation("apply id is required")
	}
	if action != Accept && action != Reject {
		return errs.Validation("unknown apply action %d", action)
	}
	if err := c.api.HandleApply(ctx, id, int(action), strings.TrimSpace(remark)); err != nil {
		return err
	}

	status := ApplyRejected
	if action == Accept {
		status = ApplyAccepted
	}
	c.mu.RLock()
	var patched []store.Apply
	for _, row := range c.inbox {
		if row.ApplyID == id {
			patched = append(patched, c.patchApply(row, status, true))
		}
	}
	c.mu.RUnlock()

	c.upsertInbox(ctx, owner, patched)
	if err := c.SyncUnreadCount(ctx, owner); err != nil {
		return err
	}
	if action == Accept && c.friends != nil {
		return c.friends.SyncFromServer(ctx, owner)
	}
	return nil
}

// Send sends a new friend request and refreshes the sent list.
func (c *ApplyCache) Send(ctx context.Context, owner, target, reason string) (int64, error) {
	if err := requirePeer(owner, target); err != nil {
		return 0, err
	}
	id, err := c.api.SendApply(ctx, strings.TrimSpace(target), strings.TrimSpace(reason), "")
	if err != nil {
		return 0, err
	}
	return id, c.SyncSentFromServer(ctx, owner)
}

// RetrySent sends a previously sent request again. An empty reason reuses
// the original one. The cached row is replaced by a pending row under the
// id the server returned.
func (c *ApplyCache) RetrySent(ctx context.Context, owner string, id int64, reason string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	c.mu.RLock()
	idx := slices.IndexFunc(c.sent, func(a store.Apply) bool { return a.ApplyID == id })
	var current store.Apply
	if idx >= 0 {
		current = c.sent[idx]
	}
	c.mu.RUnlock()
	if idx < 0 {
		return errs.Validation("sent apply %d not found", id)
	}
	target := payload.StringField(current.Payload, "targetUuid")
	if target == "" {
		return errs.Validation("sent apply %d has no target", id)
	}

	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = payload.StringField(current.Payload, "reason")
	}
	newID, err := c.api.SendApply(ctx, target, reason, ResendSource)
	if err != nil {
		return err
	}
	if newID == 0 {
		newID = current.ApplyID
	}

	ts := c.now().UnixMilli()
	next := store.Apply{
		Owner:     owner,
		ApplyID:   newID,
		Direction: store.Outbox,
		Status:    ApplyPending,
		Payload: current.Payload.
			With("applyId", payload.Int(newID)).
			With("source", payload.String(ResendSource)).
			With("reason", payload.String(reason)).
			With("status", payload.Int(ApplyPending)).
			With("isRead", payload.Bool(false)).
			With("createdAt", payload.Int(ts)),
		UpdatedAt: ts,
	}
	if err := c.db.UpsertApplies(ctx, owner, []store.Apply{next}); err != nil {
		c.logger.Warn("upsert sent apply failed", zap.String("owner", owner), zap.Error(err))
	}

	c.mu.Lock()
	c.sent = mergeApplies(c.sent, []store.Apply{next})
	c.mu.Unlock()
	c.emit(owner)
	return nil
}

func (c *ApplyCache) upsertInbox(ctx context.Context, owner string, rows []store.Apply) {
	if len(rows) == 0 {
		return
	}
	if err := c.db.UpsertApplies(ctx, owner, rows); err != nil {
		c.logger.Warn("upsert inbox applies failed", zap.String("owner", owner), zap.Error(err))
	}
	c.mu.Lock()
	c.inbox = mergeApplies(c.inbox, rows)
	c.mu.Unlock()
	c.emit(owner)
}

func (c *ApplyCache) patchApply(row store.Apply, status int, read bool) store.Apply {
	row.Status = status
	row.Payload = row.Payload.
		With("status", payload.Int(int64(status))).
		With("isRead", payload.Bool(read))
	row.UpdatedAt = c.now().UnixMilli()
	return row
}

func (c *ApplyCache) applyRows(owner string, dir store.Direction, items []payload.Value) []store.Apply {
	rows := make([]store.Apply, 0, len(items))
	for _, item := range items {
		id := payload.IntField(item, "applyId", 0)
		if id <= 0 {
			continue
		}
		body := objectOrEmpty(item)
		if dir == store.Outbox {
			body = flattenTarget(body)
		}
		updatedAt := payload.IntField(item, "createdAt", 0)
		if updatedAt <= 0 {
			updatedAt = c.now().UnixMilli()
		}
		rows = append(rows, store.Apply{
			Owner:     owner,
			ApplyID:   id,
			Direction: dir,
			Status:    int(payload.IntField(item, "status", ApplyPending)),
			Payload:   body,
			UpdatedAt: updatedAt,
		})
	}
	return rows
}

// flattenTarget lifts targetInfo.nickname and targetInfo.avatar of a sent
// request to the top level.
func flattenTarget(item payload.Value) payload.Value {
	info := item.Field("targetInfo")
	nickname := payload.StringField(info, "nickname")
	if nickname == "" {
		nickname = payload.StringField(item, "targetUuid")
	}
	return item.
		With("targetNickname", payload.String(nickname)).
		With("targetAvatar", payload.String(payload.StringField(info, "avatar")))
}

func countUnread(rows []store.Apply) int64 {
	var n int64
	for _, row := range rows {
		if !payload.TruthyField(row.Payload, "isRead") {
			n++
		}
	}
	return n
}

func mergeApplies(current, rows []store.Apply) []store.Apply {
	byID := make(map[int64]store.Apply, len(current)+len(rows))
	for _, a := range current {
		byID[a.ApplyID] = a
	}
	for _, a := range rows {
		byID[a.ApplyID] = a
	}
	out := make([]store.Apply, 0, len(byID))
	for _, a := range byID {
		out = append(out, a)
	}
	return sortApplies(out)
}

func sortApplies(rows []store.Apply) []store.Apply {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b store.Apply) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ApplyID, a.ApplyID)
	})
	return out
}
