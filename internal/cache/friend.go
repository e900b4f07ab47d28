package cache

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"go.uber.org/zap"
)

// FriendAPI is the part of the remote client the friend cache calls.
type FriendAPI interface {
	FriendList(ctx context.Context, page, pageSize int) (remote.FriendList, error)
	FriendDelta(ctx context.Context, version int64, limit int) (remote.FriendDelta, error)
	SetFriendRemark(ctx context.Context, peer, remark string) error
	SetFriendTag(ctx context.Context, peer, tag string) error
	DeleteFriend(ctx context.Context, peer string) error
}

// FriendStore is the part of the local store the friend cache uses.
type FriendStore interface {
	ListFriends(ctx context.Context, owner string) ([]store.Friend, error)
	ReplaceFriends(ctx context.Context, owner string, rows []store.Friend, version int64) error
	ApplyFriendChanges(ctx context.Context, owner string, changes []store.FriendChange, latestVersion int64) error
	GetSyncVersion(ctx context.Context, owner, domain string) (int64, error)
}

// FriendCache is the friend list of the current owner.
type FriendCache struct {
	db     FriendStore
	api    FriendAPI
	bus    *bus.Bus
	logger *zap.Logger
	limits syncer.Limits
	guard  syncer.Guard

	mu      sync.RWMutex
	owner   string
	friends []store.Friend
	version int64
}

// NewFriendCache creates an empty friend cache.
func NewFriendCache(db FriendStore, api FriendAPI, b *bus.Bus, logger *zap.Logger, limits syncer.Limits) *FriendCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FriendCache{
		db:     db,
		api:    api,
		bus:    b,
		logger: logger.With(zap.String("collection", NameFriends)),
		limits: limits.Normalize(),
	}
}

func (c *FriendCache) Name() string { return NameFriends }

// Friends returns a copy of the cached list, most recently updated first.
func (c *FriendCache) Friends() []store.Friend {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.friends)
}

// Version returns the cursor the cached list reflects.
func (c *FriendCache) Version() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Load rebuilds the projection and its version from the local store. A
// storage failure leaves the cache empty.
func (c *FriendCache) Load(ctx context.Context, owner string) {
	rows, err := c.db.ListFriends(ctx, owner)
	if err != nil {
		c.logger.Warn("load friends from store failed", zap.String("owner", owner), zap.Error(err))
		c.set(owner, nil, -1)
		return
	}
	c.set(owner, rows, c.storedCursor(ctx, owner))
}

// Reset drops the projection.
func (c *FriendCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner, c.friends, c.version = "", nil, 0
}

// set replaces the projection. A negative version keeps the current one.
func (c *FriendCache) set(owner string, rows []store.Friend, version int64) {
	c.mu.Lock()
	if c.owner != owner {
		c.version = 0
	}
	c.owner = owner
	c.friends = rows
	if version >= 0 {
		c.version = version
	}
	n := len(rows)
	c.mu.Unlock()
	c.bus.Emit(bus.KindFriendsChanged, bus.CacheChange{Owner: owner, Count: n})
}

// SyncFromServer reconciles the friend list: a bounded full pull replaces
// the local list, then incremental rounds run from the pulled version. If
// the full pull fails the local list is kept and incremental sync resumes
// from the stored cursor.
func (c *FriendCache) SyncFromServer(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	return c.guard.Do(owner, NameFriends, func() error {
		return c.syncFromServer(ctx, owner)
	})
}

func (c *FriendCache) syncFromServer(ctx context.Context, owner string) error {
	log := c.logger.With(zap.String("owner", owner))

	var cursor int64
	full, err := syncer.FullPull(ctx, c.limits, func(ctx context.Context, page, size int) (syncer.Page[store.Friend], error) {
		list, err := c.api.FriendList(ctx, page, size)
		if err != nil {
			return syncer.Page[store.Friend]{}, err
		}
		return syncer.Page[store.Friend]{
			Items:      friendRows(owner, list.Items),
			TotalPages: list.Pagination.TotalPagesOrOne(),
			Version:    list.Version,
		}, nil
	})
	switch {
	case surfaced(err):
		return err
	case err != nil:
		log.Warn("friend full pull failed, keeping local list", zap.Error(err))
		c.Load(ctx, owner)
		cursor = c.storedCursor(ctx, owner)
	default:
		if full.Truncated {
			log.Warn("friend full pull hit page ceiling", zap.Int("pages", full.Pages))
		}
		c.replace(ctx, owner, full.Items, full.Version)
		cursor = full.Version
	}

	res, err := syncer.Incremental(ctx, c.limits, cursor,
		func(ctx context.Context, version int64, limit int) (syncer.Delta, error) {
			d, err := c.api.FriendDelta(ctx, version, limit)
			if err != nil {
				return syncer.Delta{}, err
			}
			return syncer.Delta{
				Changes:       friendChanges(d.Changes),
				HasMore:       d.HasMore,
				LatestVersion: d.LatestVersion,
			}, nil
		},
		func(ctx context.Context, changes []store.FriendChange, latest int64) error {
			c.applyChanges(ctx, owner, changes, latest)
			return nil
		})
	if surfaced(err) {
		return err
	}
	if err != nil {
		log.Warn("friend incremental sync stopped early", zap.Int("rounds", res.Rounds), zap.Error(err))
	}
	if res.Exhausted {
		log.Warn("friend incremental sync hit round ceiling", zap.Int64("version", res.Version))
	}
	log.Debug("friends synced", zap.Int64("version", res.Version), zap.Int("applied", res.Applied))
	return nil
}

func (c *FriendCache) storedCursor(ctx context.Context, owner string) int64 {
	v, err := c.db.GetSyncVersion(ctx, owner, store.DomainFriend)
	if err != nil {
		c.logger.Warn("read friend cursor failed", zap.String("owner", owner), zap.Error(err))
		return c.Version()
	}
	return v
}

func (c *FriendCache) replace(ctx context.Context, owner string, rows []store.Friend, version int64) {
	if err := c.db.ReplaceFriends(ctx, owner, rows, version); err != nil {
		c.logger.Warn("replace friends in store failed", zap.String("owner", owner), zap.Error(err))
		c.set(owner, sortFriends(rows), version)
		return
	}
	stored, err := c.db.ListFriends(ctx, owner)
	if err != nil {
		stored = sortFriends(rows)
	}
	c.set(owner, stored, version)
}

func (c *FriendCache) applyChanges(ctx context.Context, owner string, changes []store.FriendChange, latest int64) {
	if err := c.db.ApplyFriendChanges(ctx, owner, changes, latest); err != nil {
		c.logger.Warn("apply friend changes in store failed", zap.String("owner", owner), zap.Error(err))
		c.mu.RLock()
		merged := mergeFriendChanges(c.friends, owner, changes, latest)
		c.mu.RUnlock()
		c.set(owner, merged, latest)
		return
	}
	stored, err := c.db.ListFriends(ctx, owner)
	if err != nil {
		c.mu.RLock()
		stored = mergeFriendChanges(c.friends, owner, changes, latest)
		c.mu.RUnlock()
	}
	c.set(owner, stored, latest)
}

// SetRemark renames a friend on the server, patches the cached row and
// resyncs.
func (c *FriendCache) SetRemark(ctx context.Context, owner, peer, remark string) error {
	if err := requirePeer(owner, peer); err != nil {
		return err
	}
	remark = strings.TrimSpace(remark)
	if err := c.api.SetFriendRemark(ctx, peer, remark); err != nil {
		return err
	}
	c.patch(ctx, owner, peer, "remark", payload.String(remark))
	return c.SyncFromServer(ctx, owner)
}

// SetTag moves a friend into a group on the server, patches the cached row
// and resyncs.
func (c *FriendCache) SetTag(ctx context.Context, owner, peer, tag string) error {
	if err := requirePeer(owner, peer); err != nil {
		return err
	}
	tag = strings.TrimSpace(tag)
	if err := c.api.SetFriendTag(ctx, peer, tag); err != nil {
		return err
	}
	c.patch(ctx, owner, peer, "groupTag", payload.String(tag))
	return c.SyncFromServer(ctx, owner)
}

// Delete removes a friend on the server and resyncs.
func (c *FriendCache) Delete(ctx context.Context, owner, peer string) error {
	if err := requirePeer(owner, peer); err != nil {
		return err
	}
	if err := c.api.DeleteFriend(ctx, peer); err != nil {
		return err
	}
	c.mu.RLock()
	var version int64
	if i := slices.IndexFunc(c.friends, func(f store.Friend) bool { return f.Peer == peer }); i >= 0 && c.owner == owner {
		version = c.friends[i].Version
	}
	c.mu.RUnlock()
	c.record(ctx, owner, store.FriendChange{Action: store.ActionDelete, Peer: peer, Version: version})
	return c.SyncFromServer(ctx, owner)
}

// patch sets key on the cached row of peer and records the row, so the
// change survives a resync that cannot reach the server.
func (c *FriendCache) patch(ctx context.Context, owner, peer, key string, val payload.Value) {
	c.mu.RLock()
	var (
		row   store.Friend
		found bool
	)
	if c.owner == owner {
		if i := slices.IndexFunc(c.friends, func(f store.Friend) bool { return f.Peer == peer }); i >= 0 {
			row, found = c.friends[i], true
		}
	}
	c.mu.RUnlock()
	if !found {
		return
	}
	c.record(ctx, owner, store.FriendChange{
		Action:    store.ActionUpsert,
		Peer:      peer,
		Payload:   row.Payload.With(key, val),
		Version:   row.Version,
	})
}

// record applies one locally made change at the current cursor.
func (c *FriendCache) record(ctx context.Context, owner string, change store.FriendChange) {
	latest := max(c.Version(), 0)
	if change.Version == 0 {
		change.Version = latest
	}
	c.applyChanges(ctx, owner, []store.FriendChange{change}, latest)
}

func requirePeer(owner, peer string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if strings.TrimSpace(peer) == "" {
		return errs.Validation("peer is required")
	}
	return nil
}

// FriendPeer extracts the peer id from a server friend item.
func FriendPeer(item payload.Value) string {
	return payload.FirstString(item, "uuid", "friendUuid", "peerUuid", "userUuid")
}

// FriendTitle is the display name of a friend: remark, then nickname, then
// the peer id.
func FriendTitle(f store.Friend) string {
	if t := payload.FirstString(f.Payload, "remark", "nickname"); t != "" {
		return t
	}
	return f.Peer
}

func friendRows(owner string, items []payload.Value) []store.Friend {
	rows := make([]store.Friend, 0, len(items))
	for _, item := range items {
		peer := FriendPeer(item)
		if peer == "" {
			continue
		}
		rows = append(rows, store.Friend{
			Owner:     owner,
			Peer:      peer,
			Payload:   objectOrEmpty(item),
			Version:   payload.IntField(item, "version", 0),
			UpdatedAt: payload.IntField(item, "updatedAt", 0),
		})
	}
	return rows
}

func friendChanges(in []remote.FriendChange) []store.FriendChange {
	out := make([]store.FriendChange, 0, len(in))
	for _, ch := range in {
		action := store.ActionUpsert
		if strings.EqualFold(ch.Action, string(store.ActionDelete)) {
			action = store.ActionDelete
		}
		out = append(out, store.FriendChange{
			Action:    action,
			Peer:      ch.PeerUUID,
			Payload:   objectOrEmpty(ch.Payload),
			Version:   ch.Version,
			UpdatedAt: ch.UpdatedAt,
		})
	}
	return out
}

// mergeFriendChanges applies changes to an in-memory list with the same
// rules as the store: stale versions are ignored.
func mergeFriendChanges(current []store.Friend, owner string, changes []store.FriendChange, latest int64) []store.Friend {
	byPeer := make(map[string]store.Friend, len(current))
	for _, f := range current {
		byPeer[f.Peer] = f
	}
	for _, ch := range changes {
		if ch.Peer == "" {
			continue
		}
		version := ch.Version
		if version == 0 {
			version = latest
		}
		existing, ok := byPeer[ch.Peer]
		if ok && existing.Version > version {
			continue
		}
		if ch.Action == store.ActionDelete {
			delete(byPeer, ch.Peer)
			continue
		}
		byPeer[ch.Peer] = store.Friend{
			Owner:     owner,
			Peer:      ch.Peer,
			Payload:   ch.Payload,
			Version:   version,
			UpdatedAt: ch.UpdatedAt,
		}
	}
	out := make([]store.Friend, 0, len(byPeer))
	for _, f := range byPeer {
		out = append(out, f)
	}
	return sortFriends(out)
}

func sortFriends(rows []store.Friend) []store.Friend {
	out := slices.Clone(rows)
	slices.SortStableFunc(out, func(a, b store.Friend) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Peer, b.Peer)
	})
	return out
}
