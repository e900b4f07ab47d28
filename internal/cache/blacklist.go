package cache

import (
	"context"
	"slices"
	"sync"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"go.uber.org/zap"
)

// BlacklistAPI is the part of the remote client the blacklist cache calls.
type BlacklistAPI interface {
	Blacklist(ctx context.Context, page, pageSize int) (remote.ItemPage, error)
	AddBlacklist(ctx context.Context, peer string) error
	RemoveBlacklist(ctx context.Context, peer string) error
}

// BlacklistStore is the part of the local store the blacklist cache uses.
type BlacklistStore interface {
	ListBlacklist(ctx context.Context, owner string) ([]store.BlacklistEntry, error)
	ReplaceBlacklist(ctx context.Context, owner string, rows []store.BlacklistEntry) error
}

// BlacklistCache is the list of users the owner blocked. It has no delta
// protocol: every sync is a full pull.
type BlacklistCache struct {
	db      BlacklistStore
	api     BlacklistAPI
	friends Syncer
	bus     *bus.Bus
	logger  *zap.Logger
	limits  syncer.Limits
	guard   syncer.Guard

	mu    sync.RWMutex
	owner string
	items []store.BlacklistEntry
}

// NewBlacklistCache creates an empty blacklist cache. friends is resynced
// after blocking or unblocking someone.
func NewBlacklistCache(db BlacklistStore, api BlacklistAPI, friends Syncer, b *bus.Bus, logger *zap.Logger, limits syncer.Limits) *BlacklistCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlacklistCache{
		db:      db,
		api:     api,
		friends: friends,
		bus:     b,
		logger:  logger.With(zap.String("collection", NameBlacklist)),
		limits:  limits.Normalize(),
	}
}

func (c *BlacklistCache) Name() string { return NameBlacklist }

func (c *BlacklistCache) Items() []store.BlacklistEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Load rebuilds the projection from the local store.
func (c *BlacklistCache) Load(ctx context.Context, owner string) {
	rows, err := c.db.ListBlacklist(ctx, owner)
	if err != nil {
		c.logger.Warn("load blacklist from store failed", zap.String("owner", owner), zap.Error(err))
		rows = nil
	}
	c.set(owner, rows)
}

func (c *BlacklistCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner, c.items = "", nil
}

func (c *BlacklistCache) set(owner string, rows []store.BlacklistEntry) {
	c.mu.Lock()
	c.owner, c.items = owner, rows
	c.mu.Unlock()
	c.bus.Emit(bus.KindBlacklistChanged, bus.CacheChange{Owner: owner, Count: len(rows)})
}

// SyncFromServer replaces the blacklist with a bounded full pull. A failed
// pull keeps the local list.
func (c *BlacklistCache) SyncFromServer(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	return c.guard.Do(owner, NameBlacklist, func() error {
		full, err := syncer.FullPull(ctx, c.limits, func(ctx context.Context, page, size int) (syncer.Page[store.BlacklistEntry], error) {
			p, err := c.api.Blacklist(ctx, page, size)
			if err != nil {
				return syncer.Page[store.BlacklistEntry]{}, err
			}
			return syncer.Page[store.BlacklistEntry]{
				Items:      blacklistRows(owner, p.Items),
				TotalPages: p.Pagination.TotalPagesOrOne(),
			}, nil
		})
		if surfaced(err) {
			return err
		}
		if err != nil {
			c.logger.Warn("blacklist full pull failed, keeping local list", zap.String("owner", owner), zap.Error(err))
			c.Load(ctx, owner)
			return nil
		}

		if err := c.db.ReplaceBlacklist(ctx, owner, full.Items); err != nil {
			c.logger.Warn("replace blacklist in store failed", zap.String("owner", owner), zap.Error(err))
			c.set(owner, full.Items)
			return nil
		}
		stored, err := c.db.ListBlacklist(ctx, owner)
		if err != nil {
			stored = full.Items
		}
		c.set(owner, stored)
		return nil
	})
}

// Add blocks peer, then resyncs friends and the blacklist.
func (c *BlacklistCache) Add(ctx context.Context, owner, peer string) error {
	if err := requirePeer(owner, peer); err != nil {
		return err
	}
	if err := c.api.AddBlacklist(ctx, peer); err != nil {
		return err
	}
	return c.resync(ctx, owner)
}

// Remove unblocks peer, then resyncs friends and the blacklist.
func (c *BlacklistCache) Remove(ctx context.Context, owner, peer string) error {
	if err := requirePeer(owner, peer); err != nil {
		return err
	}
	if err := c.api.RemoveBlacklist(ctx, peer); err != nil {
		return err
	}
	return c.resync(ctx, owner)
}

func (c *BlacklistCache) resync(ctx context.Context, owner string) error {
	if c.friends != nil {
		if err := c.friends.SyncFromServer(ctx, owner); err != nil {
			return err
		}
	}
	return c.SyncFromServer(ctx, owner)
}

// BlacklistPeer extracts the blocked user's id from a server item.
func BlacklistPeer(item payload.Value) string {
	return payload.FirstString(item, "userUuid", "blockedUuid", "peerUuid", "uuid")
}

func blacklistRows(owner string, items []payload.Value) []store.BlacklistEntry {
	rows := make([]store.BlacklistEntry, 0, len(items))
	for _, item := range items {
		peer := BlacklistPeer(item)
		if peer == "" {
			continue
		}
		rows = append(rows, store.BlacklistEntry{
			Owner:     owner,
			Peer:      peer,
			Payload:   objectOrEmpty(item),
			UpdatedAt: payload.IntField(item, "createdAt", 0),
		})
	}
	return rows
}
