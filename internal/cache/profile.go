package cache

import (
	"context"
	"sync"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/store"
	"go.uber.org/zap"
)

// ProfileAPI fetches the signed-in user's profile.
type ProfileAPI interface {
	Profile(ctx context.Context) (payload.Value, error)
}

// ProfileStore persists one profile row per owner.
type ProfileStore interface {
	GetProfile(ctx context.Context, owner string) (*store.Profile, error)
	UpsertProfile(ctx context.Context, p store.Profile) error
}

// ProfileCache holds the signed-in user's own profile.
type ProfileCache struct {
	db     ProfileStore
	api    ProfileAPI
	bus    *bus.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	owner   string
	profile payload.Value
}

func NewProfileCache(db ProfileStore, api ProfileAPI, b *bus.Bus, logger *zap.Logger) *ProfileCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileCache{
		db:      db,
		api:     api,
		bus:     b,
		logger:  logger.With(zap.String("collection", NameProfile)),
		profile: payload.EmptyObject(),
	}
}

func (c *ProfileCache) Name() string { return NameProfile }

// Profile returns the cached profile, an empty object when unknown.
func (c *ProfileCache) Profile() payload.Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

func (c *ProfileCache) Load(ctx context.Context, owner string) {
	p, err := c.db.GetProfile(ctx, owner)
	if err != nil {
		c.logger.Warn("load profile from store failed", zap.String("owner", owner), zap.Error(err))
	}
	v := payload.EmptyObject()
	if p != nil {
		v = p.Payload
	}
	c.set(owner, v)
}

// Save writes the profile through to the store. The cached copy is updated
// even when the store is unavailable.
func (c *ProfileCache) Save(ctx context.Context, owner string, v payload.Value) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	v = objectOrEmpty(v)
	if err := c.db.UpsertProfile(ctx, store.Profile{Owner: owner, Payload: v}); err != nil {
		c.logger.Warn("save profile failed", zap.String("owner", owner), zap.Error(err))
	}
	c.set(owner, v)
	return nil
}

// SyncFromServer fetches the profile and saves it. A network failure keeps
// the stored profile.
func (c *ProfileCache) SyncFromServer(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	v, err := c.api.Profile(ctx)
	if surfaced(err) {
		return err
	}
	if err != nil {
		c.logger.Warn("fetch profile failed, keeping local copy", zap.String("owner", owner), zap.Error(err))
		c.Load(ctx, owner)
		return nil
	}
	return c.Save(ctx, owner, v)
}

func (c *ProfileCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner, c.profile = "", payload.EmptyObject()
}

func (c *ProfileCache) set(owner string, v payload.Value) {
	c.mu.Lock()
	c.owner, c.profile = owner, v
	c.mu.Unlock()
	c.bus.Emit(bus.KindProfileChanged, bus.CacheChange{Owner: owner, Count: 1})
}
