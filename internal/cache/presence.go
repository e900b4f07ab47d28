package cache

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/remote"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Presence lookup defaults.
const (
	DefaultPresenceChunk     = 100
	DefaultPresencePerSecond = 10
)

// PresenceAPI is the part of the remote client the presence cache calls.
type PresenceAPI interface {
	OnlineStatus(ctx context.Context, uuid string) (remote.OnlineStatus, error)
	BatchOnlineStatus(ctx context.Context, uuids []string) ([]remote.OnlineStatus, error)
}

// Presence is the last known online state of one user.
type Presence struct {
	UserUUID        string
	IsOnline        bool
	LastSeenAt      string
	OnlinePlatforms []string
}

// PresenceOptions tunes batch lookups.
type PresenceOptions struct {
	ChunkSize int
	PerSecond int
}

// PresenceCache is an in-memory map of peer presence. It is never written
// to the local store and is dropped on sign-out.
type PresenceCache struct {
	api     PresenceAPI
	bus     *bus.Bus
	logger  *zap.Logger
	limiter ratelimit.Limiter
	chunk   int

	mu       sync.RWMutex
	statuses map[string]Presence
}

func NewPresenceCache(api PresenceAPI, b *bus.Bus, logger *zap.Logger, opts PresenceOptions) *PresenceCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultPresenceChunk
	}
	limiter := ratelimit.NewUnlimited()
	if opts.PerSecond > 0 {
		limiter = ratelimit.New(opts.PerSecond)
	}
	return &PresenceCache{
		api:      api,
		bus:      b,
		logger:   logger.With(zap.String("collection", "presence")),
		limiter:  limiter,
		chunk:    opts.ChunkSize,
		statuses: make(map[string]Presence),
	}
}

// Get returns the cached presence of uuid.
func (c *PresenceCache) Get(uuid string) (Presence, bool) {
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return Presence{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.statuses[uuid]
	return p, ok
}

// Snapshot returns a copy of every cached presence.
func (c *PresenceCache) Snapshot() map[string]Presence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.statuses)
}

func (c *PresenceCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses = make(map[string]Presence)
}

// SyncSingle refreshes one user. Failures are logged and the previous value
// is kept.
func (c *PresenceCache) SyncSingle(ctx context.Context, uuid string) error {
	uuid = strings.TrimSpace(uuid)
	if uuid == "" {
		return nil
	}
	st, err := c.api.OnlineStatus(ctx, uuid)
	if surfaced(err) {
		return err
	}
	if err != nil {
		c.logger.Warn("fetch online status failed", zap.String("peer", uuid), zap.Error(err))
		return nil
	}
	if st.UserUUID == "" {
		st.UserUUID = uuid
	}
	c.upsert([]remote.OnlineStatus{st})
	return nil
}

// SyncBatch refreshes many users in rate-limited chunks. Ids are trimmed and
// deduplicated; a failing chunk is logged and skipped.
func (c *PresenceCache) SyncBatch(ctx context.Context, uuids []string) error {
	ids := NormalizeIDs(uuids)
	for chunk := range slices.Chunk(ids, c.chunk) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.limiter.Take()
		statuses, err := c.api.BatchOnlineStatus(ctx, chunk)
		if surfaced(err) {
			return err
		}
		if err != nil {
			c.logger.Warn("fetch batch online status failed", zap.Int("size", len(chunk)), zap.Error(err))
			continue
		}
		c.upsert(statuses)
	}
	return nil
}

func (c *PresenceCache) upsert(items []remote.OnlineStatus) {
	if len(items) == 0 {
		return
	}
	c.mu.Lock()
	next := maps.Clone(c.statuses)
	for _, it := range items {
		if it.UserUUID == "" {
			continue
		}
		next[it.UserUUID] = Presence{
			UserUUID:        it.UserUUID,
			IsOnline:        it.IsOnline,
			LastSeenAt:      it.LastSeenAt,
			OnlinePlatforms: slices.Clone(it.OnlinePlatforms),
		}
	}
	c.statuses = next
	n := len(next)
	c.mu.Unlock()
	c.bus.Emit(bus.KindPresenceChanged, bus.CacheChange{Count: n})
}

// NormalizeIDs trims ids, drops empty ones and removes duplicates, keeping
// first-seen order.
func NormalizeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// FormatStatus renders presence for display: "online", "offline" with the
// last-seen time when known, or "unknown" for a nil presence.
func FormatStatus(p *Presence, now time.Time) string {
	switch {
	case p == nil:
		return "unknown"
	case p.IsOnline:
		return "online"
	}
	if seen := FormatLastSeen(p.LastSeenAt, now); seen != "" {
		return "offline · " + seen
	}
	return "offline"
}

// FormatLastSeen formats a last-seen value given as epoch milliseconds or
// an RFC 3339 time. Same-day times show the clock only, same-year times
// add the date, older ones the full date.
func FormatLastSeen(raw string, now time.Time) string {
	t, ok := parseLastSeen(raw)
	if !ok {
		return ""
	}
	t = t.In(now.Location())
	switch {
	case t.YearDay() == now.YearDay() && t.Year() == now.Year():
		return t.Format("15:04")
	case t.Year() == now.Year():
		return t.Format("01-02 15:04")
	}
	return t.Format("2006-01-02 15:04")
}

func parseLastSeen(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms <= 0 {
			return time.Time{}, false
		}
		return time.UnixMilli(ms), true
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.DateTime} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
