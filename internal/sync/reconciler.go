package sync

import (
	"context"
	"fmt"

	"github.com/matheus3301/lcsync/internal/store"
)

// Default and maximum reconciliation bounds.
const (
	DefaultPageSize   = 100
	DefaultMaxPages   = 50
	DefaultDeltaLimit = 200
	DefaultMaxRounds  = 20

	maxPageSize   = 100
	maxPages      = 50
	maxDeltaLimit = 500
	maxRounds     = 20
)

// Limits bounds one reconciliation so it always terminates.
type Limits struct {
	PageSize   int
	MaxPages   int
	DeltaLimit int
	MaxRounds  int
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		PageSize:   DefaultPageSize,
		MaxPages:   DefaultMaxPages,
		DeltaLimit: DefaultDeltaLimit,
		MaxRounds:  DefaultMaxRounds,
	}
}

// Normalize replaces unset fields with defaults and clamps the rest to the
// hard ceilings.
func (l Limits) Normalize() Limits {
	return Limits{
		PageSize:   clamp(l.PageSize, DefaultPageSize, maxPageSize),
		MaxPages:   clamp(l.MaxPages, DefaultMaxPages, maxPages),
		DeltaLimit: clamp(l.DeltaLimit, DefaultDeltaLimit, maxDeltaLimit),
		MaxRounds:  clamp(l.MaxRounds, DefaultMaxRounds, maxRounds),
	}
}

func clamp(v, def, hi int) int {
	if v <= 0 {
		return def
	}
	return min(v, hi)
}

// Page is one page of a full pull.
type Page[T any] struct {
	Items      []T
	TotalPages int
	Version    int64
}

// PageFunc fetches page (1-based) of size pageSize.
type PageFunc[T any] func(ctx context.Context, page, pageSize int) (Page[T], error)

// FullPullResult is the outcome of a completed full pull.
type FullPullResult[T any] struct {
	Items []T
	// Version is the server version reported by the first page.
	Version int64
	Pages   int
	// Truncated is set when the server reported more pages than MaxPages.
	Truncated bool
}

// FullPull reads pages 1..min(totalPages, MaxPages). Any failing page
// abandons the pull, so callers never replace local state with a partial
// list. A page without a page count ends the pull.
func FullPull[T any](ctx context.Context, limits Limits, fetch PageFunc[T]) (FullPullResult[T], error) {
	limits = limits.Normalize()
	var res FullPullResult[T]

	totalPages := 1
	for page := 1; page <= totalPages && page <= limits.MaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return FullPullResult[T]{}, err
		}
		p, err := fetch(ctx, page, limits.PageSize)
		if err != nil {
			return FullPullResult[T]{}, fmt.Errorf("page %d: %w", page, err)
		}
		if page == 1 {
			res.Version = p.Version
		}
		totalPages = max(p.TotalPages, 1)
		res.Items = append(res.Items, p.Items...)
		res.Pages = page
	}
	res.Truncated = totalPages > limits.MaxPages
	return res, nil
}

// Delta is one round of incremental changes.
type Delta struct {
	Changes       []store.FriendChange
	HasMore       bool
	LatestVersion int64
}

// DeltaFunc fetches up to limit changes after version.
type DeltaFunc func(ctx context.Context, version int64, limit int) (Delta, error)

// ApplyFunc merges one round of changes and records latestVersion.
type ApplyFunc func(ctx context.Context, changes []store.FriendChange, latestVersion int64) error

// IncrementalResult summarizes an incremental sync.
type IncrementalResult struct {
	Rounds  int
	Applied int
	Version int64
	// Exhausted is set when MaxRounds ran out while the server still had
	// more changes.
	Exhausted bool
}

// Incremental pulls rounds of changes starting after cursor until the server
// reports no more or MaxRounds is reached. A failing round stops the sync;
// rounds already applied stay applied and the error is returned with the
// partial result. Rounds with no changes that do not advance the cursor skip
// apply.
func Incremental(ctx context.Context, limits Limits, cursor int64, fetch DeltaFunc, apply ApplyFunc) (IncrementalResult, error) {
	limits = limits.Normalize()
	res := IncrementalResult{Version: cursor}

	for round := 1; round <= limits.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		d, err := fetch(ctx, res.Version, limits.DeltaLimit)
		if err != nil {
			return res, fmt.Errorf("round %d: %w", round, err)
		}
		res.Rounds = round

		next := max(d.LatestVersion, res.Version)
		if len(d.Changes) > 0 || next > res.Version {
			if err := apply(ctx, d.Changes, next); err != nil {
				return res, fmt.Errorf("apply round %d: %w", round, err)
			}
			res.Applied += len(d.Changes)
			res.Version = next
		}

		if !d.HasMore {
			return res, nil
		}
	}
	res.Exhausted = true
	return res, nil
}
