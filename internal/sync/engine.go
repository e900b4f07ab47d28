// Package sync reconciles the local cache with the server: bounded full
// pulls, bounded incremental delta sync, and the engine that runs every
// collection when a session starts.
package sync

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Collection is an entity cache that can reconcile itself with the server.
type Collection interface {
	Name() string
	SyncFromServer(ctx context.Context, owner string) error
}

// Resetter drops in-memory state when the session ends.
type Resetter interface {
	Reset()
}

// CollectionResult is the outcome of one collection within SyncAll.
type CollectionResult struct {
	Name    string
	Err     error
	Elapsed time.Duration
}

// Report is published as the payload of sync.completed.
type Report struct {
	Owner   string
	Results []CollectionResult
}

// Failed returns the results that carry an error.
func (r Report) Failed() []CollectionResult {
	var out []CollectionResult
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

const maxParallelCollections = 3

// Engine runs every collection's reconciliation when a session starts and
// resets in-memory caches when it ends. It subscribes to "session." events
// on the bus.
type Engine struct {
	collections []Collection
	resetters   []Resetter
	bus         *bus.Bus
	logger      *zap.Logger

	mu     gosync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	tasks  gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(b *bus.Bus, logger *zap.Logger, collections []Collection, resetters []Resetter) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		collections: collections,
		resetters:   resetters,
		bus:         b,
		logger:      logger,
	}
}

// Start subscribes to session events on the bus.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("session.", 64)

	go func() {
		defer close(e.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for in-progress syncs, including those
// started by Trigger, to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	e.tasks.Wait()
}

// Trigger runs SyncAll for owner in the background, bounded by timeout when
// positive. It reports false when the engine is not running.
func (e *Engine) Trigger(owner string, timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel == nil {
		return false
	}
	ctx := e.ctx
	e.tasks.Add(1)
	go func() {
		defer e.tasks.Done()
		if timeout > 0 {
			var done context.CancelFunc
			ctx, done = context.WithTimeout(ctx, timeout)
			defer done()
		}
		if _, err := e.SyncAll(ctx, owner); err != nil {
			e.logger.Warn("background sync failed", zap.String("owner", owner), zap.Error(err))
		}
	}()
	return true
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	change, ok := evt.Payload.(bus.SessionChange)
	if !ok {
		return
	}
	switch evt.Kind {
	case bus.KindSignedIn:
		if _, err := e.SyncAll(ctx, change.Owner); err != nil {
			e.logger.Warn("sync after sign-in failed", zap.String("owner", change.Owner), zap.Error(err))
		}
	case bus.KindSignedOut:
		e.ResetAll()
		e.logger.Info("caches reset after sign-out", zap.String("owner", change.Owner), zap.String("reason", change.Reason))
	}
}

// SyncAll reconciles every collection for owner. Collections fail
// independently; their errors are reported, logged, and do not stop the
// others. The returned error is non-nil only for invalid input or when the
// session became invalid.
func (e *Engine) SyncAll(ctx context.Context, owner string) (Report, error) {
	report := Report{Owner: owner}
	if owner == "" {
		return report, errs.Validation("owner is required")
	}

	results := make([]CollectionResult, len(e.collections))
	var g errgroup.Group
	g.SetLimit(maxParallelCollections)
	for i, c := range e.collections {
		g.Go(func() error {
			start := time.Now()
			err := c.SyncFromServer(ctx, owner)
			results[i] = CollectionResult{Name: c.Name(), Err: err, Elapsed: time.Since(start)}
			if err != nil {
				e.logger.Warn("collection sync failed",
					zap.String("owner", owner),
					zap.String("collection", c.Name()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	report.Results = results

	e.logger.Info("sync completed",
		zap.String("owner", owner),
		zap.Int("collections", len(results)),
		zap.Int("failed", len(report.Failed())))
	e.bus.Emit(bus.KindSyncCompleted, report)

	for _, r := range report.Failed() {
		if errors.Is(r.Err, errs.ErrAuthInvalid) {
			return report, r.Err
		}
	}
	return report, nil
}

// ResetAll clears every registered in-memory cache.
func (e *Engine) ResetAll() {
	for _, r := range e.resetters {
		r.Reset()
	}
}
