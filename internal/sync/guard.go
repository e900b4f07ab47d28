package sync

import "golang.org/x/sync/singleflight"

// Guard lets at most one reconciliation per (owner, collection) run at a
// time. Callers arriving while one is in flight wait for it and share its
// result instead of starting a second one.
type Guard struct {
	group singleflight.Group
}

// Do runs fn unless a call for the same key is already running.
func (g *Guard) Do(owner, collection string, fn func() error) error {
	_, err, _ := g.group.Do(owner+"/"+collection, func() (any, error) {
		return nil, fn()
	})
	return err
}
