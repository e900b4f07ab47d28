package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// closedDB returns a store whose every call fails with StorageUnavailable.
func closedDB(t *testing.T) *store.DB {
	t.Helper()
	db := testDB(t)
	require.NoError(t, db.Close())
	return db
}

func obj(kv map[string]any) payload.Value { return payload.MustFromAny(kv) }

func pages(total int) *remote.Pagination { return &remote.Pagination{TotalPages: total} }

// countingFriendStore records the writes the friend cache issues.
type countingFriendStore struct {
	*store.DB
	mu       sync.Mutex
	replaces int
	applies  int
}

func (s *countingFriendStore) ReplaceFriends(ctx context.Context, owner string, rows []store.Friend, version int64) error {
	s.mu.Lock()
	s.replaces++
	s.mu.Unlock()
	return s.DB.ReplaceFriends(ctx, owner, rows, version)
}

func (s *countingFriendStore) ApplyFriendChanges(ctx context.Context, owner string, changes []store.FriendChange, latest int64) error {
	s.mu.Lock()
	s.applies++
	s.mu.Unlock()
	return s.DB.ApplyFriendChanges(ctx, owner, changes, latest)
}

type listCall struct{ page, size int }

type deltaCall struct {
	version int64
	limit   int
}

type fakeFriendAPI struct {
	mu         sync.Mutex
	list       func(page, size int) (remote.FriendList, error)
	delta      func(version int64, limit int) (remote.FriendDelta, error)
	mutateErr  error
	listCalls  []listCall
	deltaCalls []deltaCall
	remarks    map[string]string
	tags       map[string]string
	deleted    []string
}

func (f *fakeFriendAPI) FriendList(_ context.Context, page, size int) (remote.FriendList, error) {
	f.mu.Lock()
	f.listCalls = append(f.listCalls, listCall{page, size})
	f.mu.Unlock()
	if f.list == nil {
		return remote.FriendList{Pagination: pages(1)}, nil
	}
	return f.list(page, size)
}

func (f *fakeFriendAPI) FriendDelta(_ context.Context, version int64, limit int) (remote.FriendDelta, error) {
	f.mu.Lock()
	f.deltaCalls = append(f.deltaCalls, deltaCall{version, limit})
	f.mu.Unlock()
	if f.delta == nil {
		return remote.FriendDelta{LatestVersion: version}, nil
	}
	return f.delta(version, limit)
}

func (f *fakeFriendAPI) SetFriendRemark(_ context.Context, peer, remark string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	if f.remarks == nil {
		f.remarks = map[string]string{}
	}
	f.remarks[peer] = remark
	return nil
}

func (f *fakeFriendAPI) SetFriendTag(_ context.Context, peer, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	if f.tags == nil {
		f.tags = map[string]string{}
	}
	f.tags[peer] = tag
	return nil
}

func (f *fakeFriendAPI) DeleteFriend(_ context.Context, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mutateErr != nil {
		return f.mutateErr
	}
	f.deleted = append(f.deleted, peer)
	return nil
}

func (f *fakeFriendAPI) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls), len(f.deltaCalls)
}

// countingSyncer records resync requests from other caches.
type countingSyncer struct {
	mu     sync.Mutex
	owners []string
}

func (s *countingSyncer) SyncFromServer(_ context.Context, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners = append(s.owners, owner)
	return nil
}

func (s *countingSyncer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owners)
}
