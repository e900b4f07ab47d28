package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"github.com/stretchr/testify/require"
)

type handleCall struct {
	id     int64
	action int
	remark string
}

type sendCall struct{ target, reason, source string }

type fakeApplyAPI struct {
	mu        sync.Mutex
	inbox     func(page int) (remote.ItemPage, error)
	outbox    func(page int) (remote.ItemPage, error)
	unread    func() (int64, error)
	inCalls   int
	outCalls  int
	readIDs   [][]int64
	handled   []handleCall
	sent      []sendCall
	nextApply int64
}

func (f *fakeApplyAPI) ApplyInbox(_ context.Context, page, _ int) (remote.ItemPage, error) {
	f.mu.Lock()
	f.inCalls++
	f.mu.Unlock()
	if f.inbox == nil {
		return remote.ItemPage{}, nil
	}
	return f.inbox(page)
}

func (f *fakeApplyAPI) ApplyOutbox(_ context.Context, page, _ int) (remote.ItemPage, error) {
	f.mu.Lock()
	f.outCalls++
	f.mu.Unlock()
	if f.outbox == nil {
		return remote.ItemPage{}, nil
	}
	return f.outbox(page)
}

func (f *fakeApplyAPI) UnreadApplyCount(context.Context) (int64, error) {
	if f.unread == nil {
		return 0, errs.Network(errors.New("unreachable"))
	}
	return f.unread()
}

func (f *fakeApplyAPI) MarkAppliesRead(_ context.Context, ids []int64) error {
	f.readIDs = append(f.readIDs, ids)
	return nil
}

func (f *fakeApplyAPI) HandleApply(_ context.Context, id int64, action int, remark string) error {
	f.handled = append(f.handled, handleCall{id, action, remark})
	return nil
}

func (f *fakeApplyAPI) SendApply(_ context.Context, target, reason, source string) (int64, error) {
	f.sent = append(f.sent, sendCall{target, reason, source})
	return f.nextApply, nil
}

func inboxItem(id int64, read bool) payload.Value {
	return obj(map[string]any{"applyId": id, "applicantUuid": "a", "status": 0, "isRead": read, "createdAt": 1000 + id})
}

func seedInbox(t *testing.T, c *ApplyCache, api *fakeApplyAPI, items ...payload.Value) {
	t.Helper()
	api.inbox = func(int) (remote.ItemPage, error) {
		return remote.ItemPage{Items: items, Pagination: pages(1)}, nil
	}
	require.NoError(t, c.SyncInboxFromServer(context.Background(), "u1"))
}

func TestApplySyncStopsAtPaginationBoundaries(t *testing.T) {
	api := &fakeApplyAPI{
		inbox:  func(int) (remote.ItemPage, error) { return remote.ItemPage{Pagination: pages(999)}, nil },
		outbox: func(int) (remote.ItemPage, error) { return remote.ItemPage{Pagination: pages(999)}, nil },
	}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())

	require.NoError(t, c.SyncFromServer(context.Background(), "u1"))
	require.Equal(t, 50, api.inCalls)
	require.Equal(t, 50, api.outCalls)
	require.Empty(t, c.Inbox())
	require.Empty(t, c.Sent())
}

func TestApplyDirectionsShareIDsIndependently(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	api := &fakeApplyAPI{
		inbox: func(int) (remote.ItemPage, error) {
			return remote.ItemPage{Items: []payload.Value{inboxItem(7, false)}}, nil
		},
		outbox: func(int) (remote.ItemPage, error) {
			return remote.ItemPage{Items: []payload.Value{obj(map[string]any{
				"applyId": 7, "targetUuid": "t1", "status": 0,
				"targetInfo": map[string]any{"nickname": "Tina", "avatar": "a.png"},
			})}}, nil
		},
	}
	c := NewApplyCache(db, api, nil, nil, nil, syncer.DefaultLimits())
	require.NoError(t, c.SyncFromServer(ctx, "u1"))

	inbox, err := db.ListApplies(ctx, "u1", store.Inbox)
	require.NoError(t, err)
	sent, err := db.ListApplies(ctx, "u1", store.Outbox)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	require.Len(t, sent, 1)
	require.Equal(t, "Tina", payload.StringField(sent[0].Payload, "targetNickname"))
	require.Equal(t, "a.png", payload.StringField(sent[0].Payload, "targetAvatar"))
}

func TestUnreadCountFallsBackToLocalCount(t *testing.T) {
	api := &fakeApplyAPI{}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())
	seedInbox(t, c, api, inboxItem(1, false), inboxItem(2, true), inboxItem(3, false))

	n, synced := c.UnreadCount()
	require.EqualValues(t, 2, n)
	require.False(t, synced)

	api.unread = func() (int64, error) { return 9, nil }
	require.NoError(t, c.SyncUnreadCount(context.Background(), "u1"))
	n, synced = c.UnreadCount()
	require.EqualValues(t, 9, n)
	require.True(t, synced)
}

func TestMarkAsReadPatchesAfterAck(t *testing.T) {
	ctx := context.Background()
	db := testDB(t)
	api := &fakeApplyAPI{}
	c := NewApplyCache(db, api, nil, nil, nil, syncer.DefaultLimits())
	seedInbox(t, c, api, inboxItem(1, false), inboxItem(2, false))

	require.NoError(t, c.MarkAsRead(ctx, "u1", []int64{1}))
	require.Equal(t, [][]int64{{1}}, api.readIDs)

	read := map[int64]bool{}
	for _, a := range c.Inbox() {
		read[a.ApplyID] = payload.TruthyField(a.Payload, "isRead")
	}
	require.Equal(t, map[int64]bool{1: true, 2: false}, read)

	n, synced := c.UnreadCount()
	require.EqualValues(t, 1, n)
	require.False(t, synced)

	stored, err := db.ListApplies(ctx, "u1", store.Inbox)
	require.NoError(t, err)
	for _, a := range stored {
		if a.ApplyID == 1 {
			require.True(t, payload.TruthyField(a.Payload, "isRead"))
		}
	}
}

func TestMarkAsReadNoIDsIsNoop(t *testing.T) {
	api := &fakeApplyAPI{}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())
	require.NoError(t, c.MarkAsRead(context.Background(), "u1", nil))
	require.Empty(t, api.readIDs)
}

func TestHandleAcceptResyncsFriends(t *testing.T) {
	friends := &countingSyncer{}
	api := &fakeApplyAPI{}
	c := NewApplyCache(testDB(t), api, friends, nil, nil, syncer.DefaultLimits())
	seedInbox(t, c, api, inboxItem(5, false), inboxItem(6, false))

	require.NoError(t, c.Handle(context.Background(), "u1", 5, Accept, " hi "))
	require.NoError(t, c.Handle(context.Background(), "u1", 6, Reject, ""))

	require.Equal(t, []handleCall{{5, 1, "hi"}, {6, 2, ""}}, api.handled)
	require.Equal(t, 1, friends.count())

	status := map[int64]int{}
	for _, a := range c.Inbox() {
		status[a.ApplyID] = a.Status
		require.True(t, payload.TruthyField(a.Payload, "isRead"))
		require.EqualValues(t, a.Status, payload.IntField(a.Payload, "status", -1))
	}
	require.Equal(t, map[int64]int{5: ApplyAccepted, 6: ApplyRejected}, status)
}

func TestHandleValidation(t *testing.T) {
	api := &fakeApplyAPI{}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())

	require.ErrorIs(t, c.Handle(context.Background(), "u1", 0, Accept, ""), errs.ErrValidation)
	require.ErrorIs(t, c.Handle(context.Background(), "u1", 1, HandleAction(3), ""), errs.ErrValidation)
	require.ErrorIs(t, c.Handle(context.Background(), "", 1, Accept, ""), errs.ErrValidation)
	require.Empty(t, api.handled)
}

func TestRetrySentReplacesRow(t *testing.T) {
	ctx := context.Background()
	api := &fakeApplyAPI{
		outbox: func(int) (remote.ItemPage, error) {
			return remote.ItemPage{Items: []payload.Value{obj(map[string]any{
				"applyId": 3, "targetUuid": "t1", "reason": "hello", "status": 2, "createdAt": 10,
			})}}, nil
		},
		nextApply: 30,
	}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())
	c.now = func() time.Time { return time.UnixMilli(5000) }
	require.NoError(t, c.SyncSentFromServer(ctx, "u1"))

	require.NoError(t, c.RetrySent(ctx, "u1", 3, ""))
	require.Equal(t, []sendCall{{"t1", "hello", ResendSource}}, api.sent)

	sent := c.Sent()
	require.Len(t, sent, 2)
	require.EqualValues(t, 30, sent[0].ApplyID)
	require.Equal(t, ApplyPending, sent[0].Status)
	require.EqualValues(t, 5000, payload.IntField(sent[0].Payload, "createdAt", 0))
	require.Equal(t, ResendSource, payload.StringField(sent[0].Payload, "source"))

	require.ErrorIs(t, c.RetrySent(ctx, "u1", 99, ""), errs.ErrValidation)
}

func TestApplyResetClearsState(t *testing.T) {
	api := &fakeApplyAPI{unread: func() (int64, error) { return 4, nil }}
	c := NewApplyCache(testDB(t), api, nil, nil, nil, syncer.DefaultLimits())
	seedInbox(t, c, api, inboxItem(1, false))

	c.Reset()
	n, synced := c.UnreadCount()
	require.Zero(t, n)
	require.False(t, synced)
	require.Empty(t, c.Inbox())
}
