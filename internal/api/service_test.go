package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/lcsync/internal/auth"
	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/cache"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/remote"
	"github.com/matheus3301/lcsync/internal/status"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"github.com/matheus3301/lcsync/internal/transport"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const okBody = `{"code":0,"data":{}}`

// fakeServer answers login, presence lookups, the friend and blacklist
// mutations, the blacklist and sent-apply lists; everything else is a
// network failure.
type fakeServer struct{}

func (fakeServer) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	var body string
	switch req.Path {
	case auth.LoginPath:
		body = `{"code":0,"data":{"accessToken":"a1","refreshToken":"r1","expiresIn":3600,"userInfo":{"uuid":"u1","nickname":"ann"}}}`
	case remote.PathOnlineStatusBulk:
		body = `{"code":0,"data":{"users":[{"userUuid":"p1","isOnline":true}]}}`
	case remote.PathFriendRemark, remote.PathFriendTag, remote.PathFriend + "p1", remote.PathBlacklist + "/p9":
		body = okBody
	case remote.PathBlacklist:
		body = `{"code":0,"data":{"items":[{"userUuid":"p9"}],"pagination":{"totalPages":1}}}`
		if req.Method == http.MethodPost {
			body = okBody
		}
	case remote.PathApply:
		body = `{"code":0,"data":{"applyId":9}}`
	case remote.PathApplySent:
		body = `{"code":0,"data":{"items":[{"applyId":9,"targetUuid":"p2","reason":"hi","status":0,"createdAt":5}],"pagination":{"totalPages":1}}}`
	default:
		return nil, errs.Network(fmt.Errorf("no route for %s", req.Path))
	}
	return &transport.Response{Status: http.StatusOK, Body: []byte(body)}, nil
}

type harness struct {
	client *Client
	db     *store.DB
	deps   Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	coord := auth.NewCoordinator(fakeServer{}, auth.NewSessionStore(""), status.NewMachine(b), b, nil, nil)
	rc := remote.New(coord)
	limits := syncer.DefaultLimits()
	friends := cache.NewFriendCache(db, rc, b, nil, limits)
	d := Deps{
		Account:   "main",
		Auth:      coord,
		DB:        db,
		Engine:    syncer.NewEngine(b, nil, nil, nil),
		Profile:   cache.NewProfileCache(db, rc, b, nil),
		Friends:   friends,
		Blacklist: cache.NewBlacklistCache(db, rc, friends, b, nil, limits),
		Applies:   cache.NewApplyCache(db, rc, friends, b, nil, limits),
		Chat:      cache.NewChatCache(db, b, nil),
		Presence:  cache.NewPresenceCache(rc, b, nil, cache.PresenceOptions{}),
		Bus:       b,
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterCacheServiceServer(srv, NewService(d))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{client: NewClient(conn), db: db, deps: d}
}

func (h *harness) signIn(t *testing.T) {
	t.Helper()
	out, err := h.client.Call(context.Background(), MethodSignIn, map[string]any{"account": "ann", "password": "pw"})
	require.NoError(t, err)
	require.Equal(t, "u1", str(out, "owner"))
}

func requireCode(t *testing.T, err error, want codes.Code) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, want, grpcstatus.Code(err), "error: %v", err)
}

func TestGetStatusSignedOut(t *testing.T) {
	h := newHarness(t)

	out, err := h.client.Call(context.Background(), MethodGetStatus, nil)
	require.NoError(t, err)
	require.Equal(t, "main", str(out, "account"))
	require.Equal(t, string(status.Unauthenticated), str(out, "state"))
	require.Empty(t, str(out, "owner"))
}

func TestReadsRequireSession(t *testing.T) {
	h := newHarness(t)

	for _, m := range []string{MethodListFriends, MethodListBlacklist, MethodSyncAll, MethodListConversations} {
		_, err := h.client.Call(context.Background(), m, nil)
		requireCode(t, err, codes.FailedPrecondition)
	}
}

func TestSignInValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Call(context.Background(), MethodSignIn, map[string]any{"account": "ann"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestListFriendsFromCache(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	rows := []store.Friend{
		{Peer: "p1", Payload: payload.MustFromAny(map[string]any{"nickname": "bob", "groupTag": "work"}), UpdatedAt: 2},
		{Peer: "p2", Payload: payload.MustFromAny(map[string]any{"nickname": "cy"}), UpdatedAt: 1},
	}
	require.NoError(t, h.db.ReplaceFriends(ctx, "u1", rows, 7))
	h.deps.Friends.Load(ctx, "u1")

	out, err := h.client.Call(ctx, MethodListFriends, map[string]any{"grouped": true})
	require.NoError(t, err)
	require.EqualValues(t, 7, num(out, "version"))

	friends := out.GetFields()["friends"].GetListValue().GetValues()
	require.Len(t, friends, 2)
	first := friends[0].GetStructValue()
	require.Equal(t, "p1", str(first, "peer"))
	require.Equal(t, "bob", str(first, "title"))

	groups := out.GetFields()["groups"].GetListValue().GetValues()
	require.Len(t, groups, 2)
	require.Equal(t, "work", str(groups[0].GetStructValue(), "label"))
	require.Equal(t, cache.UngroupedLabel, str(groups[1].GetStructValue(), "label"))
}

func TestSendMessageThenListMessages(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, MethodSendMessage, map[string]any{"convId": "c1", "text": "   "})
	requireCode(t, err, codes.InvalidArgument)

	out, err := h.client.Call(ctx, MethodSendMessage, map[string]any{"convId": "c1", "text": " hi "})
	require.NoError(t, err)
	msg := out.GetFields()["message"].GetStructValue()
	require.Equal(t, "c1", str(msg, "convId"))
	require.EqualValues(t, store.MessageSending, num(msg, "status"))

	out, err = h.client.Call(ctx, MethodListMessages, map[string]any{"convId": "c1"})
	require.NoError(t, err)
	msgs := out.GetFields()["messages"].GetListValue().GetValues()
	require.Len(t, msgs, 1)
	require.Equal(t, "hi", str(msgs[0].GetStructValue().GetFields()["payload"].GetStructValue(), "text"))

	out, err = h.client.Call(ctx, MethodListConversations, nil)
	require.NoError(t, err)
	convs := out.GetFields()["conversations"].GetListValue().GetValues()
	require.Len(t, convs, 1)
	require.Equal(t, "hi", str(convs[0].GetStructValue().GetFields()["payload"].GetStructValue(), "preview"))
}

func TestListAppliesRejectsUnknownDirection(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	_, err := h.client.Call(context.Background(), MethodListApplies, map[string]any{"direction": "sideways"})
	requireCode(t, err, codes.InvalidArgument)

	out, err := h.client.Call(context.Background(), MethodListApplies, nil)
	require.NoError(t, err)
	require.Equal(t, "inbox", str(out, "direction"))
}

func TestGetPresenceLooksUpUnknownUsers(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)

	out, err := h.client.Call(context.Background(), MethodGetPresence, map[string]any{"uuids": []any{"p1", " p1 ", "p2"}})
	require.NoError(t, err)
	items := out.GetFields()["presence"].GetListValue().GetValues()
	require.Len(t, items, 2)
	require.Equal(t, "online", str(items[0].GetStructValue(), "status"))
	require.Equal(t, "unknown", str(items[1].GetStructValue(), "status"))
}

func TestWatchEventsRelaysBus(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := h.client.WatchEvents(ctx, "cache.")
	require.NoError(t, err)

	// The subscription is registered asynchronously; publish until received.
	got := make(chan error, 1)
	go func() {
		evt, err := stream.Recv()
		if err == nil && str(evt, "kind") != bus.KindFriendsChanged {
			err = fmt.Errorf("kind = %q", str(evt, "kind"))
		}
		got <- err
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-got:
			require.NoError(t, err)
			return
		case <-ticker.C:
			h.deps.Bus.Emit(bus.KindFriendsChanged, bus.CacheChange{Owner: "u1", Count: 1})
		case <-ctx.Done():
			t.Fatal("no event received")
		}
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{errs.Validation("bad"), codes.InvalidArgument},
		{errs.AuthInvalid("gone"), codes.Unauthenticated},
		{errs.Storage(errors.New("disk")), codes.Unavailable},
		{errs.Network(errors.New("timeout")), codes.Unavailable},
		{&errs.BizError{Code: 40001, Message: "already friends"}, codes.FailedPrecondition},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := grpcstatus.Code(toStatus("op", tt.err)); got != tt.want {
			t.Errorf("toStatus(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestFriendMutationsPatchCache(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	rows := []store.Friend{
		{Peer: "p1", Payload: payload.MustFromAny(map[string]any{"nickname": "bob"}), UpdatedAt: 2},
		{Peer: "p2", Payload: payload.MustFromAny(map[string]any{"nickname": "cy"}), UpdatedAt: 1},
	}
	require.NoError(t, h.db.ReplaceFriends(ctx, "u1", rows, 7))
	h.deps.Friends.Load(ctx, "u1")

	_, err := h.client.Call(ctx, MethodSetFriendRemark, map[string]any{"peer": "p1", "remark": " Bobby "})
	require.NoError(t, err)
	_, err = h.client.Call(ctx, MethodSetFriendTag, map[string]any{"peer": "p1", "tag": "work"})
	require.NoError(t, err)

	out, err := h.client.Call(ctx, MethodListFriends, nil)
	require.NoError(t, err)
	friends := out.GetFields()["friends"].GetListValue().GetValues()
	require.Len(t, friends, 2)
	first := friends[0].GetStructValue()
	require.Equal(t, "p1", str(first, "peer"))
	require.Equal(t, "Bobby", str(first, "title"))
	require.Equal(t, "work", str(first.GetFields()["payload"].GetStructValue(), "groupTag"))

	_, err = h.client.Call(ctx, MethodDeleteFriend, map[string]any{"peer": "p1"})
	require.NoError(t, err)
	out, err = h.client.Call(ctx, MethodListFriends, nil)
	require.NoError(t, err)
	friends = out.GetFields()["friends"].GetListValue().GetValues()
	require.Len(t, friends, 1)
	require.Equal(t, "p2", str(friends[0].GetStructValue(), "peer"))

	_, err = h.client.Call(ctx, MethodSetFriendRemark, map[string]any{"remark": "x"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestBlacklistMutationsResync(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	_, err := h.client.Call(ctx, MethodAddBlacklist, map[string]any{"peer": "p9"})
	require.NoError(t, err)

	out, err := h.client.Call(ctx, MethodListBlacklist, nil)
	require.NoError(t, err)
	items := out.GetFields()["items"].GetListValue().GetValues()
	require.Len(t, items, 1)
	require.Equal(t, "p9", str(items[0].GetStructValue(), "peer"))

	_, err = h.client.Call(ctx, MethodRemoveBlacklist, map[string]any{"peer": "p9"})
	require.NoError(t, err)

	_, err = h.client.Call(ctx, MethodRemoveBlacklist, map[string]any{"peer": "nobody"})
	requireCode(t, err, codes.Unavailable)
}

func TestSendApplyThenRetry(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	out, err := h.client.Call(ctx, MethodSendApply, map[string]any{"target": "p2", "reason": "hi"})
	require.NoError(t, err)
	require.EqualValues(t, 9, num(out, "applyId"))

	out, err = h.client.Call(ctx, MethodListApplies, map[string]any{"direction": "outbox"})
	require.NoError(t, err)
	items := out.GetFields()["items"].GetListValue().GetValues()
	require.Len(t, items, 1)
	require.EqualValues(t, 9, num(items[0].GetStructValue(), "applyId"))

	_, err = h.client.Call(ctx, MethodRetrySentApply, map[string]any{"applyId": 9})
	require.NoError(t, err)
	out, err = h.client.Call(ctx, MethodListApplies, map[string]any{"direction": "outbox"})
	require.NoError(t, err)
	items = out.GetFields()["items"].GetListValue().GetValues()
	require.Len(t, items, 1)
	retried := items[0].GetStructValue().GetFields()["payload"].GetStructValue()
	require.Equal(t, cache.ResendSource, str(retried, "source"))
	require.Equal(t, "hi", str(retried, "reason"))

	_, err = h.client.Call(ctx, MethodRetrySentApply, map[string]any{"applyId": 404})
	requireCode(t, err, codes.InvalidArgument)
}

func TestOpenConversationThenLoadOlder(t *testing.T) {
	h := newHarness(t)
	h.signIn(t)
	ctx := context.Background()

	total := cache.ChatPageSize + 5
	msgs := make([]store.Message, total)
	for i := range msgs {
		// Every message shares one send time, so paging relies on the id
		// tie-break.
		msgs[i] = store.Message{
			MsgID:    fmt.Sprintf("m%03d", i),
			SendTime: 1000,
			Payload:  payload.MustFromAny(map[string]any{"text": fmt.Sprint(i)}),
		}
	}
	require.NoError(t, h.db.UpsertMessages(ctx, "u1", "c1", msgs))

	out, err := h.client.Call(ctx, MethodOpenConversation, map[string]any{"convId": "c1"})
	require.NoError(t, err)
	require.Len(t, out.GetFields()["messages"].GetListValue().GetValues(), cache.ChatPageSize)
	require.True(t, flag(out, "hasMore"))

	out, err = h.client.Call(ctx, MethodLoadOlderMessages, map[string]any{"convId": "c1"})
	require.NoError(t, err)
	require.EqualValues(t, 5, num(out, "added"))
	require.False(t, flag(out, "hasMore"))
	loaded := out.GetFields()["messages"].GetListValue().GetValues()
	require.Len(t, loaded, total)
	require.Equal(t, "m000", str(loaded[0].GetStructValue(), "msgId"))

	out, err = h.client.Call(ctx, MethodLoadOlderMessages, map[string]any{"convId": "c1"})
	require.NoError(t, err)
	require.EqualValues(t, 0, num(out, "added"))

	_, err = h.client.Call(ctx, MethodLoadOlderMessages, nil)
	requireCode(t, err, codes.InvalidArgument)
}

func TestSignOutPurgesOnRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	seed := func() {
		h.signIn(t)
		rows := []store.Friend{{Peer: "p1", Payload: payload.MustFromAny(map[string]any{"nickname": "bob"}), UpdatedAt: 1}}
		require.NoError(t, h.db.ReplaceFriends(ctx, "u1", rows, 1))
	}

	seed()
	out, err := h.client.Call(ctx, MethodSignOut, nil)
	require.NoError(t, err)
	require.False(t, flag(out, "purged"))
	counts, err := h.db.CountRows(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 1, counts.Friends)

	seed()
	out, err = h.client.Call(ctx, MethodSignOut, map[string]any{"purge": true})
	require.NoError(t, err)
	require.True(t, flag(out, "purged"))
	counts, err = h.db.CountRows(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, store.Counts{}, counts)
}
