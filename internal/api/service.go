package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/lcsync/internal/auth"
	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/cache"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/store"
	syncer "github.com/matheus3301/lcsync/internal/sync"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components the service reads from and mutates.
type Deps struct {
	Account   string
	Auth      *auth.Coordinator
	DB        *store.DB
	Engine    *syncer.Engine
	Profile   *cache.ProfileCache
	Friends   *cache.FriendCache
	Blacklist *cache.BlacklistCache
	Applies   *cache.ApplyCache
	Chat      *cache.ChatCache
	Presence  *cache.PresenceCache
	Bus       *bus.Bus
	Logger    *zap.Logger
}

// Service implements CacheServiceServer on top of the entity caches.
type Service struct {
	Deps
	startedAt time.Time
	now       func() time.Time
}

var _ CacheServiceServer = (*Service)(nil)

func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Service{Deps: d, startedAt: time.Now(), now: time.Now}
}

var errNotSignedIn = grpcstatus.Error(codes.FailedPrecondition, "not signed in")

func (s *Service) owner() (string, error) {
	owner := s.Auth.Owner()
	if owner == "" {
		return "", errNotSignedIn
	}
	return owner, nil
}

// chatFor makes sure the chat cache holds owner's conversations.
func (s *Service) chatFor(ctx context.Context, owner string) error {
	if s.Chat.Owner() == owner {
		return nil
	}
	return s.Chat.Bootstrap(ctx, owner)
}

func (s *Service) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	owner := s.Auth.Owner()
	out := map[string]any{
		"account":    s.Account,
		"owner":      owner,
		"state":      string(s.Auth.State()),
		"stateSince": s.Auth.StateSince().UnixMilli(),
		"uptimeMs":   time.Since(s.startedAt).Milliseconds(),
		"localStore": s.Chat.LocalStoreAvailable(),
	}
	if owner == "" {
		return reply(out)
	}

	counts, err := s.DB.CountRows(ctx, owner)
	if err != nil {
		s.Logger.Warn("count cached rows failed", zap.String("owner", owner), zap.Error(err))
		out["localStore"] = false
	} else {
		out["counts"] = map[string]any{
			"friends":       counts.Friends,
			"applies":       counts.Applies,
			"blacklist":     counts.Blacklist,
			"conversations": counts.Conversations,
			"messages":      counts.Messages,
			"outbox":        counts.Outbox,
		}
	}
	unread, synced := s.Applies.UnreadCount()
	out["unreadApplies"] = unread
	out["unreadSynced"] = synced
	return reply(out)
}

func (s *Service) SignIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var (
		res *auth.LoginResult
		err error
	)
	if code := str(in, "code"); code != "" {
		res, err = s.Auth.LoginByCode(ctx, code)
	} else {
		res, err = s.Auth.LoginWithPassword(ctx, str(in, "account"), str(in, "password"))
	}
	if err != nil {
		return nil, toStatus("sign in", err)
	}
	owner := res.Session.UserUUID
	if err := s.chatFor(ctx, owner); err != nil {
		s.Logger.Warn("bootstrap chat failed", zap.String("owner", owner), zap.Error(err))
	}
	return reply(map[string]any{
		"owner":    owner,
		"userInfo": res.UserInfo.Interface(),
	})
}

// SignOut ends the session. With purge set, every cached row of the
// account is deleted as well.
func (s *Service) SignOut(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner := s.Auth.Owner()
	s.Auth.SignOut(ctx)
	purged := false
	if flag(in, "purge") && owner != "" {
		if err := s.DB.PurgeOwner(ctx, owner); err != nil {
			return nil, toStatus("purge cache", err)
		}
		purged = true
		s.Logger.Info("cache purged", zap.String("owner", owner))
	}
	return reply(map[string]any{"ok": true, "purged": purged})
}

func (s *Service) SyncAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	report, err := s.Engine.SyncAll(ctx, owner)
	if err != nil {
		return nil, toStatus("sync", err)
	}
	return reply(reportMap(report))
}

func (s *Service) GetProfile(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if flag(in, "refresh") {
		if err := s.Profile.SyncFromServer(ctx, owner); err != nil {
			return nil, toStatus("sync profile", err)
		}
	}
	return reply(map[string]any{"profile": s.Profile.Profile().Interface()})
}

func (s *Service) ListFriends(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.owner(); err != nil {
		return nil, err
	}
	friends := s.Friends.Friends()
	items := make([]any, len(friends))
	for i, f := range friends {
		items[i] = friendMap(f)
	}
	out := map[string]any{
		"version": s.Friends.Version(),
		"friends": items,
	}
	if flag(in, "grouped") {
		groups := s.Friends.Groups(strList(in, "preferredTags"))
		list := make([]any, len(groups))
		for i, g := range groups {
			list[i] = groupMap(g)
		}
		out["groups"] = list
	}
	return reply(out)
}

func (s *Service) ListBlacklist(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.owner(); err != nil {
		return nil, err
	}
	entries := s.Blacklist.Items()
	items := make([]any, len(entries))
	for i, e := range entries {
		items[i] = blacklistMap(e)
	}
	return reply(map[string]any{"items": items})
}

func (s *Service) ListApplies(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.owner(); err != nil {
		return nil, err
	}
	dir := store.Direction(str(in, "direction"))
	if dir == "" {
		dir = store.Inbox
	}
	if !dir.Valid() {
		return nil, toStatus("list applies", errs.Validation("unknown direction %q", dir))
	}

	rows := s.Applies.Inbox()
	if dir == store.Outbox {
		rows = s.Applies.Sent()
	}
	items := make([]any, len(rows))
	for i, a := range rows {
		items[i] = applyMap(a)
	}
	unread, synced := s.Applies.UnreadCount()
	return reply(map[string]any{
		"direction":    string(dir),
		"items":        items,
		"unread":       unread,
		"unreadSynced": synced,
	})
}

func (s *Service) MarkAppliesRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.Applies.MarkAsRead(ctx, owner, numList(in, "ids")); err != nil {
		return nil, toStatus("mark applies read", err)
	}
	unread, synced := s.Applies.UnreadCount()
	return reply(map[string]any{"unread": unread, "unreadSynced": synced})
}

func (s *Service) HandleApply(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	var action cache.HandleAction
	switch strings.ToLower(str(in, "action")) {
	case "accept":
		action = cache.Accept
	case "reject":
		action = cache.Reject
	default:
		return nil, toStatus("handle apply", errs.Validation("action must be accept or reject"))
	}
	if err := s.Applies.Handle(ctx, owner, num(in, "applyId"), action, str(in, "remark")); err != nil {
		return nil, toStatus("handle apply", err)
	}
	return reply(map[string]any{"ok": true})
}

func (s *Service) SendApply(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	id, err := s.Applies.Send(ctx, owner, str(in, "target"), str(in, "reason"))
	if err != nil {
		return nil, toStatus("send apply", err)
	}
	return reply(map[string]any{"applyId": id})
}

// RetrySentApply sends a previous request again; an empty reason reuses the
// original one.
func (s *Service) RetrySentApply(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.Applies.RetrySent(ctx, owner, num(in, "applyId"), str(in, "reason")); err != nil {
		return nil, toStatus("retry apply", err)
	}
	return reply(map[string]any{"ok": true})
}

func (s *Service) SetFriendRemark(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall("set remark", func(owner string) error {
		return s.Friends.SetRemark(ctx, owner, str(in, "peer"), str(in, "remark"))
	})
}

func (s *Service) SetFriendTag(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall("set tag", func(owner string) error {
		return s.Friends.SetTag(ctx, owner, str(in, "peer"), str(in, "tag"))
	})
}

func (s *Service) DeleteFriend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall("delete friend", func(owner string) error {
		return s.Friends.Delete(ctx, owner, str(in, "peer"))
	})
}

func (s *Service) AddBlacklist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall("block", func(owner string) error {
		return s.Blacklist.Add(ctx, owner, str(in, "peer"))
	})
}

func (s *Service) RemoveBlacklist(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return s.friendCall("unblock", func(owner string) error {
		return s.Blacklist.Remove(ctx, owner, str(in, "peer"))
	})
}

// friendCall runs a friend or blacklist mutation for the signed-in owner and
// replies with the resynced friend list version.
func (s *Service) friendCall(op string, fn func(owner string) error) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := fn(owner); err != nil {
		return nil, toStatus(op, err)
	}
	return reply(map[string]any{"ok": true, "version": s.Friends.Version()})
}

func (s *Service) ListConversations(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.chatFor(ctx, owner); err != nil {
		return nil, toStatus("load conversations", err)
	}
	convs := s.Chat.Conversations()
	items := make([]any, len(convs))
	for i, c := range convs {
		items[i] = conversationMap(c)
	}
	return reply(map[string]any{
		"conversations": items,
		"localStore":    s.Chat.LocalStoreAvailable(),
	})
}

func (s *Service) ListMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	convID := str(in, "convId")
	if convID == "" {
		return nil, toStatus("list messages", errs.Validation("convId is required"))
	}
	cursor := store.Cursor{SendTime: num(in, "cursor"), MsgID: str(in, "cursorId")}
	msgs, err := s.Chat.History(ctx, owner, convID, cursor, int(num(in, "limit")))
	if err != nil {
		return nil, toStatus("list messages", err)
	}
	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = messageMap(m)
	}
	out := map[string]any{"messages": items}
	if len(msgs) > 0 {
		out["nextCursor"] = msgs[0].SendTime
		out["nextCursorId"] = msgs[0].MsgID
	}
	return reply(out)
}

// OpenConversation makes convID the active conversation and returns its
// newest page with the saved draft.
func (s *Service) OpenConversation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.chatFor(ctx, owner); err != nil {
		return nil, toStatus("open conversation", err)
	}
	convID := str(in, "convId")
	if err := s.Chat.Open(ctx, convID); err != nil {
		return nil, toStatus("open conversation", err)
	}
	return s.loadedMessages(convID, map[string]any{"draft": s.Chat.Draft(convID)})
}

// LoadOlderMessages prepends the page before the oldest loaded message of
// convID and returns everything loaded so far.
func (s *Service) LoadOlderMessages(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.chatFor(ctx, owner); err != nil {
		return nil, toStatus("load older", err)
	}
	convID := str(in, "convId")
	if convID == "" {
		return nil, toStatus("load older", errs.Validation("convId is required"))
	}
	added, err := s.Chat.LoadOlder(ctx, convID)
	if err != nil {
		return nil, toStatus("load older", err)
	}
	return s.loadedMessages(convID, map[string]any{"added": added})
}

func (s *Service) loadedMessages(convID string, out map[string]any) (*structpb.Struct, error) {
	msgs := s.Chat.Messages(convID)
	items := make([]any, len(msgs))
	for i, m := range msgs {
		items[i] = messageMap(m)
	}
	out["convId"] = convID
	out["messages"] = items
	out["hasMore"] = s.Chat.HasMore(convID)
	out["storeAvailable"] = s.Chat.LocalStoreAvailable()
	return reply(out)
}

func (s *Service) SendMessage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.chatFor(ctx, owner); err != nil {
		return nil, toStatus("send message", err)
	}
	msg, err := s.Chat.SendTo(ctx, str(in, "convId"), str(in, "text"))
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return reply(map[string]any{"message": messageMap(msg)})
}

func (s *Service) SaveDraft(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	owner, err := s.owner()
	if err != nil {
		return nil, err
	}
	if err := s.chatFor(ctx, owner); err != nil {
		return nil, toStatus("save draft", err)
	}
	if err := s.Chat.SaveDraft(ctx, str(in, "convId"), str(in, "text")); err != nil {
		return nil, toStatus("save draft", err)
	}
	return reply(map[string]any{"ok": true})
}

// GetPresence answers from the cache and looks up unknown users. refresh
// looks up every requested user.
func (s *Service) GetPresence(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.owner(); err != nil {
		return nil, err
	}
	ids := cache.NormalizeIDs(strList(in, "uuids"))
	if len(ids) == 0 {
		return nil, toStatus("get presence", errs.Validation("uuids are required"))
	}

	lookup := ids
	if !flag(in, "refresh") {
		lookup = nil
		for _, id := range ids {
			if _, ok := s.Presence.Get(id); !ok {
				lookup = append(lookup, id)
			}
		}
	}
	if len(lookup) > 0 {
		if err := s.Presence.SyncBatch(ctx, lookup); err != nil {
			return nil, toStatus("get presence", err)
		}
	}

	now := s.now()
	items := make([]any, len(ids))
	for i, id := range ids {
		p, ok := s.Presence.Get(id)
		if !ok {
			p.UserUUID = id
		}
		items[i] = presenceMap(p, ok, now)
	}
	return reply(map[string]any{"presence": items})
}

// WatchEvents relays bus events until the client goes away.
func (s *Service) WatchEvents(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ch, unsub := s.Bus.Subscribe(str(in, "namespace"), 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := reply(map[string]any{
				"eventId":      uuid.NewString(),
				"account":      s.Account,
				"kind":         evt.Kind,
				"occurredAtMs": evt.Timestamp.UnixMilli(),
				"payload":      eventPayload(evt.Payload),
			})
			if err != nil {
				s.Logger.Warn("encode event failed", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
