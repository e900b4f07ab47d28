package cache

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/store"
	"go.uber.org/zap"
)

// ChatPageSize is the number of messages loaded per page.
const ChatPageSize = 40

// ChatStore is the part of the local store the chat cache uses.
type ChatStore interface {
	ListConversations(ctx context.Context, owner string) ([]store.Conversation, error)
	UpsertConversations(ctx context.Context, owner string, rows []store.Conversation) error
	UpsertMessages(ctx context.Context, owner, convID string, rows []store.Message) error
	ListMessagesBefore(ctx context.Context, owner, convID string, cursor store.Cursor, limit int) ([]store.Message, error)
	UpdateMessageStatus(ctx context.Context, owner, convID, msgID string, status int, seq *int64) error
	SendLocalMessage(ctx context.Context, owner string, m store.Message, preview string) (*store.Conversation, error)
	SaveDraft(ctx context.Context, owner, convID, text string) error
	GetDraft(ctx context.Context, owner, convID string) (string, error)
}

// ChatCache holds the owner's conversations, the loaded pages of each
// opened conversation, and drafts. Messages are paged backwards from the
// newest using the oldest loaded (send time, msg id) as an exclusive cursor.
type ChatCache struct {
	db     ChatStore
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu            sync.RWMutex
	owner         string
	active        string
	conversations []store.Conversation
	messages      map[string][]store.Message
	hasMore       map[string]bool
	drafts        map[string]string
	storeOK       bool
}

func NewChatCache(db ChatStore, b *bus.Bus, logger *zap.Logger) *ChatCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &ChatCache{
		db:     db,
		bus:    b,
		logger: logger.With(zap.String("collection", "chat")),
		now:    time.Now,
	}
	c.clear()
	return c
}

// Bootstrap loads the owner's conversations, newest first, and opens the
// newest one.
func (c *ChatCache) Bootstrap(ctx context.Context, owner string) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	convs, err := c.db.ListConversations(ctx, owner)
	c.mu.Lock()
	if c.owner != owner {
		c.clear()
		c.owner = owner
	}
	if err != nil {
		c.storeOK = false
	} else {
		c.storeOK = true
		c.conversations = convs
	}
	first := ""
	if len(c.conversations) > 0 {
		first = c.conversations[0].ConvID
	}
	n := len(c.conversations)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("load conversations failed", zap.String("owner", owner), zap.Error(err))
	}
	c.bus.Emit(bus.KindConversationsChanged, bus.CacheChange{Owner: owner, Count: n})
	if first == "" {
		return nil
	}
	return c.Open(ctx, first)
}

// Open makes convID the active conversation and loads its newest page and
// draft.
func (c *ChatCache) Open(ctx context.Context, convID string) error {
	owner := c.Owner()
	if err := requireOwner(owner); err != nil {
		return err
	}
	if strings.TrimSpace(convID) == "" {
		return errs.Validation("conversation id is required")
	}

	msgs, err := c.db.ListMessagesBefore(ctx, owner, convID, store.Cursor{}, ChatPageSize)
	if err != nil {
		c.logger.Warn("load messages failed", zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))
	}
	draft, derr := c.db.GetDraft(ctx, owner, convID)
	if derr != nil {
		c.logger.Warn("load draft failed", zap.String("owner", owner), zap.String("conv", convID), zap.Error(derr))
	}

	c.mu.Lock()
	c.active = convID
	if err == nil {
		c.messages[convID] = msgs
		c.hasMore[convID] = len(msgs) == ChatPageSize
	} else {
		c.storeOK = false
	}
	if derr == nil {
		c.drafts[convID] = draft
	}
	c.mu.Unlock()
	return nil
}

// LoadOlder prepends the page before the oldest loaded message and returns
// how many messages it added.
func (c *ChatCache) LoadOlder(ctx context.Context, convID string) (int, error) {
	owner := c.Owner()
	if err := requireOwner(owner); err != nil {
		return 0, err
	}
	c.mu.RLock()
	loaded := c.messages[convID]
	more, known := c.hasMore[convID]
	c.mu.RUnlock()
	if known && !more {
		return 0, nil
	}

	var cursor store.Cursor
	if len(loaded) > 0 {
		cursor = store.CursorOf(loaded[0])
	}
	page, err := c.db.ListMessagesBefore(ctx, owner, convID, cursor, ChatPageSize)
	if err != nil {
		c.logger.Warn("load older messages failed", zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))
		c.mu.Lock()
		c.storeOK = false
		c.mu.Unlock()
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[string]bool, len(c.messages[convID]))
	for _, m := range c.messages[convID] {
		seen[m.MsgID] = true
	}
	fresh := slices.DeleteFunc(page, func(m store.Message) bool { return seen[m.MsgID] })
	c.messages[convID] = append(fresh, c.messages[convID]...)
	c.hasMore[convID] = len(page) == ChatPageSize
	return len(fresh), nil
}

// History reads one page straight from the store without touching the
// loaded pages. When the store is unavailable it pages the loaded messages
// instead.
func (c *ChatCache) History(ctx context.Context, owner, convID string, cursor store.Cursor, limit int) ([]store.Message, error) {
	if err := requireOwner(owner); err != nil {
		return nil, err
	}
	msgs, err := c.db.ListMessagesBefore(ctx, owner, convID, cursor, limit)
	if err == nil {
		return msgs, nil
	}
	c.logger.Warn("read history failed, using loaded messages", zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.owner != owner {
		return nil, nil
	}
	var older []store.Message
	for _, m := range c.messages[convID] {
		if cursor.Admits(m) {
			older = append(older, m)
		}
	}
	limit = store.ClampMessageLimit(limit)
	if len(older) > limit {
		older = older[len(older)-limit:]
	}
	return slices.Clone(older), nil
}

func (c *ChatCache) Owner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owner
}

// Active returns the open conversation id.
func (c *ChatCache) Active() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

// Messages returns the loaded messages of convID in ascending send time.
func (c *ChatCache) Messages(convID string) []store.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.messages[convID])
}

// Conversations returns the conversations ordered by last update, newest
// first.
func (c *ChatCache) Conversations() []store.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.conversations)
}

func (c *ChatCache) Draft(convID string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.drafts[convID]
}

// HasMore reports whether older messages of convID may still be in the
// store. Unopened conversations report true.
func (c *ChatCache) HasMore(convID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	more, known := c.hasMore[convID]
	return more || !known
}

// LocalStoreAvailable reports whether the last store access succeeded.
func (c *ChatCache) LocalStoreAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storeOK
}

// SetDraft saves the draft of the active conversation.
func (c *ChatCache) SetDraft(ctx context.Context, text string) error {
	return c.SaveDraft(ctx, c.Active(), text)
}

// SaveDraft saves the draft of convID, overwriting the previous one.
func (c *ChatCache) SaveDraft(ctx context.Context, convID, text string) error {
	owner := c.Owner()
	if err := requireOwner(owner); err != nil {
		return err
	}
	if convID == "" {
		return errs.Validation("no active conversation")
	}
	if err := c.db.SaveDraft(ctx, owner, convID, text); err != nil {
		c.logger.Warn("save draft failed", zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))
	}
	c.mu.Lock()
	c.drafts[convID] = text
	c.mu.Unlock()
	return nil
}

// SendMessage sends text to the active conversation.
func (c *ChatCache) SendMessage(ctx context.Context, text string) (store.Message, error) {
	return c.SendTo(ctx, c.Active(), text)
}

// SendTo records an outgoing message. The message, the conversation preview
// and the queued send become visible together, and the draft is cleared.
// The outbox delivers it later. If the store is unavailable the message is
// kept in memory only and marked failed.
func (c *ChatCache) SendTo(ctx context.Context, convID, text string) (store.Message, error) {
	owner := c.Owner()
	text = strings.TrimSpace(text)
	switch {
	case owner == "":
		return store.Message{}, errs.Validation("owner is required")
	case convID == "":
		return store.Message{}, errs.Validation("no active conversation")
	case text == "":
		return store.Message{}, errs.Validation("message text is empty")
	}

	id := uuid.NewString()
	msg := store.Message{
		Owner:       owner,
		ConvID:      convID,
		MsgID:       id,
		ClientMsgID: id,
		SendTime:    c.now().UnixMilli(),
		Payload: payload.Object(map[string]payload.Value{
			"text": payload.String(text),
			"from": payload.String("self"),
		}),
		Status: store.MessageSending,
	}

	conv, err := c.db.SendLocalMessage(ctx, owner, msg, text)
	if err != nil {
		c.logger.Warn("record outgoing message failed, keeping it in memory",
			zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))
		msg.Status = store.MessageFailed
		conv = c.previewInMemory(convID, text, msg.SendTime)
	}

	c.mu.Lock()
	c.storeOK = err == nil
	if c.owner == owner {
		c.messages[convID] = append(c.messages[convID], msg)
		c.upsertConversationLocked(*conv)
		delete(c.drafts, convID)
	}
	n := len(c.conversations)
	c.mu.Unlock()

	c.bus.Emit(bus.KindMessageUpserted, msg)
	c.bus.Emit(bus.KindConversationsChanged, bus.CacheChange{Owner: owner, Count: n})
	return msg, nil
}

func (c *ChatCache) previewInMemory(convID, preview string, at int64) *store.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv := store.Conversation{Owner: c.owner, ConvID: convID, Payload: payload.EmptyObject()}
	if i := slices.IndexFunc(c.conversations, func(x store.Conversation) bool { return x.ConvID == convID }); i >= 0 {
		conv = c.conversations[i]
	}
	conv.Payload = conv.Payload.
		With("preview", payload.String(preview)).
		With("updatedAt", payload.Int(at))
	conv.UpdatedAt = at
	return &conv
}

// Ingest stores messages that arrived from the server and merges them into
// any loaded page of their conversation.
func (c *ChatCache) Ingest(ctx context.Context, owner, convID string, msgs []store.Message) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := c.db.UpsertMessages(ctx, owner, convID, msgs); err != nil {
		c.logger.Warn("store incoming messages failed", zap.String("owner", owner), zap.String("conv", convID), zap.Error(err))
	}

	c.mu.Lock()
	if loaded, ok := c.messages[convID]; ok && c.owner == owner {
		byID := make(map[string]store.Message, len(loaded)+len(msgs))
		for _, m := range loaded {
			byID[m.MsgID] = m
		}
		for _, m := range msgs {
			m.Owner, m.ConvID = owner, convID
			byID[m.MsgID] = m
		}
		merged := make([]store.Message, 0, len(byID))
		for _, m := range byID {
			merged = append(merged, m)
		}
		slices.SortStableFunc(merged, func(a, b store.Message) int {
			if c := cmp.Compare(a.SendTime, b.SendTime); c != 0 {
				return c
			}
			return cmp.Compare(a.MsgID, b.MsgID)
		})
		c.messages[convID] = merged
	}
	c.mu.Unlock()

	for _, m := range msgs {
		c.bus.Emit(bus.KindMessageUpserted, m)
	}
	return nil
}

// MarkDelivery records the outcome of sending a message: its status and,
// once acknowledged, the server sequence number.
func (c *ChatCache) MarkDelivery(ctx context.Context, owner, convID, msgID string, status int, seq *int64) error {
	if err := c.db.UpdateMessageStatus(ctx, owner, convID, msgID, status, seq); err != nil {
		c.logger.Warn("update message status failed", zap.String("owner", owner), zap.String("msg", msgID), zap.Error(err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owner != owner {
		return nil
	}
	msgs := slices.Clone(c.messages[convID])
	for i := range msgs {
		if msgs[i].MsgID == msgID {
			msgs[i].Status = status
			if seq != nil {
				v := *seq
				msgs[i].Seq = &v
			}
		}
	}
	c.messages[convID] = msgs
	return nil
}

// UpsertConversations writes conversations through and reorders the list.
func (c *ChatCache) UpsertConversations(ctx context.Context, owner string, rows []store.Conversation) error {
	if err := requireOwner(owner); err != nil {
		return err
	}
	if err := c.db.UpsertConversations(ctx, owner, rows); err != nil {
		c.logger.Warn("upsert conversations failed", zap.String("owner", owner), zap.Error(err))
	}
	c.mu.Lock()
	if c.owner == owner {
		for _, r := range rows {
			c.upsertConversationLocked(r)
		}
	}
	n := len(c.conversations)
	c.mu.Unlock()
	c.bus.Emit(bus.KindConversationsChanged, bus.CacheChange{Owner: owner, Count: n})
	return nil
}

func (c *ChatCache) upsertConversationLocked(conv store.Conversation) {
	convs := slices.DeleteFunc(slices.Clone(c.conversations), func(x store.Conversation) bool {
		return x.ConvID == conv.ConvID
	})
	convs = append(convs, conv)
	slices.SortStableFunc(convs, func(a, b store.Conversation) int {
		if c := cmp.Compare(b.UpdatedAt, a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConvID, b.ConvID)
	})
	c.conversations = convs
}

// Reset drops all in-memory chat state.
func (c *ChatCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clear()
}

func (c *ChatCache) clear() {
	c.owner = ""
	c.active = ""
	c.conversations = nil
	c.messages = make(map[string][]store.Message)
	c.hasMore = make(map[string]bool)
	c.drafts = make(map[string]string)
	c.storeOK = true
}
