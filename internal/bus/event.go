package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. The part before the first dot is the namespace subscribers
// filter on.
const (
	KindStatusChanged = "session.status_changed"
	KindSignedIn      = "session.signed_in"
	KindSignedOut     = "session.signed_out"

	KindProfileChanged       = "cache.profile_changed"
	KindFriendsChanged       = "cache.friends_changed"
	KindBlacklistChanged     = "cache.blacklist_changed"
	KindAppliesChanged       = "cache.applies_changed"
	KindConversationsChanged = "cache.conversations_changed"
	KindPresenceChanged      = "cache.presence_changed"

	KindMessageUpserted   = "message.upserted"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"

	KindSyncCompleted = "sync.completed"
)

// CacheChange is the payload of cache.* events.
type CacheChange struct {
	Owner string
	Count int
}

// SessionChange is the payload of session.signed_in and session.signed_out.
type SessionChange struct {
	Owner  string
	Reason string
}
