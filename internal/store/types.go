package store

import "github.com/matheus3301/lcsync/internal/payload"

// Direction separates received (inbox) from sent (outbox) friend applies.
type Direction string

const (
	Inbox  Direction = "inbox"
	Outbox Direction = "outbox"
)

// Valid reports whether d is one of the two known directions.
func (d Direction) Valid() bool { return d == Inbox || d == Outbox }

// Sync cursor domains.
const (
	DomainFriend = "friend"
)

// Message delivery status.
const (
	MessageSending = 0
	MessageSent    = 1
	MessageFailed  = 2
)

// Profile is the signed-in user's own profile.
type Profile struct {
	Owner     string
	Payload   payload.Value
	UpdatedAt int64
}

// Friend is one entry of the owner's friend list.
type Friend struct {
	Owner     string
	Peer      string
	Payload   payload.Value
	Version   int64
	UpdatedAt int64
}

// ChangeAction is the kind of a friend delta.
type ChangeAction string

const (
	ActionUpsert ChangeAction = "upsert"
	ActionDelete ChangeAction = "delete"
)

// FriendChange is one server-issued delta applied in order.
type FriendChange struct {
	Action    ChangeAction
	Peer      string
	Payload   payload.Value
	Version   int64
	UpdatedAt int64
}

// Apply is a friend request, keyed by (owner, apply id, direction).
type Apply struct {
	Owner     string
	ApplyID   int64
	Direction Direction
	Status    int
	Payload   payload.Value
	UpdatedAt int64
}

// BlacklistEntry is one blocked peer.
type BlacklistEntry struct {
	Owner     string
	Peer      string
	Payload   payload.Value
	UpdatedAt int64
}

// Conversation is one chat thread.
type Conversation struct {
	Owner     string
	ConvID    string
	Payload   payload.Value
	UpdatedAt int64
}

// Message is one chat message. Seq is nil until the server assigns one.
type Message struct {
	Owner       string
	ConvID      string
	MsgID       string
	ClientMsgID string
	Seq         *int64
	SendTime    int64
	Payload     payload.Value
	Status      int
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID           int64
	Owner        string
	ClientMsgID  string
	ConvID       string
	Body         string
	Status       string // queued, sending, sent, failed
	Attempts     int
	ErrorMessage string
	ServerMsgID  string
}

// Counts summarizes the rows held for one owner.
type Counts struct {
	Friends       int
	Applies       int
	Blacklist     int
	Conversations int
	Messages      int
	Outbox        int
}
