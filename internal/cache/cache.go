// Package cache holds the in-memory projections of the local store that
// readers query synchronously: profile, friends, applies, blacklist,
// conversations and messages, and the never-persisted presence map.
//
// Every projection is rebuildable from the store or the network. Storage and
// network failures met during reconciliation are logged and the cache keeps
// its last known state; only validation failures and an invalidated session
// reach the caller.
package cache

import (
	"context"
	"errors"
	"strings"

	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
)

// Collection names, also used as reconciliation guard keys and log fields.
const (
	NameProfile   = "profile"
	NameFriends   = "friends"
	NameBlacklist = "blacklist"
	NameApplies   = "applies"
)

// surfaced reports whether err must be returned to the caller instead of
// being logged and absorbed.
func surfaced(err error) bool {
	return errors.Is(err, errs.ErrAuthInvalid) || errors.Is(err, errs.ErrValidation)
}

func requireOwner(owner string) error {
	if strings.TrimSpace(owner) == "" {
		return errs.Validation("owner is required")
	}
	return nil
}

// objectOrEmpty guarantees a stored payload is an object.
func objectOrEmpty(v payload.Value) payload.Value {
	if v.IsObject() {
		return v
	}
	return payload.EmptyObject()
}

// Syncer reconciles one collection for an owner. Caches whose mutations
// affect another collection resync it through this interface.
type Syncer interface {
	SyncFromServer(ctx context.Context, owner string) error
}
