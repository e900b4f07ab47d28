// Package status tracks whether the account has a usable session.
package status

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
)

// State is the lifecycle state of the signed-in session.
type State string

const (
	Unauthenticated State = "UNAUTHENTICATED"
	Authenticated   State = "AUTHENTICATED"
	Refreshing      State = "REFRESHING"
)

// ErrInvalidTransition is returned for a move the session lifecycle does not
// allow, such as refreshing without a session.
var ErrInvalidTransition = errors.New("invalid session transition")

// next lists the states reachable from each state.
var next = map[State]map[State]bool{
	Unauthenticated: {Authenticated: true},
	Authenticated:   {Refreshing: true, Unauthenticated: true},
	Refreshing:      {Authenticated: true, Unauthenticated: true},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	return next[from][to]
}

// StatusChange is the payload of session.status_changed.
type StatusChange struct {
	From State
	To   State
}

// Machine holds the current session state and announces every change on the
// bus.
type Machine struct {
	mu    sync.RWMutex
	state State
	since time.Time
	bus   *bus.Bus
	now   func() time.Time
}

// NewMachine starts in Unauthenticated.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{state: Unauthenticated, since: time.Now(), bus: b, now: time.Now}
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to to, or fails with ErrInvalidTransition leaving the
// state untouched.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.since = m.now()
	at := m.since
	m.mu.Unlock()

	m.bus.Publish(bus.Event{
		Kind:      bus.KindStatusChanged,
		Timestamp: at,
		Payload:   StatusChange{From: from, To: to},
	})
	return nil
}

// Ensure reaches to from any state, publishing nothing when already there.
// Sign-in over a stale Authenticated state and sign-out during a refresh both
// go through here.
func (m *Machine) Ensure(to State) error {
	if m.Current() == to {
		return nil
	}
	return m.Transition(to)
}
