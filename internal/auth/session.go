package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Session is the credential set of the signed-in user.
type Session struct {
	UserUUID     string `json:"userUuid"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	// ExpiresAt is the access token expiry in Unix milliseconds.
	ExpiresAt int64  `json:"expiresAt"`
	DeviceID  string `json:"deviceId,omitempty"`
}

// Valid reports whether the session can authorize requests.
func (s *Session) Valid() bool {
	return s != nil && s.UserUUID != "" && s.AccessToken != ""
}

// ExpiresWithin reports whether the access token expires within d of now.
func (s *Session) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s == nil || s.ExpiresAt == 0 {
		return false
	}
	return now.Add(d).UnixMilli() >= s.ExpiresAt
}

// SessionStore holds the current session in memory and mirrors it to a JSON
// file. An empty path keeps the session in memory only.
type SessionStore struct {
	mu      sync.Mutex
	path    string
	loaded  bool
	current *Session
}

// NewSessionStore creates a store backed by path.
func NewSessionStore(path string) *SessionStore {
	return &SessionStore{path: path}
}

// Get returns a copy of the current session, or nil when signed out.
func (s *SessionStore) Get() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	if s.current == nil {
		return nil, nil
	}
	cp := *s.current
	return &cp, nil
}

// Set replaces the session atomically. The in-memory copy is replaced even
// when mirroring to disk fails.
func (s *SessionStore) Set(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded = true
	s.current = &sess
	return s.writeLocked(&sess)
}

// Clear removes the session and returns the one that was removed, or nil
// when already signed out.
func (s *SessionStore) Clear() (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	loadErr := s.loadLocked()
	prev := s.current
	s.current = nil
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return prev, fmt.Errorf("remove session: %w", err)
		}
	}
	return prev, loadErr
}

func (s *SessionStore) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		// A corrupt file is treated as signed out.
		return nil
	}
	if sess.Valid() {
		s.current = &sess
	}
	return nil
}

func (s *SessionStore) writeLocked(sess *Session) error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace session: %w", err)
	}
	return nil
}
