package auth

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/status"
	"github.com/matheus3301/lcsync/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeServer accepts only validToken on authorized paths and serves the
// refresh and login endpoints.
type fakeServer struct {
	mu           sync.Mutex
	validToken   string
	refreshFails bool
	refreshCalls int
	dataCalls    int
	// rejected, when set, is signalled by every rejected request and waited
	// on before responding, so concurrent callers fail together.
	rejected *sync.WaitGroup
}

func ok(body string) (*transport.Response, error) {
	return &transport.Response{Status: http.StatusOK, Body: []byte(body)}, nil
}

func (f *fakeServer) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	switch req.Path {
	case RefreshPath:
		f.mu.Lock()
		f.refreshCalls++
		fail := f.refreshFails
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		if fail {
			return nil, &errs.BizError{Code: 40100, Message: "refresh token revoked"}
		}
		return ok(`{"code":0,"data":{"accessToken":"new","tokenType":"Bearer","expiresIn":3600}}`)
	case LoginPath, LoginByCodePath:
		return ok(`{"code":0,"data":{"accessToken":"a1","refreshToken":"r1","tokenType":"Bearer","expiresIn":7200,"userInfo":{"uuid":"u1","nickname":"ann"}}}`)
	}

	f.mu.Lock()
	f.dataCalls++
	valid := f.validToken
	wg := f.rejected
	f.mu.Unlock()

	if req.Headers["Authorization"] != "Bearer "+valid {
		if wg != nil {
			wg.Done()
			wg.Wait()
		}
		return nil, &errs.BizError{Code: errs.CodeTokenExpired, Message: "token expired"}
	}
	return ok(`{"code":0,"data":{"ok":true}}`)
}

func newTestCoordinator(t *testing.T, srv *fakeServer, sess *Session) (*Coordinator, *SessionStore, *bus.Bus) {
	t.Helper()
	b := bus.New()
	store := NewSessionStore("")
	c := NewCoordinator(srv, store, status.NewMachine(b), b, nil, nil)
	if sess != nil {
		require.NoError(t, store.Set(*sess))
		require.NotNil(t, c.Hydrate())
	}
	return c, store, b
}

func oldSession() *Session {
	return &Session{UserUUID: "u1", AccessToken: "old", RefreshToken: "r1", DeviceID: "d1"}
}

func countKind(ch <-chan bus.Event, kind string) int {
	n := 0
	for {
		select {
		case evt := <-ch:
			if evt.Kind == kind {
				n++
			}
		default:
			return n
		}
	}
}

func TestDoRetriesOnceWithRefreshedToken(t *testing.T) {
	srv := &fakeServer{validToken: "new"}
	c, store, _ := newTestCoordinator(t, srv, oldSession())

	_, err := c.Do(context.Background(), &transport.Request{Path: "/api/v1/auth/friend/list"})
	require.NoError(t, err)
	require.Equal(t, 1, srv.refreshCalls)
	require.Equal(t, 2, srv.dataCalls)

	sess, err := store.Get()
	require.NoError(t, err)
	require.Equal(t, "new", sess.AccessToken)
	require.Equal(t, "r1", sess.RefreshToken)
	require.Equal(t, status.Authenticated, c.State())
}

func TestConcurrentAuthExpiredSharesOneRefresh(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	srv := &fakeServer{validToken: "new", rejected: &wg}
	c, _, _ := newTestCoordinator(t, srv, oldSession())

	var (
		done sync.WaitGroup
		errA error
		errB error
	)
	done.Add(2)
	go func() {
		defer done.Done()
		_, errA = c.Do(context.Background(), &transport.Request{Path: "/api/v1/auth/friend/list"})
	}()
	go func() {
		defer done.Done()
		_, errB = c.Do(context.Background(), &transport.Request{Path: "/api/v1/auth/blacklist"})
	}()
	done.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, 1, srv.refreshCalls, "both requests must share one refresh")
	require.Equal(t, 4, srv.dataCalls, "each request is resubmitted exactly once")
}

func TestConcurrentRefreshFailureClearsOnce(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	srv := &fakeServer{validToken: "new", refreshFails: true, rejected: &wg}
	c, store, b := newTestCoordinator(t, srv, oldSession())
	events, unsub := b.Subscribe("session.", 32)
	defer unsub()

	var (
		done sync.WaitGroup
		errA error
		errB error
	)
	done.Add(2)
	go func() {
		defer done.Done()
		_, errA = c.Do(context.Background(), &transport.Request{Path: "/a"})
	}()
	go func() {
		defer done.Done()
		_, errB = c.Do(context.Background(), &transport.Request{Path: "/b"})
	}()
	done.Wait()

	require.ErrorIs(t, errA, errs.ErrAuthInvalid)
	require.ErrorIs(t, errB, errs.ErrAuthInvalid)
	require.Equal(t, 1, srv.refreshCalls)
	require.Equal(t, 1, countKind(events, bus.KindSignedOut), "session must be cleared exactly once")

	sess, err := store.Get()
	require.NoError(t, err)
	require.Nil(t, sess)
	require.Equal(t, status.Unauthenticated, c.State())
}

func TestSecondRejectionIsTerminal(t *testing.T) {
	srv := &fakeServer{validToken: "never-issued"}
	c, store, _ := newTestCoordinator(t, srv, oldSession())

	_, err := c.Do(context.Background(), &transport.Request{Path: "/api/v1/auth/user/profile"})
	require.ErrorIs(t, err, errs.ErrAuthInvalid)
	require.Equal(t, 1, srv.refreshCalls)
	require.Equal(t, 2, srv.dataCalls, "no third attempt")

	sess, _ := store.Get()
	require.Nil(t, sess)
}

func TestExemptPathNeverRefreshes(t *testing.T) {
	doer := transport.DoerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, &errs.BizError{Code: errs.CodeTokenExpired}
	})
	c := NewCoordinator(doer, NewSessionStore(""), nil, nil, nil, nil)
	require.NoError(t, c.sessions.Set(*oldSession()))

	_, err := c.Do(context.Background(), &transport.Request{Path: RefreshPath})
	require.ErrorIs(t, err, errs.ErrAuthExpired)

	sess, _ := c.sessions.Get()
	require.NotNil(t, sess, "exempt failures leave the session alone")
}

func TestMissingRefreshTokenClearsSession(t *testing.T) {
	srv := &fakeServer{validToken: "new"}
	sess := oldSession()
	sess.RefreshToken = ""
	c, store, _ := newTestCoordinator(t, srv, sess)

	_, err := c.Do(context.Background(), &transport.Request{Path: "/x"})
	require.ErrorIs(t, err, errs.ErrAuthInvalid)
	require.Equal(t, 0, srv.refreshCalls)
	got, _ := store.Get()
	require.Nil(t, got)
}

func TestNonAuthErrorsPassThrough(t *testing.T) {
	doer := transport.DoerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, errs.Network(context.DeadlineExceeded)
	})
	c := NewCoordinator(doer, NewSessionStore(""), nil, nil, nil, nil)
	_, err := c.Do(context.Background(), &transport.Request{Path: "/x"})
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestLoginWithPasswordSignsIn(t *testing.T) {
	srv := &fakeServer{}
	c, store, b := newTestCoordinator(t, srv, nil)
	fixed := time.UnixMilli(1_000_000)
	c.now = func() time.Time { return fixed }
	events, unsub := b.Subscribe("session.", 8)
	defer unsub()

	res, err := c.LoginWithPassword(context.Background(), " ann ", "secret")
	require.NoError(t, err)
	require.Equal(t, "u1", res.Session.UserUUID)
	require.EqualValues(t, 1_000_000+7200*1000, res.Session.ExpiresAt)

	sess, _ := store.Get()
	require.Equal(t, "a1", sess.AccessToken)
	require.Equal(t, status.Authenticated, c.State())
	require.Equal(t, 1, countKind(events, bus.KindSignedIn))
}

func TestLoginValidation(t *testing.T) {
	c, _, _ := newTestCoordinator(t, &fakeServer{}, nil)
	_, err := c.LoginWithPassword(context.Background(), "", "x")
	require.ErrorIs(t, err, errs.ErrValidation)
	_, err = c.LoginByCode(context.Background(), "   ")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestLoginByCodeUsesScannedToken(t *testing.T) {
	var body map[string]string
	doer := transport.DoerFunc(func(_ context.Context, req *transport.Request) (*transport.Response, error) {
		body = req.Body.(map[string]string)
		return ok(`{"code":0,"data":{"accessToken":"a","refreshToken":"r","expiresIn":60,"userInfo":{"uuid":"u9"}}}`)
	})
	c := NewCoordinator(doer, NewSessionStore(""), nil, nil, nil, nil)

	res, err := c.LoginByCode(context.Background(), "https://chat.example.com/q/abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", body["token"])
	require.Equal(t, "u9", res.Session.UserUUID)
}

func TestSignOutClearsEvenWhenLogoutFails(t *testing.T) {
	doer := transport.DoerFunc(func(context.Context, *transport.Request) (*transport.Response, error) {
		return nil, errs.Network(context.Canceled)
	})
	b := bus.New()
	c := NewCoordinator(doer, NewSessionStore(""), nil, b, nil, nil)
	require.NoError(t, c.SignIn(context.Background(), *oldSession()))
	events, unsub := b.Subscribe("session.", 8)
	defer unsub()

	c.SignOut(context.Background())
	require.Empty(t, c.Owner())
	require.Equal(t, 1, countKind(events, bus.KindSignedOut))
}

func TestSessionStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct", "session.json")
	s := NewSessionStore(path)
	require.NoError(t, s.Set(Session{UserUUID: "u1", AccessToken: "a", RefreshToken: "r", ExpiresAt: 42}))

	reopened := NewSessionStore(path)
	got, err := reopened.Get()
	require.NoError(t, err)
	require.Equal(t, &Session{UserUUID: "u1", AccessToken: "a", RefreshToken: "r", ExpiresAt: 42}, got)

	prev, err := reopened.Clear()
	require.NoError(t, err)
	require.NotNil(t, prev)

	got, err = NewSessionStore(path).Get()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSessionExpiresWithin(t *testing.T) {
	now := time.UnixMilli(10_000)
	s := &Session{ExpiresAt: 70_000}
	require.False(t, s.ExpiresWithin(now, 30*time.Second))
	require.True(t, s.ExpiresWithin(now, 60*time.Second))
	require.False(t, (&Session{}).ExpiresWithin(now, time.Hour))
}
