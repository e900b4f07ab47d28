// Package auth owns the signed-in session: it attaches the access token to
// outgoing requests, refreshes it when the server rejects it, and signs the
// user out when the session cannot be recovered.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/lcsync/internal/bus"
	"github.com/matheus3301/lcsync/internal/errs"
	"github.com/matheus3301/lcsync/internal/payload"
	"github.com/matheus3301/lcsync/internal/status"
	"github.com/matheus3301/lcsync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	refreshKey            = "refresh"
	defaultRefreshTimeout = 15 * time.Second
)

// Coordinator is a transport.Doer that authorizes requests with the current
// session. At most one token refresh is in flight at any time; every request
// rejected meanwhile waits for it and is resubmitted exactly once.
type Coordinator struct {
	doer     transport.Doer
	sessions *SessionStore
	machine  *status.Machine
	bus      *bus.Bus
	deviceID transport.DeviceIDFunc
	logger   *zap.Logger

	refreshTimeout time.Duration
	now            func() time.Time

	group singleflight.Group
}

// NewCoordinator wires a coordinator over doer. machine, b, deviceID and
// logger may be nil.
func NewCoordinator(doer transport.Doer, sessions *SessionStore, machine *status.Machine, b *bus.Bus, deviceID transport.DeviceIDFunc, logger *zap.Logger) *Coordinator {
	if machine == nil {
		machine = status.NewMachine(b)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		doer:           doer,
		sessions:       sessions,
		machine:        machine,
		bus:            b,
		deviceID:       deviceID,
		logger:         logger,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
	}
}

// Session returns the current session, or nil when signed out.
func (c *Coordinator) Session() *Session {
	sess, err := c.sessions.Get()
	if err != nil {
		c.logger.Warn("read session failed", zap.Error(err))
		return nil
	}
	return sess
}

// Owner returns the signed-in user's uuid, or "".
func (c *Coordinator) Owner() string {
	if sess := c.Session(); sess != nil {
		return sess.UserUUID
	}
	return ""
}

// State returns the session state.
func (c *Coordinator) State() status.State { return c.machine.Current() }

// StateSince returns when the current session state was entered.
func (c *Coordinator) StateSince() time.Time { return c.machine.Since() }

// Do sends req with the current access token. When the server reports the
// token expired, Do awaits the shared refresh and resubmits once. A failed
// refresh, or a second rejection, clears the session and returns an error
// matching errs.ErrAuthInvalid.
func (c *Coordinator) Do(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	if IsExempt(req.Path) {
		return c.doer.Do(ctx, req)
	}

	token := ""
	attempt := req.Clone()
	if sess := c.Session(); sess != nil {
		token = sess.AccessToken
		attempt.Headers["Authorization"] = "Bearer " + token
	}
	resp, err := c.doer.Do(ctx, attempt)
	if err == nil || !errors.Is(err, errs.ErrAuthExpired) {
		return resp, err
	}

	fresh, err := c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	retry := req.Clone()
	retry.Headers["Authorization"] = "Bearer " + fresh.AccessToken
	resp, err = c.doer.Do(ctx, retry)
	if err != nil && errors.Is(err, errs.ErrAuthExpired) {
		c.invalidate("request rejected after refresh")
		return nil, errs.AuthInvalid(fmt.Sprintf("%s rejected after token refresh", req.Path))
	}
	return resp, err
}

// refresh returns a session whose token differs from stale, starting a
// refresh only when no other caller already replaced it.
func (c *Coordinator) refresh(ctx context.Context, stale string) (*Session, error) {
	cur := c.Session()
	if cur == nil || cur.RefreshToken == "" {
		c.invalidate("no refresh token")
		return nil, errs.AuthInvalid("no refresh token")
	}
	if cur.AccessToken != "" && cur.AccessToken != stale {
		return cur, nil
	}

	v, err, _ := c.group.Do(refreshKey, func() (any, error) {
		return c.doRefresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

type refreshData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (c *Coordinator) doRefresh(ctx context.Context) (*Session, error) {
	cur := c.Session()
	if cur == nil || cur.RefreshToken == "" {
		c.invalidate("no refresh token")
		return nil, errs.AuthInvalid("no refresh token")
	}
	_ = c.machine.Transition(status.Refreshing)

	// Waiters share this call, so it must outlive the first caller's context.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	deviceID := cur.DeviceID
	if deviceID == "" && c.deviceID != nil {
		deviceID, _ = c.deviceID(rctx)
	}

	resp, err := c.doer.Do(rctx, &transport.Request{
		Method: http.MethodPost,
		Path:   RefreshPath,
		Body: map[string]string{
			"uuid":         cur.UserUUID,
			"device_id":    deviceID,
			"refreshToken": cur.RefreshToken,
		},
		Headers: map[string]string{"X-Device-ID": deviceID},
	})
	var data refreshData
	if err == nil {
		data, err = transport.Decode[refreshData](resp)
	}
	if err == nil && data.AccessToken == "" {
		err = errors.New("refresh response carries no access token")
	}
	if err != nil {
		c.logger.Warn("token refresh failed", zap.String("owner", cur.UserUUID), zap.Error(err))
		c.invalidate("refresh failed")
		return nil, errs.AuthInvalid("token refresh failed: " + err.Error())
	}

	next := *cur
	next.AccessToken = data.AccessToken
	if data.RefreshToken != "" {
		next.RefreshToken = data.RefreshToken
	}
	next.DeviceID = deviceID
	if data.ExpiresIn > 0 {
		next.ExpiresAt = c.now().Add(time.Duration(data.ExpiresIn) * time.Second).UnixMilli()
	}
	if err := c.sessions.Set(next); err != nil {
		c.logger.Warn("persist refreshed session failed", zap.Error(err))
	}
	_ = c.machine.Transition(status.Authenticated)
	c.logger.Info("access token refreshed", zap.String("owner", next.UserUUID))
	return &next, nil
}

// invalidate clears the session. Only the caller that actually removed a
// session publishes the sign-out.
func (c *Coordinator) invalidate(reason string) {
	prev, err := c.sessions.Clear()
	if err != nil {
		c.logger.Warn("clear session failed", zap.Error(err))
	}
	if prev == nil {
		return
	}
	_ = c.machine.Ensure(status.Unauthenticated)
	c.logger.Info("session cleared", zap.String("owner", prev.UserUUID), zap.String("reason", reason))
	c.bus.Emit(bus.KindSignedOut, bus.SessionChange{Owner: prev.UserUUID, Reason: reason})
}

// Hydrate restores a persisted session at startup. It returns nil when no
// usable session is stored.
func (c *Coordinator) Hydrate() *Session {
	sess := c.Session()
	if !sess.Valid() {
		return nil
	}
	_ = c.machine.Ensure(status.Authenticated)
	return sess
}

// SignIn installs sess as the current session and announces it.
func (c *Coordinator) SignIn(ctx context.Context, sess Session) error {
	if !sess.Valid() {
		return errs.Validation("session requires user uuid and access token")
	}
	if sess.DeviceID == "" && c.deviceID != nil {
		sess.DeviceID, _ = c.deviceID(ctx)
	}
	if err := c.sessions.Set(sess); err != nil {
		c.logger.Warn("persist session failed", zap.Error(err))
	}
	_ = c.machine.Ensure(status.Authenticated)
	c.bus.Emit(bus.KindSignedIn, bus.SessionChange{Owner: sess.UserUUID, Reason: "sign-in"})
	return nil
}

// SignOut tells the server the device is leaving, then clears the session
// regardless of the outcome.
func (c *Coordinator) SignOut(ctx context.Context) {
	if sess := c.Session(); sess != nil {
		_, err := c.Do(ctx, &transport.Request{
			Method: http.MethodPost,
			Path:   LogoutPath,
			Body:   map[string]string{"deviceId": sess.DeviceID},
		})
		if err != nil {
			c.logger.Warn("remote logout failed", zap.Error(err))
		}
	}
	c.invalidate("sign-out")
}

// LoginResult is what a successful login yields.
type LoginResult struct {
	Session  Session
	UserInfo payload.Value
}

type loginData struct {
	AccessToken  string        `json:"accessToken"`
	RefreshToken string        `json:"refreshToken"`
	TokenType    string        `json:"tokenType"`
	ExpiresIn    int64         `json:"expiresIn"`
	UserInfo     payload.Value `json:"userInfo"`
}

// LoginWithPassword authenticates with account credentials and signs in.
func (c *Coordinator) LoginWithPassword(ctx context.Context, account, password string) (*LoginResult, error) {
	account = strings.TrimSpace(account)
	if account == "" || password == "" {
		return nil, errs.Validation("account and password are required")
	}
	return c.login(ctx, LoginPath, map[string]string{"account": account, "password": password})
}

// LoginByCode signs in with a one-time login token, usually scanned from a
// QR code. Any QR payload form accepted by ExtractQRToken works.
func (c *Coordinator) LoginByCode(ctx context.Context, scanned string) (*LoginResult, error) {
	token := ExtractQRToken(scanned)
	if token == "" {
		return nil, errs.Validation("login code is empty")
	}
	return c.login(ctx, LoginByCodePath, map[string]string{"token": token})
}

func (c *Coordinator) login(ctx context.Context, path string, body map[string]string) (*LoginResult, error) {
	deviceID := ""
	if c.deviceID != nil {
		deviceID, _ = c.deviceID(ctx)
	}
	resp, err := c.doer.Do(ctx, &transport.Request{
		Method:  http.MethodPost,
		Path:    path,
		Body:    body,
		Headers: map[string]string{"X-Device-ID": deviceID},
	})
	if err != nil {
		return nil, err
	}
	data, err := transport.Decode[loginData](resp)
	if err != nil {
		return nil, err
	}
	uuid := payload.StringField(data.UserInfo, "uuid")
	if data.AccessToken == "" || uuid == "" {
		return nil, fmt.Errorf("login response incomplete: %w", errs.ErrAuthInvalid)
	}

	sess := Session{
		UserUUID:     uuid,
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		DeviceID:     deviceID,
	}
	if data.ExpiresIn > 0 {
		sess.ExpiresAt = c.now().Add(time.Duration(data.ExpiresIn) * time.Second).UnixMilli()
	}
	if err := c.SignIn(ctx, sess); err != nil {
		return nil, err
	}
	return &LoginResult{Session: sess, UserInfo: data.UserInfo}, nil
}
