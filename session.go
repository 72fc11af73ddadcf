package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultRefreshMargin  = 5 * time.Minute
	DefaultRefreshTimeout = 10 * time.Second

	refreshKey = "refresh"
)

// AuthAPI is the remote auth endpoint.
type AuthAPI interface {
	SignIn(ctx context.Context, email, password string) (*Session, error)
	Refresh(ctx context.Context, refreshToken string) (*Session, error)
}

// AuthTransport is the part of the realtime transport that carries auth.
type AuthTransport interface {
	SetAuth(token string) bool
	Connected() bool
	Reconnect(ctx context.Context) error
}

// SessionOptions tunes a SessionManager. Zero values take defaults.
type SessionOptions struct {
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	// Online is probed before each refresh; nil means always online.
	Online func() bool
	// OnSessionLost fires when the backend rejects the refresh token and
	// the user has to sign in again.
	OnSessionLost func(error)
	Logger        *slog.Logger
	Now           func() time.Time
}

// SessionManager owns the one valid Session of a client and its refresh
// policy. Concurrent refreshes share a single network call.
type SessionManager struct {
	store TokenStore
	api   AuthAPI

	margin        time.Duration
	timeout       time.Duration
	online        func() bool
	onSessionLost func(error)
	now           func() time.Time
	log           *slog.Logger

	mu        sync.RWMutex
	session   *Session
	transport AuthTransport

	group singleflight.Group
}

// NewSessionManager creates a manager. Call Restore to pick up a persisted
// session.
func NewSessionManager(store TokenStore, api AuthAPI, opts *SessionOptions) *SessionManager {
	m := &SessionManager{
		store:   store,
		api:     api,
		margin:  DefaultRefreshMargin,
		timeout: DefaultRefreshTimeout,
		online:  func() bool { return true },
		now:     time.Now,
		log:     slog.Default(),
	}
	if opts != nil {
		if opts.RefreshMargin > 0 {
			m.margin = opts.RefreshMargin
		}
		if opts.RefreshTimeout > 0 {
			m.timeout = opts.RefreshTimeout
		}
		if opts.Online != nil {
			m.online = opts.Online
		}
		if opts.Now != nil {
			m.now = opts.Now
		}
		if opts.Logger != nil {
			m.log = opts.Logger
		}
		m.onSessionLost = opts.OnSessionLost
	}
	m.log = m.log.With("component", "session")
	return m
}

// AttachTransport wires the realtime transport that receives every new
// access token.
func (m *SessionManager) AttachTransport(t AuthTransport) {
	m.mu.Lock()
	m.transport = t
	m.mu.Unlock()
}

// Restore loads the persisted session. It reports whether one was found.
func (m *SessionManager) Restore() (bool, error) {
	s, err := m.store.Load()
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	return s != nil, nil
}

// SignIn creates a new session from credentials.
func (m *SessionManager) SignIn(ctx context.Context, email, password string) (*Session, error) {
	s, err := m.api.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.store.Save(s); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.log.Info("signed_in", "user_id", s.UserID)
	m.propagate(s.AccessToken)

	cp := *s
	return &cp, nil
}

// SignOut destroys the session locally and in the token store.
func (m *SessionManager) SignOut() error {
	m.mu.Lock()
	m.session = nil
	t := m.transport
	m.mu.Unlock()
	m.group.Forget(refreshKey)
	if t != nil {
		t.SetAuth("")
	}
	return m.store.Clear()
}

// UserID returns the signed-in user, or "" without a session.
func (m *SessionManager) UserID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.UserID
}

// Snapshot returns a copy of the current session for display purposes.
func (m *SessionManager) Snapshot() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// AccessToken returns a usable access token, refreshing first if the
// session is close to expiry.
func (m *SessionManager) AccessToken(ctx context.Context) (string, error) {
	if !m.EnsureValid(ctx, false) {
		return "", ErrUnauthenticated
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return "", ErrUnauthenticated
	}
	return m.session.AccessToken, nil
}

// EnsureValid reports whether the session is usable. Without force it only
// refreshes when the access token expires within the refresh margin. A
// failed refresh leaves the session usable as long as the token has not
// actually expired, unless the backend rejected the refresh token.
func (m *SessionManager) EnsureValid(ctx context.Context, force bool) bool {
	cur, ok := m.Snapshot()
	if !ok {
		return false
	}
	if !force && cur.ExpiresIn(m.now()) >= m.margin {
		return true
	}

	if _, err := m.RefreshLocked(ctx); err != nil {
		m.log.Warn("ensure_valid_refresh_failed", "force", force, "error", err)
		if errors.Is(err, ErrRefreshFailed) || errors.Is(err, ErrUnauthenticated) {
			return false
		}
		return cur.ExpiresIn(m.now()) > 0
	}
	return true
}

// RefreshLocked refreshes the session. While a refresh is in flight every
// caller waits on the same call. The call is bounded by the refresh
// timeout; a timed out request is abandoned and the next caller starts a
// fresh one.
func (m *SessionManager) RefreshLocked(ctx context.Context) (*Session, error) {
	ch := m.group.DoChan(refreshKey, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*Session)
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type refreshOutcome struct {
	session *Session
	err     error
}

func (m *SessionManager) refresh(ctx context.Context) (*Session, error) {
	cur, ok := m.Snapshot()
	if !ok {
		return nil, ErrUnauthenticated
	}
	if !m.online() {
		return nil, ErrOffline
	}

	started := m.now()
	done := make(chan refreshOutcome, 1)
	go func() {
		s, err := m.api.Refresh(ctx, cur.RefreshToken)
		done <- refreshOutcome{session: s, err: err}
	}()

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	var out refreshOutcome
	select {
	case out = <-done:
	case <-timer.C:
		m.log.Warn("refresh_timeout", "timeout", m.timeout)
		return nil, fmt.Errorf("%w: refresh after %s", ErrTimeout, m.timeout)
	}

	if out.err != nil {
		err := m.refreshError(out.err)
		m.log.Warn("refresh_failed", "error", err)
		if errors.Is(err, ErrRefreshFailed) && m.onSessionLost != nil && m.holds(cur) {
			m.onSessionLost(err)
		}
		return nil, err
	}
	if out.session == nil || out.session.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty session in response", ErrRefreshFailed)
	}

	next := *out.session
	if next.UserID == "" {
		next.UserID = cur.UserID
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	m.mu.Lock()
	if !m.holdsLocked(cur) {
		// Signed out, or replaced by another sign-in, while in flight.
		m.mu.Unlock()
		m.log.Info("refresh_discarded", "user_id", cur.UserID)
		return nil, ErrUnauthenticated
	}
	m.session = &next
	m.mu.Unlock()

	if err := m.store.Save(&next); err != nil {
		m.log.Error("session_persist_failed", "error", err)
	}
	m.log.Info("session_refreshed", "user_id", next.UserID,
		"expires_in", next.ExpiresIn(m.now()).Round(time.Second),
		"took", m.now().Sub(started))

	m.propagate(next.AccessToken)
	return &next, nil
}

// holds reports whether s is still the installed session.
func (m *SessionManager) holds(s Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holdsLocked(s)
}

func (m *SessionManager) holdsLocked(s Session) bool {
	return m.session != nil && m.session.UserID == s.UserID && m.session.RefreshToken == s.RefreshToken
}

func (m *SessionManager) refreshError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
	}
	return err
}

// propagate hands the token to the realtime transport and reconnects it
// when it was connected with an older token.
func (m *SessionManager) propagate(token string) {
	m.mu.RLock()
	t := m.transport
	m.mu.RUnlock()
	if t == nil {
		return
	}
	if !t.SetAuth(token) || !t.Connected() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		if err := t.Reconnect(ctx); err != nil {
			m.log.Warn("transport_reconnect_failed", "error", err)
		}
	}()
}
