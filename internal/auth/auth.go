package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ehrlich-b/wingbridge/internal/ws"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// ErrNotLoggedIn means there is no principal to act for.
var ErrNotLoggedIn = errors.New("not logged in")

const (
	refreshSkew     = 5 * time.Minute
	refreshAttempts = 5
	defaultLifetime = time.Hour
)

// Principal is the authenticated identity the daemon acts for.
type Principal struct {
	UID          string
	Email        string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Manager owns the Principal: it logs in, persists the refresh credential,
// and hands out access credentials, refreshing them as needed. Safe for
// concurrent use; concurrent refreshes collapse into one.
type Manager struct {
	provider Provider
	store    *SessionStore
	logger   *slog.Logger

	now        func() time.Time
	retryBase  time.Duration
	retryLimit time.Duration

	mu        sync.RWMutex
	principal *Principal

	refreshes singleflight.Group
}

func NewManager(provider Provider, store *SessionStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:   provider,
		store:      store,
		logger:     logger,
		now:        time.Now,
		retryBase:  time.Second,
		retryLimit: 30 * time.Second,
	}
}

// Login signs in with email and password and persists the session.
func (m *Manager) Login(ctx context.Context, email, password string) (*Principal, error) {
	g, err := m.provider.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.adopt(email, g)
}

// Register creates an account and signs in as it.
func (m *Manager) Register(ctx context.Context, email, password string) (*Principal, error) {
	g, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	return m.adopt(email, g)
}

// Restore loads the persisted refresh credential and exchanges it for a fresh
// access credential. Returns nil, nil when nothing is persisted.
func (m *Manager) Restore(ctx context.Context) (*Principal, error) {
	saved, err := m.store.Load()
	if err != nil {
		return nil, err
	}
	if saved == nil {
		return nil, nil
	}
	m.mu.Lock()
	m.principal = &Principal{UID: saved.UID, Email: saved.Email, RefreshToken: saved.RefreshToken}
	m.mu.Unlock()

	p, err := m.Refresh(ctx)
	if err != nil {
		return nil, fmt.Errorf("restore session for %s: %w", saved.Email, err)
	}
	m.logger.Info("session restored", "email", p.Email, "uid", p.UID)
	return p, nil
}

// AwaitRestore is Restore for long-running callers: while the identity
// provider is unreachable it keeps retrying with backoff until ctx ends.
// Rejections and a missing session return at once.
func (m *Manager) AwaitRestore(ctx context.Context) (*Principal, error) {
	bo := ws.NewBackoff(m.retryBase, m.retryLimit)
	for {
		p, err := m.Restore(ctx)
		var ae *AuthError
		if err == nil || !errors.As(err, &ae) || !ae.Retryable {
			return p, err
		}
		delay := bo.Next()
		m.logger.Warn("identity provider unreachable, waiting", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Refresh exchanges the refresh credential for a new access credential.
// Concurrent callers share a single in-flight exchange.
func (m *Manager) Refresh(ctx context.Context) (*Principal, error) {
	v, err, _ := m.refreshes.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Principal), nil
}

func (m *Manager) refresh(ctx context.Context) (*Principal, error) {
	m.mu.RLock()
	cur := m.principal
	m.mu.RUnlock()
	if cur == nil || cur.RefreshToken == "" {
		return nil, ErrNotLoggedIn
	}

	bo := ws.NewBackoff(m.retryBase, m.retryLimit)
	for {
		g, err := m.provider.Refresh(ctx, cur.RefreshToken)
		if err == nil {
			if g.UID == "" {
				g.UID = cur.UID
			}
			if g.RefreshToken == "" {
				g.RefreshToken = cur.RefreshToken
			}
			return m.adopt(cur.Email, g)
		}
		var ae *AuthError
		if !errors.As(err, &ae) || !ae.Retryable || bo.Attempt()+1 >= refreshAttempts {
			return nil, err
		}
		delay := bo.Next()
		m.logger.Warn("credential refresh failed, retrying", "err", err, "retry_in", delay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Token returns the current access credential, refreshing first when it is
// about to expire.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.RLock()
	p := m.principal
	m.mu.RUnlock()
	if p == nil {
		return "", ErrNotLoggedIn
	}
	if p.AccessToken != "" && m.now().Add(refreshSkew).Before(p.ExpiresAt) {
		return p.AccessToken, nil
	}
	p, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return p.AccessToken, nil
}

// ForceRefresh refreshes unconditionally and returns the new access
// credential. Used after the mailbox rejects the current one.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	p, err := m.Refresh(ctx)
	if err != nil {
		return "", err
	}
	return p.AccessToken, nil
}

// Logout forgets the principal in memory and on disk.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.principal = nil
	m.mu.Unlock()
	return m.store.Delete()
}

// Principal returns a copy of the current principal, or nil.
func (m *Manager) Principal() *Principal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.principal == nil {
		return nil
	}
	p := *m.principal
	return &p
}

func (m *Manager) adopt(email string, g *Grant) (*Principal, error) {
	p := &Principal{
		UID:          g.UID,
		Email:        email,
		AccessToken:  g.IDToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    m.expiry(g),
	}
	if err := m.store.Save(&SavedSession{Email: p.Email, UID: p.UID, RefreshToken: p.RefreshToken}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.principal = p
	m.mu.Unlock()
	cp := *p
	return &cp, nil
}

// expiry prefers the provider's expiresIn and falls back to the token's own
// exp claim. The token is not verified; only the mailbox does that.
func (m *Manager) expiry(g *Grant) time.Time {
	if g.ExpiresIn > 0 {
		return m.now().Add(g.ExpiresIn)
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(g.IDToken, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return m.now().Add(defaultLifetime)
}
