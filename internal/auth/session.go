package auth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/teemow/inboxlink/internal/clickup"
)

// Session is an immutable snapshot of the current login. A token change
// produces a new Session; existing values are never modified.
type Session struct {
	accessToken  string
	refreshToken string
	issuedAt     time.Time
}

// NewSession creates a session for a token pair.
func NewSession(accessToken, refreshToken string) *Session {
	return &Session{accessToken: accessToken, refreshToken: refreshToken, issuedAt: time.Now()}
}

// AccessToken returns the access token.
func (s *Session) AccessToken() string { return s.accessToken }

// RefreshToken returns the refresh token, which may be empty.
func (s *Session) RefreshToken() string { return s.refreshToken }

// IssuedAt is when this session value was created.
func (s *Session) IssuedAt() time.Time { return s.issuedAt }

// WithTokens returns a new session carrying the given tokens. An empty
// refresh token keeps the current one.
func (s *Session) WithTokens(accessToken, refreshToken string) *Session {
	if refreshToken == "" {
		refreshToken = s.refreshToken
	}
	return NewSession(accessToken, refreshToken)
}

// SessionHolder publishes the current session to concurrent readers.
type SessionHolder struct {
	current atomic.Pointer[Session]
}

// Load returns the current session or nil.
func (h *SessionHolder) Load() *Session { return h.current.Load() }

// Store replaces the current session.
func (h *SessionHolder) Store(s *Session) { h.current.Store(s) }

// Clear drops the current session.
func (h *SessionHolder) Clear() { h.current.Store(nil) }

// AccessToken implements clickup.TokenProvider.
func (h *SessionHolder) AccessToken(context.Context) (string, error) {
	s := h.current.Load()
	if s == nil || s.accessToken == "" {
		return "", clickup.ErrNotAuthenticated
	}
	return s.accessToken, nil
}
