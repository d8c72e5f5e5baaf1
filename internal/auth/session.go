package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/example/hotride/internal/offer/domain"
)

// LoginFunc obtains a fresh access token.
type LoginFunc func(ctx context.Context) (string, error)

// Session holds the driver's bearer token on the client. It implements
// domain.Authenticator.
type Session struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	login   LoginFunc
	logger  *zap.Logger
	now     func() time.Time
}

// NewSession starts a session with an optional initial token. login, when
// set, is used to obtain a token whenever none is held.
func NewSession(token string, login LoginFunc, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{login: login, logger: logger, now: time.Now}
	if token != "" {
		_ = s.Set(token)
	}
	return s
}

// Set stores a token. The expiry is read from the token without verifying
// the signature; only the server can do that.
func (s *Session) Set(token string) error {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("%w: unreadable token: %v", domain.ErrAuth, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.expires = time.Time{}
	if claims.ExpiresAt != nil {
		s.expires = claims.ExpiresAt.Time
	}
	return nil
}

// Token returns a token that has not expired yet, logging in again if needed.
func (s *Session) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	token, expires := s.token, s.expires
	s.mu.Unlock()
	if token != "" && (expires.IsZero() || s.now().Before(expires)) {
		return token, nil
	}
	if s.login == nil {
		return "", fmt.Errorf("%w: session expired", domain.ErrAuth)
	}
	fresh, err := s.login(ctx)
	if err != nil {
		return "", loginError(err)
	}
	if err := s.Set(fresh); err != nil {
		return "", err
	}
	s.logger.Info("session renewed")
	return fresh, nil
}

// loginError keeps transport and server failures as they are, so a driver
// whose network is down is not told the session expired.
func loginError(err error) error {
	switch {
	case errors.Is(err, domain.ErrAuth),
		errors.Is(err, domain.ErrTransport),
		errors.Is(err, domain.ErrBackend),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("re-login: %w", err)
	default:
		return fmt.Errorf("%w: re-login: %w", domain.ErrAuth, err)
	}
}

// Invalidate drops the held token after the backend rejected it.
func (s *Session) Invalidate(_ context.Context, cause error) {
	s.mu.Lock()
	s.token = ""
	s.expires = time.Time{}
	s.mu.Unlock()
	s.logger.Warn("session invalidated", zap.Error(cause))
}
