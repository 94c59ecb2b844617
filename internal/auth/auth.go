// Package auth supplies bearer tokens to the sync client. Token acquisition
// (login flows) lives outside this module; providers only hand out and
// refresh what they were given.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when no credential is available.
	ErrNoToken = errors.New("no token available")
)

// TokenProvider hands out a bearer token for the next request. It may block
// while refreshing.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by providers that can drop a token the server
// rejected, forcing a refresh on the next call.
type Invalidator interface {
	Invalidate()
}

// Static always returns the same token.
type Static string

// Token implements TokenProvider.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// RefreshFunc obtains a fresh token.
type RefreshFunc func(ctx context.Context) (string, error)

// DefaultSkew is how long before expiry a JWT is refreshed.
const DefaultSkew = 60 * time.Second

// Refreshing caches a token and refreshes it when it is missing, invalidated
// or (for JWTs) about to expire. Opaque tokens are reused until invalidated.
type Refreshing struct {
	mu      sync.Mutex
	token   string
	refresh RefreshFunc
	skew    time.Duration
	now     func() time.Time
}

// NewRefreshing creates a provider seeded with initial, which may be empty.
func NewRefreshing(initial string, refresh RefreshFunc) *Refreshing {
	return &Refreshing{
		token:   initial,
		refresh: refresh,
		skew:    DefaultSkew,
		now:     time.Now,
	}
}

// Token implements TokenProvider.
func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token != "" && !r.expiresSoon(r.token) {
		return r.token, nil
	}
	if r.refresh == nil {
		if r.token != "" {
			// Expired JWT with no way to refresh; let the server decide
			return r.token, nil
		}
		return "", ErrNoToken
	}

	tok, err := r.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	if tok == "" {
		return "", ErrNoToken
	}
	r.token = tok
	return tok, nil
}

// Invalidate drops the cached token.
func (r *Refreshing) Invalidate() {
	r.mu.Lock()
	r.token = ""
	r.mu.Unlock()
}

func (r *Refreshing) expiresSoon(tok string) bool {
	exp, ok := ExpiresAt(tok)
	if !ok {
		return false
	}
	return !r.now().Add(r.skew).Before(exp)
}

// ExpiresAt reads the exp claim of a JWT without verifying its signature; the
// server is the one that verifies. ok is false for opaque tokens and JWTs
// without exp.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject returns the sub claim of a JWT, used as the user id when the caller
// does not supply one.
func Subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
