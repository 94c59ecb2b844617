package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStatic(t *testing.T) {
	tok, err := Static("abc").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = Static("").Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestExpiresAt(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok := signed(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	got, ok := ExpiresAt(tok)
	require.True(t, ok)
	assert.True(t, got.Equal(exp), "exp = %v, want %v", got, exp)
	assert.Equal(t, "user-1", Subject(tok))

	_, ok = ExpiresAt("opaque-token")
	assert.False(t, ok, "opaque tokens have no expiry")

	_, ok = ExpiresAt(signed(t, jwt.MapClaims{"sub": "x"}))
	assert.False(t, ok, "JWT without exp")
}

func TestRefreshingReusesValidToken(t *testing.T) {
	calls := 0
	valid := signed(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	p := NewRefreshing(valid, func(context.Context) (string, error) {
		calls++
		return "new", nil
	})

	for i := 0; i < 3; i++ {
		tok, err := p.Token(context.Background())
		require.NoError(t, err)
		assert.Equal(t, valid, tok)
	}
	assert.Equal(t, 0, calls)
}

func TestRefreshingRefreshesNearExpiry(t *testing.T) {
	soon := signed(t, jwt.MapClaims{"exp": time.Now().Add(10 * time.Second).Unix()})
	fresh := signed(t, jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})
	calls := 0
	p := NewRefreshing(soon, func(context.Context) (string, error) {
		calls++
		return fresh, nil
	})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, tok)
	assert.Equal(t, 1, calls)

	// Cached afterwards
	_, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRefreshingInvalidate(t *testing.T) {
	calls := 0
	p := NewRefreshing("opaque", func(context.Context) (string, error) {
		calls++
		return "opaque-2", nil
	})

	tok, err := p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque", tok)

	p.Invalidate()
	tok, err = p.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-2", tok)
	assert.Equal(t, 1, calls)
}

func TestRefreshingErrors(t *testing.T) {
	boom := errors.New("boom")
	p := NewRefreshing("", func(context.Context) (string, error) { return "", boom })
	_, err := p.Token(context.Background())
	assert.ErrorIs(t, err, boom)

	none := NewRefreshing("", nil)
	_, err = none.Token(context.Background())
	assert.ErrorIs(t, err, ErrNoToken)
}
