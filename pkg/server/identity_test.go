package server

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenResolver(t *testing.T) {
	secret := []byte("test-secret")
	resolver := NewTokenResolver(secret)

	mint := func(t *testing.T, userID int64, username, room string, ttl time.Duration) string {
		t.Helper()
		token, err := MintToken(secret, userID, username, room, ttl)
		require.NoError(t, err)
		return token
	}

	t.Run("query parameter", func(t *testing.T) {
		token := mint(t, 7, "alice", "lobby", time.Hour)
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)

		identity, err := resolver.Resolve(r)
		require.NoError(t, err)
		require.Equal(t, int64(7), identity.UserID)
		require.Equal(t, "alice", identity.Username)
		require.Equal(t, "lobby", identity.RoomCode)
	})

	t.Run("bearer header", func(t *testing.T) {
		token := mint(t, 8, "bob", "lobby", time.Hour)
		r := httptest.NewRequest("GET", "/ws", nil)
		r.Header.Set("Authorization", "Bearer "+token)

		identity, err := resolver.Resolve(r)
		require.NoError(t, err)
		require.Equal(t, int64(8), identity.UserID)
	})

	t.Run("no token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws", nil)
		_, err := resolver.Resolve(r)
		require.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := MintToken([]byte("other-secret"), 7, "alice", "lobby", time.Hour)
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)

		_, err = resolver.Resolve(r)
		require.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("expired token", func(t *testing.T) {
		token := mint(t, 7, "alice", "lobby", -time.Minute)
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)

		_, err := resolver.Resolve(r)
		require.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("token without room binding", func(t *testing.T) {
		token := mint(t, 7, "alice", "", time.Hour)
		r := httptest.NewRequest("GET", "/ws?token="+token, nil)

		_, err := resolver.Resolve(r)
		require.True(t, errors.Is(err, ErrUnauthenticated))
	})

	t.Run("garbage token", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/ws?token=not-a-jwt", nil)
		_, err := resolver.Resolve(r)
		require.True(t, errors.Is(err, ErrUnauthenticated))
	})
}
