package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *Cache) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, NewWithClient(client, zap.NewNop())
}

func TestCache_ResetAt_Miss(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	_, ok, err := c.ResetAt(context.Background(), "openai", "sk-test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_SetThenGet(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	until := time.Now().Add(30 * time.Second)

	require.NoError(t, c.SetResetAt(ctx, "openai", "sk-test", until))

	got, ok, err := c.ResetAt(ctx, "openai", "sk-test")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, until, got, time.Second)
}

func TestCache_DifferentKeysDontCollide(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	until := time.Now().Add(time.Minute)
	require.NoError(t, c.SetResetAt(ctx, "openai", "sk-one", until))

	_, ok, err := c.ResetAt(ctx, "openai", "sk-two")
	require.NoError(t, err)
	assert.False(t, ok, "a different api key must not see another key's reset time")

	_, ok, err = c.ResetAt(ctx, "anthropic", "sk-one")
	require.NoError(t, err)
	assert.False(t, ok, "a different provider must not see another provider's reset time")
}

func TestCache_PastResetTimeIsIgnored(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	// A reset time already in the past never gets written (TTL would be
	// <= 0), and a manually expired miniredis key behaves the same way.
	err := c.SetResetAt(context.Background(), "openai", "sk-test", time.Now().Add(-time.Second))
	require.NoError(t, err)

	_, ok, err := c.ResetAt(context.Background(), "openai", "sk-test")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ExpiresAfterReset(t *testing.T) {
	mr, c := setupTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	until := time.Now().Add(2 * time.Second)
	require.NoError(t, c.SetResetAt(ctx, "groq", "sk-test", until))

	mr.FastForward(3 * time.Second)

	_, ok, err := c.ResetAt(ctx, "groq", "sk-test")
	require.NoError(t, err)
	assert.False(t, ok, "the cache entry should have expired along with the rate limit")
}
