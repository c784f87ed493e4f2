//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"school-backend/internal/testutil/containers"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	window := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	for want := 1; want <= 6; want++ {
		hits, err := store.Increment(ctx, "198.51.100.1", RouteLogin, window, time.Minute, 6)
		require.NoError(t, err)
		assert.Equal(t, want, hits)
	}

	hits, err := store.Increment(ctx, "198.51.100.1", RouteLogin, window, time.Minute, 6)
	require.NoError(t, err)
	assert.Equal(t, 6, hits, "count is capped at the ceiling")

	hits, err = store.Increment(ctx, "198.51.100.1", RouteLogin, window.Add(time.Minute), time.Minute, 6)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)

	hits, err = store.Increment(ctx, "198.51.100.2", RouteLogin, window, time.Minute, 6)
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestPostgresStoreIncrement(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	store := NewPostgresStore(pg.DB)
	exerciseStore(t, store)

	deleted, err := store.DeleteStale(context.Background(), pg.DB, time.Now().Add(time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}

func TestRedisStoreIncrement(t *testing.T) {
	rc := containers.NewRedisContainer(t)
	exerciseStore(t, NewRedisStore(rc.Client))

	ttl, err := rc.Client.TTL(context.Background(), redisKey("198.51.100.2", RouteLogin, time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))).Result()
	require.NoError(t, err)
	assert.Positive(t, ttl)
}

func TestLimiterOnPostgres(t *testing.T) {
	pg := containers.NewPostgresContainer(t)
	now := time.Date(2025, 3, 1, 9, 0, 30, 0, time.UTC)
	limiter := NewLimiter(NewPostgresStore(pg.DB), DefaultRules()).WithClock(func() time.Time { return now })

	for range 5 {
		decision, err := limiter.Allow(context.Background(), "198.51.100.9", RouteLogin)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
	}

	decision, err := limiter.Allow(context.Background(), "198.51.100.9", RouteLogin)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 30*time.Second, decision.RetryAfter)
}
