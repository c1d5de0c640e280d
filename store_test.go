package mcpbridge_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/require"

	"github.com/caldertrail/mcpbridge"
)

func newTestStore(t *testing.T, ttl time.Duration) (*mcpbridge.RedisSessionStore, *miniredis.Miniredis) {
	t.Helper()

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{r.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	return mcpbridge.NewRedisSessionStore(rc, mcpbridge.WithSessionTTL(ttl)), r
}

func TestRedisSessionStorePutGet(t *testing.T) {
	store, r := newTestStore(t, time.Hour)
	ctx := context.Background()

	sess := &mcpbridge.Session{
		SessionID:        "abc123",
		ConnectionParams: mcpbridge.ConnectionParams{URL: "https://mcp.example.test/mcp"},
		Tools:            []mcpbridge.Tool{{Name: "search"}},
		StartTime:        time.Now().UnixMilli(),
		LastUsed:         time.Now().UnixMilli(),
	}
	require.NoError(t, store.Put(ctx, sess))

	require.Equal(t, time.Hour, r.TTL("mcpbridge:session:abc123"))

	got, err := store.Get(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", got.SessionID)
	require.Equal(t, "https://mcp.example.test/mcp", got.ConnectionParams.URL)
	require.Len(t, got.Tools, 1)
	require.GreaterOrEqual(t, got.LastUsed, sess.LastUsed)
}

func TestRedisSessionStoreSlidingExpiry(t *testing.T) {
	store, r := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &mcpbridge.Session{SessionID: "s1"}))

	// A session read more frequently than the TTL interval never expires.
	for i := 0; i < 3; i++ {
		r.FastForward(45 * time.Minute)
		_, err := store.Get(ctx, "s1")
		require.NoError(t, err)
		require.Equal(t, time.Hour, r.TTL("mcpbridge:session:s1"))
	}

	// Left untouched past the TTL, it is gone.
	r.FastForward(61 * time.Minute)
	_, err := store.Get(ctx, "s1")
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}

func TestRedisSessionStoreGetMissing(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)

	_, err := store.Get(context.Background(), "never-created")
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}

func TestRedisSessionStoreExpiredMatchesNeverCreated(t *testing.T) {
	store, r := newTestStore(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &mcpbridge.Session{SessionID: "s1"}))
	r.FastForward(2 * time.Minute)

	_, errExpired := store.Get(ctx, "s1")
	_, errUnknown := store.Get(ctx, "s2")
	require.ErrorIs(t, errExpired, mcpbridge.ErrNotFound)
	require.True(t, errors.Is(errExpired, errUnknown) || errExpired.Error() == errUnknown.Error(),
		"expired and never-created sessions must be indistinguishable")
}

func TestRedisSessionStoreDelete(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &mcpbridge.Session{SessionID: "s1"}))

	removed, err := store.Delete(ctx, "s1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = store.Delete(ctx, "s1")
	require.NoError(t, err)
	require.False(t, removed)

	_, err = store.Get(ctx, "s1")
	require.ErrorIs(t, err, mcpbridge.ErrNotFound)
}
