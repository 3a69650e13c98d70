package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// The redis broker tests run against a real server. Point REDIS_ADDR at one
// (e.g. localhost:6379) to enable them.
func redisBroker(t *testing.T) *RedisBroker {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	r, err := NewRedisBroker(context.Background(), RedisConfig{
		Addr:      addr,
		KeyPrefix: "qps-test-" + t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisBrokerOrdering(t *testing.T) {
	ctx := context.Background()
	r := redisBroker(t)

	require.NoError(t, r.Enqueue(ctx, "email", env("low-1", 5), 0))
	require.NoError(t, r.Enqueue(ctx, "email", env("high", 1), 0))
	require.NoError(t, r.Enqueue(ctx, "email", env("low-2", 5), 0))

	claimed, err := r.Claim(ctx, "email", 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.Equal(t, "high", claimed[0].ID)
	require.Equal(t, "low-1", claimed[1].ID)
	require.Equal(t, "low-2", claimed[2].ID)
}

func TestRedisBrokerFailAndRetryAll(t *testing.T) {
	ctx := context.Background()
	r := redisBroker(t)

	require.NoError(t, r.Enqueue(ctx, "email", env("a", 5), 0))
	claimed, err := r.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, r.Fail(ctx, "email", "a", 0))

	stats, err := r.Stats(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)

	count, err := r.RetryAllFailed(ctx, "email")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	count, err = r.RetryAllFailed(ctx, "email")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestRedisBrokerDelayedPromote(t *testing.T) {
	ctx := context.Background()
	r := redisBroker(t)

	require.NoError(t, r.Enqueue(ctx, "email", env("later", 5), time.Minute))

	claimed, err := r.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Empty(t, claimed)

	promoted, err := r.PromoteDue(ctx, "email", time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, promoted, 1)

	claimed, err = r.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "later", claimed[0].ID)
}

func TestRedisBrokerPause(t *testing.T) {
	ctx := context.Background()
	r := redisBroker(t)

	require.NoError(t, r.Enqueue(ctx, "email", env("a", 5), 0))
	require.NoError(t, r.Pause(ctx, "email"))

	claimed, err := r.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Empty(t, claimed)

	require.NoError(t, r.Resume(ctx, "email"))
	claimed, err = r.Claim(ctx, "email", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
}
