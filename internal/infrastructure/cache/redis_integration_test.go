package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/adaptive-auth-backend/internal/infrastructure/config"
	"github.com/davidleathers/adaptive-auth-backend/internal/testutil"
	"github.com/davidleathers/adaptive-auth-backend/internal/testutil/containers"
)

func TestRedisCounterStore_RealServer(t *testing.T) {
	addr := containers.StartRedis(t)
	ctx := testutil.TestContext(t)

	client, err := NewRedisClient(&config.RedisConfig{URL: addr, PoolSize: 20, DialTimeout: 5 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewRedisCounterStore(client, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Increment(ctx, "it:concurrent", time.Minute)
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		count, err := store.Increment(ctx, "it:concurrent", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(51), count)
	})

	t.Run("window expires through ttl", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_, err := store.Increment(ctx, "it:expiry", 500*time.Millisecond)
			require.NoError(t, err)
		}
		ttl, err := client.PTTL(ctx, "it:expiry").Result()
		require.NoError(t, err)
		assert.Positive(t, ttl)

		require.Eventually(t, func() bool {
			return client.Exists(ctx, "it:expiry").Val() == 0
		}, 3*time.Second, 50*time.Millisecond)

		count, err := store.Increment(ctx, "it:expiry", 500*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}
