package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/davidleathers/adaptive-auth-backend/internal/testutil"
)

// StartRedis runs a Redis 7 server for t and returns its host:port. It skips
// t under -short.
func StartRedis(t *testing.T) string {
	t.Helper()
	testutil.RequireIntegration(t)
	ctx := testutil.TestContext(t)

	c, err := redis.Run(ctx, "redis:7-alpine")
	if c != nil {
		t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	}
	require.NoError(t, err, "start redis container")

	addr, err := c.Endpoint(ctx, "")
	require.NoError(t, err, "redis endpoint")
	return addr
}
