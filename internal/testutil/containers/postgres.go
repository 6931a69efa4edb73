// Package containers starts throwaway Postgres and Redis instances for
// integration tests. Containers are terminated when the test finishes.
package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/davidleathers/adaptive-auth-backend/internal/testutil"
)

const (
	postgresImage = "postgres:16-alpine"
	incidentDB    = "adaptive_auth_test"
)

// Postgres is a running database and the URL the migrator and pool take
type Postgres struct {
	Container *postgres.PostgresContainer
	URL       string
}

// StartPostgres runs an empty database for t. It skips t under -short.
func StartPostgres(t *testing.T) *Postgres {
	t.Helper()
	testutil.RequireIntegration(t)
	ctx := testutil.TestContext(t)

	c, err := postgres.Run(ctx, postgresImage,
		postgres.WithDatabase(incidentDB),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		postgres.BasicWaitStrategies(),
	)
	if c != nil {
		t.Cleanup(func() { _ = c.Terminate(context.Background()) })
	}
	require.NoError(t, err, "start postgres container")

	url, err := c.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "postgres connection string")
	return &Postgres{Container: c, URL: url}
}
