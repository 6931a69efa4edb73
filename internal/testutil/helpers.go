// Package testutil holds helpers shared by package tests.
package testutil

import (
	"context"
	"testing"
	"time"
)

// integrationTimeout bounds container startup plus the test body
const integrationTimeout = 2 * time.Minute

// TestContext returns a context cancelled when t ends or after
// integrationTimeout.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	t.Cleanup(cancel)
	return ctx
}

// RequireIntegration skips tests that start containers when running with
// -short.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}
