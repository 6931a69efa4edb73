package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

type countingService struct {
	name   string
	starts atomic.Int32
	fail   bool
}

func (s *countingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	if s.fail {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *countingService) String() string { return s.name }

func TestNewTree_Defaults(t *testing.T) {
	tree := NewTree(zaptest.NewLogger(t), TreeConfig{})
	assert.Equal(t, DefaultTreeConfig(), tree.config)
}

func TestTree_RunsAndRestartsServices(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	tree := NewTree(zap.New(core), TreeConfig{FailureBackoff: 50 * time.Millisecond, ShutdownTimeout: time.Second})

	steady := &countingService{name: "sweeper"}
	flaky := &countingService{name: "worker", fail: true}
	tree.AddStorageService(steady)
	tree.AddPipelineService(flaky)
	tree.AddAPIService(&countingService{name: "api"})

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	assert.Eventually(t, func() bool { return flaky.starts.Load() > 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("tree did not stop")
	}

	assert.Equal(t, int32(1), steady.starts.Load())
	assert.NotZero(t, logs.FilterMessageSnippet("worker").Len())
	report, err := tree.UnstoppedServiceReport()
	require.NoError(t, err)
	assert.Empty(t, report)
}

type fakeServer struct {
	stopped  chan struct{}
	failWith error
}

func (f *fakeServer) ListenAndServe() error {
	if f.failWith != nil {
		return f.failWith
	}
	<-f.stopped
	return nil
}

func (f *fakeServer) Shutdown(context.Context) error {
	close(f.stopped)
	return nil
}

func TestHTTPService(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		svc := NewHTTPService(&fakeServer{stopped: make(chan struct{})}, 0)
		assert.Equal(t, "http-server", svc.String())

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- svc.Serve(ctx) }()
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
	})

	t.Run("listen failure", func(t *testing.T) {
		svc := NewHTTPService(&fakeServer{failWith: errors.New("address in use")}, time.Second)
		err := svc.Serve(context.Background())
		assert.ErrorContains(t, err, "address in use")
	})
}
