package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestSecurity_Counters(t *testing.T) {
	m := NewSecurity(prometheus.NewRegistry())

	m.RecordValidation("DENY", 0.1, true)
	m.RecordValidation("ALLOW", 0.9, false)
	m.RecordRateLimitCheck("/auth/login", false)
	m.RecordRateLimitCheck("/auth/login", true)
	m.RecordResponseAction("IP_ADDRESS_BLOCKING", false)
	m.RecordHTTPRequest("POST", "/api/v1/events", 202, 3*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.denials))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validationErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.validations.WithLabelValues("ALLOW")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.rateLimitChecks.WithLabelValues("/auth/login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rateLimitRejections.WithLabelValues("/auth/login")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.responseActions.WithLabelValues("IP_ADDRESS_BLOCKING", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("POST", "/api/v1/events", "202")))
}

func TestSecurity_NilIsNoop(t *testing.T) {
	var m *Security
	assert.NotPanics(t, func() {
		m.RecordValidation("ALLOW", 1, false)
		m.RecordIncident("HIGH", "AUTOMATED")
		m.RecordEventDropped()
	})
}

func TestRegistry_ObservesProbes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	reg, err := NewRegistryWithMeter(provider.Meter("test"))
	require.NoError(t, err)

	reg.ObserveQueue("analysis", func() int64 { return 3 })
	reg.ObserveLocalCounters(func() int64 { return 7 })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			gauge, ok := md.Data.(metricdata.Gauge[int64])
			if !ok {
				continue
			}
			for _, dp := range gauge.DataPoints {
				values[md.Name] += dp.Value
			}
		}
	}

	assert.Equal(t, int64(3), values["security.queue.depth"])
	assert.Equal(t, int64(7), values["security.counter_store.local_keys"])
}
