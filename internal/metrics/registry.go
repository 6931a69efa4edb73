package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Registry exports point-in-time gauges (queue depths, store sizes) through
// the OpenTelemetry meter provider. Components register a reader once and
// the exporter samples it on every collection cycle.
type Registry struct {
	meter metric.Meter

	QueueDepth       metric.Int64ObservableGauge
	LocalCounterKeys metric.Int64ObservableGauge
	ActiveIncidents  metric.Int64ObservableGauge

	mu       sync.RWMutex
	queues   map[string]func() int64
	counters func() int64
	active   func() int64
}

// NewRegistry creates the gauge registry on the named meter.
func NewRegistry(meterName string) (*Registry, error) {
	return NewRegistryWithMeter(otel.Meter(meterName))
}

func NewRegistryWithMeter(meter metric.Meter) (*Registry, error) {
	r := &Registry{
		meter:  meter,
		queues: make(map[string]func() int64),
	}

	var err error
	r.QueueDepth, err = meter.Int64ObservableGauge(
		"security.queue.depth",
		metric.WithDescription("Pending items in the analysis and response queues"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			for name, depth := range r.queues {
				o.Observe(depth(), metric.WithAttributes(attribute.String("queue", name)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	r.LocalCounterKeys, err = meter.Int64ObservableGauge(
		"security.counter_store.local_keys",
		metric.WithDescription("Live keys held by the in-process fallback counter store"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			if r.counters != nil {
				o.Observe(r.counters())
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	r.ActiveIncidents, err = meter.Int64ObservableGauge(
		"security.incident.active",
		metric.WithDescription("Incidents that are not yet closed or cancelled"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			r.mu.RLock()
			defer r.mu.RUnlock()
			if r.active != nil {
				o.Observe(r.active())
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// ObserveQueue registers a depth reader for a named queue.
func (r *Registry) ObserveQueue(name string, read func() int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.queues[name] = read
	r.mu.Unlock()
}

func (r *Registry) ObserveLocalCounters(read func() int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.counters = read
	r.mu.Unlock()
}

func (r *Registry) ObserveActiveIncidents(read func() int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.active = read
	r.mu.Unlock()
}
