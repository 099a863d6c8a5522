package metrics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/pkg/types"
)

type recordingSink struct {
	mu          sync.Mutex
	events      []Event
	transitions []breaker.Transition
	gate        chan struct{}
}

func (s *recordingSink) Record(e Event) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) Transition(t breaker.Transition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, t)
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	d := NewDispatcher(16, a, b)

	d.Emit(Event{Operation: "store", Backend: "sqlite", Outcome: OutcomeOK})
	d.Transition(breaker.Transition{Backend: "sqlite", From: breaker.StateClosed, To: breaker.StateOpen})
	d.Close()

	for _, s := range []*recordingSink{a, b} {
		require.Len(t, s.events, 1)
		assert.Equal(t, "store", s.events[0].Operation)
		assert.False(t, s.events[0].Time.IsZero(), "time is stamped on emit")
		require.Len(t, s.transitions, 1)
		assert.Equal(t, breaker.StateOpen, s.transitions[0].To)
	}
	assert.Zero(t, d.Dropped())
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	d := NewDispatcher(1, sink)

	start := time.Now()
	for i := 0; i < 5; i++ {
		d.Emit(Event{Operation: fmt.Sprint(i)})
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond, "emit never blocks")
	assert.GreaterOrEqual(t, d.Dropped(), uint64(3))

	close(sink.gate)
	d.Close()
	assert.Equal(t, uint64(5), uint64(len(sink.events))+d.Dropped())
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(4, sink)
	d.Close()
	d.Close()

	d.Emit(Event{Operation: "late"})
	assert.Empty(t, sink.events)
	assert.Equal(t, uint64(1), d.Dropped())
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeOf(nil))
	assert.Equal(t, OutcomeInvalid, OutcomeOf(fmt.Errorf("%w: x", types.ErrValidationFailed)))
	assert.Equal(t, OutcomeNotFound, OutcomeOf(&types.RoutingError{Op: "get", Kind: types.ErrNotFound}))
	assert.Equal(t, OutcomeUnavailable, OutcomeOf(&types.RoutingError{Op: "get", Kind: types.ErrAllBackendsUnavailable}))
	assert.Equal(t, OutcomeTimeout, OutcomeOf(&types.TimeoutError{Op: "store", Err: context.DeadlineExceeded}))
	assert.Equal(t, OutcomeCancelled, OutcomeOf(fmt.Errorf("store: %w", context.Canceled)))
	assert.Equal(t, OutcomeError, OutcomeOf(errors.New("boom")))
}

func findMetric(rm metricdata.ResourceMetrics, name string) (metricdata.Metrics, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m, true
			}
		}
	}
	return metricdata.Metrics{}, false
}

func TestOTelSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	sink, err := NewOTelSink(provider.Meter("test"))
	require.NoError(t, err)
	require.NoError(t, sink.RegisterStateGauge(func() map[string]breaker.State {
		return map[string]breaker.State{"sqlite": breaker.StateOpen}
	}))

	sink.Record(Event{Operation: "store", Backend: "chromem", Outcome: OutcomeOK, Latency: 5 * time.Millisecond, Failover: true})
	sink.Record(Event{Operation: "store", Backend: "chromem", Outcome: OutcomeOK, Latency: 7 * time.Millisecond})
	sink.Transition(breaker.Transition{Backend: "sqlite", From: breaker.StateClosed, To: breaker.StateOpen})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	m, ok := findMetric(rm, MetricRequests)
	require.True(t, ok)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(2), sum.DataPoints[0].Value)

	m, ok = findMetric(rm, MetricRequestDuration)
	require.True(t, ok)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)

	m, ok = findMetric(rm, MetricFailovers)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	m, ok = findMetric(rm, MetricBreakerTransitions)
	require.True(t, ok)
	assert.Equal(t, int64(1), m.Data.(metricdata.Sum[int64]).DataPoints[0].Value)

	m, ok = findMetric(rm, MetricBreakerState)
	require.True(t, ok)
	gauge, ok := m.Data.(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(2), gauge.DataPoints[0].Value)
}
