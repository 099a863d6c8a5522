package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/scrypster/memvault/internal/breaker"
)

// InstrumentationName names the meter every memvault instrument lives on.
const InstrumentationName = "github.com/scrypster/memvault"

// Metric names
const (
	MetricRequests           = "memvault.requests"
	MetricRequestDuration    = "memvault.request.duration"
	MetricFailovers          = "memvault.failovers"
	MetricBreakerTransitions = "memvault.breaker.transitions"
	MetricBreakerState       = "memvault.breaker.state"
)

// OTelSink records events as OpenTelemetry instruments.
type OTelSink struct {
	meter       metric.Meter
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	failovers   metric.Int64Counter
	transitions metric.Int64Counter
}

// NewOTelSink creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewOTelSink(meter metric.Meter) (*OTelSink, error) {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	s := &OTelSink{meter: meter}

	var err error
	if s.requests, err = meter.Int64Counter(MetricRequests,
		metric.WithDescription("Memory service calls by operation, backend and outcome")); err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", MetricRequests, err)
	}
	if s.duration, err = meter.Float64Histogram(MetricRequestDuration,
		metric.WithDescription("Memory service call latency"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("failed to create histogram %s: %w", MetricRequestDuration, err)
	}
	if s.failovers, err = meter.Int64Counter(MetricFailovers,
		metric.WithDescription("Calls served by a backend other than the first candidate")); err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", MetricFailovers, err)
	}
	if s.transitions, err = meter.Int64Counter(MetricBreakerTransitions,
		metric.WithDescription("Circuit breaker state transitions")); err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", MetricBreakerTransitions, err)
	}
	return s, nil
}

// Record implements Sink.
func (s *OTelSink) Record(e Event) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("operation", e.Operation),
		attribute.String("backend", e.Backend),
		attribute.String("outcome", string(e.Outcome)),
	)
	s.requests.Add(ctx, 1, attrs)
	s.duration.Record(ctx, e.Latency.Seconds(), attrs)
	if e.Failover {
		s.failovers.Add(ctx, 1, metric.WithAttributes(
			attribute.String("operation", e.Operation),
			attribute.String("backend", e.Backend),
		))
	}
}

// Transition implements Sink.
func (s *OTelSink) Transition(t breaker.Transition) {
	s.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("backend", t.Backend),
		attribute.String("from_state", t.From.String()),
		attribute.String("to_state", t.To.String()),
	))
}

// RegisterStateGauge registers an observable gauge reporting each
// breaker's state (0 closed, 1 half-open, 2 open) from states.
func (s *OTelSink) RegisterStateGauge(states func() map[string]breaker.State) error {
	_, err := s.meter.Int64ObservableGauge(MetricBreakerState,
		metric.WithDescription("Current circuit breaker state (0=closed, 1=half-open, 2=open)"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for name, st := range states() {
				o.Observe(int64(st), metric.WithAttributes(
					attribute.String("backend", name),
					attribute.String("state", st.String()),
				))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge %s: %w", MetricBreakerState, err)
	}
	return nil
}
