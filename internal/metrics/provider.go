package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// ProviderOptions configures the SDK meter provider.
type ProviderOptions struct {
	// ServiceName is reported as the service.name resource attribute.
	ServiceName string

	// Endpoint is the OTLP/HTTP metrics URL, e.g.
	// "http://localhost:4318/v1/metrics". Empty falls back to the standard
	// OTEL_EXPORTER_OTLP_* environment variables.
	Endpoint string

	// Interval is the export period (default 30s).
	Interval time.Duration
}

// NewMeterProvider builds a meter provider that pushes to an OTLP/HTTP
// collector. The collector is not contacted until the first export.
// Callers own the provider and must Shutdown it to flush.
func NewMeterProvider(ctx context.Context, opts ProviderOptions) (*sdkmetric.MeterProvider, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "memvault"
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}

	var expOpts []otlpmetrichttp.Option
	if opts.Endpoint != "" {
		expOpts = append(expOpts, otlpmetrichttp.WithEndpointURL(opts.Endpoint))
	}
	exporter, err := otlpmetrichttp.New(ctx, expOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", opts.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTel resource: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(opts.Interval))),
	), nil
}
