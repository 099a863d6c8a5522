// Package app assembles a running memvault from its configuration:
// backends, router, health monitor, metrics pipeline and memory service.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/config"
	"github.com/scrypster/memvault/internal/connections"
	"github.com/scrypster/memvault/internal/engine"
	"github.com/scrypster/memvault/internal/health"
	"github.com/scrypster/memvault/internal/metrics"
	"github.com/scrypster/memvault/internal/router"
	"github.com/scrypster/memvault/internal/server"
)

// App owns every long-lived component.
type App struct {
	Config  *config.Config
	Manager *connections.Manager
	Router  *router.Router
	Monitor *health.Monitor
	Events  *metrics.Dispatcher
	Hub     *server.EventHub
	Service *engine.MemoryService

	meterProvider *sdkmetric.MeterProvider
}

// New opens the configured backends and wires the components together.
// Nothing runs in the background until Start.
func New(cfg *config.Config) (*App, error) {
	mgr, err := connections.NewManager(cfg.Backends, "")
	if err != nil {
		return nil, err
	}
	entries, err := mgr.OpenAll()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Manager: mgr}
	if err := a.wire(entries); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(entries []connections.Entry) error {
	cfg := a.Config

	r, err := router.New(router.Options{
		Breaker:         cfg.Breaker,
		CallTimeout:     cfg.Routing.CallTimeout,
		DemoteUnhealthy: cfg.Routing.DemoteUnhealthy,
		RaceReads:       cfg.Routing.RaceReads,
		RateLimit:       cfg.Routing.BackendRate,
		RateBurst:       cfg.Routing.BackendBurst,
		AffinityEntries: cfg.Routing.AffinityEntries,
	})
	if err != nil {
		return err
	}
	a.Router = r

	a.Monitor = health.NewMonitor(cfg.Health)
	for _, e := range entries {
		if err := r.RegisterWithBreaker(e.Descriptor, e.Backend, cfg.BreakerFor(e.Config)); err != nil {
			return fmt.Errorf("app: register %s: %w", e.Descriptor.Name, err)
		}
		a.Monitor.Add(e.Backend)
		log.Printf("app: backend %s (%s) rank %d capabilities %v",
			e.Descriptor.Name, e.Descriptor.Type, e.Descriptor.Rank, e.Descriptor.Capabilities)
	}
	a.Monitor.OnResult(r.ObserveHealth)

	a.Hub = server.NewEventHub()
	sinks := []metrics.Sink{metrics.LogSink{Verbose: cfg.Metrics.LogVerbose}, a.Hub}
	if cfg.Metrics.OTel {
		mp, err := metrics.NewMeterProvider(context.Background(), metrics.ProviderOptions{
			Endpoint: cfg.Metrics.OTLPEndpoint,
			Interval: cfg.Metrics.ExportInterval,
		})
		if err != nil {
			return err
		}
		a.meterProvider = mp
		otel.SetMeterProvider(mp)

		otelSink, err := metrics.NewOTelSink(mp.Meter(metrics.InstrumentationName))
		if err != nil {
			return err
		}
		if err := otelSink.RegisterStateGauge(a.breakerStates); err != nil {
			return err
		}
		sinks = append(sinks, otelSink)
	}
	a.Events = metrics.NewDispatcher(cfg.Metrics.Buffer, sinks...)
	r.OnTransition(a.Events.Transition)

	a.Service, err = engine.NewMemoryService(r, engine.Config{
		RequestTimeout: cfg.Routing.RequestTimeout,
		Retry:          cfg.Retry,
	}, a.Events)
	return err
}

func (a *App) breakerStates() map[string]breaker.State {
	out := make(map[string]breaker.State)
	for _, st := range a.Router.Snapshots() {
		out[st.Name] = st.Breaker.State
	}
	return out
}

// Start launches the health monitor.
func (a *App) Start(ctx context.Context) error {
	return a.Monitor.Start(ctx)
}

// Close stops background work and closes the backends. Callers must stop
// serving requests first.
func (a *App) Close() error {
	var errs []error
	if a.Monitor != nil {
		// Stop reports an error when the monitor never started.
		_ = a.Monitor.Stop()
	}
	if a.Hub != nil {
		a.Hub.Stop()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if a.meterProvider != nil {
		// Flushes the final export, including events drained above.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.meterProvider.Shutdown(ctx))
		cancel()
	}
	if a.Router != nil {
		a.Router.Close()
	}
	if a.Manager != nil {
		errs = append(errs, a.Manager.Close())
	}
	return errors.Join(errs...)
}
