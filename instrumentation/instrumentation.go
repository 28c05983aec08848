// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server. When disabled it installs no-op providers, so callers
// can instrument unconditionally.
package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// DefaultServiceVersion is used when no version is provided.
const DefaultServiceVersion = "unknown"

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry resources.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false, no-op
	// providers are used and recording has zero overhead.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default resource
	// is built from ServiceName and ServiceVersion.
	Resource *resource.Resource
}

// Instrumentation provides meters, tracers and pre-built metric instruments.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = "authkit"
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	// Providers start as no-op; an embedding application with an exporter
	// swaps in real providers via SetMeterProvider/SetTracerProvider.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	var err error
	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown gracefully shuts down all instrumentation providers.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope. Scopes are layer names
// like "http", "server", "storage" or "security"; the full instrumentation
// scope name is "github.com/hyphasec/authkit/{scope}".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter("github.com/hyphasec/authkit/" + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer("github.com/hyphasec/authkit/" + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// SetMeterProvider swaps in a real meter provider (for example an SDK
// provider with an exporter) and rebuilds all instruments on it.
func (i *Instrumentation) SetMeterProvider(mp metric.MeterProvider) error {
	i.meterProvider = mp
	metrics, err := newMetrics(i)
	if err != nil {
		return fmt.Errorf("failed to rebuild metrics: %w", err)
	}
	i.metrics = metrics
	return nil
}

// SetTracerProvider swaps in a real tracer provider.
func (i *Instrumentation) SetTracerProvider(tp trace.TracerProvider) {
	i.tracerProvider = tp
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// StorageSizeCallback returns the current size of a storage component.
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers observable gauge callbacks for the
// store's entity counts. Store implementations call this after receiving
// their Instrumentation.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, codesCount, accessTokensCount, refreshTokensCount StorageSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeClients, clientsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeCodes, codesCount())
			}
			if accessTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeAccessTokens, accessTokensCount())
			}
			if refreshTokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageSizeRefreshTokens, refreshTokensCount())
			}
			return nil
		},
		i.metrics.StorageSizeClients,
		i.metrics.StorageSizeCodes,
		i.metrics.StorageSizeAccessTokens,
		i.metrics.StorageSizeRefreshTokens,
	)

	return err
}
