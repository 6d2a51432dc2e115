package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics wires an OTel MeterProvider with a Prometheus exporter.
// No HTTP route in this module serves a /metrics endpoint for it.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("telemetry: build prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	globalMeterProvider = provider
	return provider, nil
}

// Meter returns a named meter from the current global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// Shutdown flushes and shuts down the global meter provider, if any.
func Shutdown(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}

// RouterMetrics holds a set of control-plane counters/histograms.
// Nothing in this module constructs or records against it.
type RouterMetrics struct {
	Requests        metric.Int64Counter
	Errors          metric.Int64Counter
	Latency         metric.Float64Histogram
	QueueDepth      metric.Int64UpDownCounter
	CapacityInUse   metric.Int64UpDownCounter
	RetryAttempts   metric.Int64Counter
	CostAccrued     metric.Float64Counter
}

// NewRouterMetrics creates and registers every instrument used across the
// control plane.
func NewRouterMetrics() (*RouterMetrics, error) {
	m := Meter("airouter")

	requests, err := m.Int64Counter("airouter.requests", metric.WithDescription("Total requests processed"))
	if err != nil {
		return nil, err
	}
	errs, err := m.Int64Counter("airouter.errors", metric.WithDescription("Total terminal errors by kind"))
	if err != nil {
		return nil, err
	}
	latency, err := m.Float64Histogram("airouter.latency_ms", metric.WithDescription("End-to-end request latency"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	queueDepth, err := m.Int64UpDownCounter("airouter.queue_depth", metric.WithDescription("Pending queue depth"))
	if err != nil {
		return nil, err
	}
	capacityInUse, err := m.Int64UpDownCounter("airouter.capacity_in_use", metric.WithDescription("Active+reserved slots in use"))
	if err != nil {
		return nil, err
	}
	retryAttempts, err := m.Int64Counter("airouter.retry_attempts", metric.WithDescription("Retry attempts scheduled"))
	if err != nil {
		return nil, err
	}
	costAccrued, err := m.Float64Counter("airouter.cost_accrued", metric.WithDescription("Accrued provider cost in USD"))
	if err != nil {
		return nil, err
	}

	return &RouterMetrics{
		Requests:      requests,
		Errors:        errs,
		Latency:       latency,
		QueueDepth:    queueDepth,
		CapacityInUse: capacityInUse,
		RetryAttempts: retryAttempts,
		CostAccrued:   costAccrued,
	}, nil
}

// ProviderAttr is a convenience attribute.KeyValue for provider id.
func ProviderAttr(providerID string) attribute.KeyValue {
	return attribute.String("provider.id", providerID)
}
