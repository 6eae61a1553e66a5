// Package observability wires the OpenTelemetry SDK for processes that
// run the voice turn pipeline outside of tests: a metrics provider
// backed by a Prometheus exporter, registered globally so
// turnpipe.NewMetrics can pick it up via otel.GetMeterProvider().
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config names the service reporting telemetry.
type Config struct {
	ServiceName    string
	ServiceVersion string
}

// InitMeterProvider builds a resource-tagged sdkmetric.MeterProvider
// with a Prometheus exporter, registers it as the global MeterProvider,
// and returns a shutdown func to flush it on exit. Callers scrape
// metrics by mounting promhttp.Handler() somewhere in their own HTTP
// mux; this package only owns SDK setup, not transport.
func InitMeterProvider(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "turnpipe"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	exporter, err := promexporter.New()
	if err != nil {
		return nil, err
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(mp)

	return mp.Shutdown, nil
}
