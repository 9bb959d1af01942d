// Package metrics bootstraps OpenTelemetry's metric SDK with a
// Prometheus exporter, so every instrument registered by the other
// packages in this module (via their own per-package otel.Meter
// globals) shows up on one scrape endpoint.
package metrics

import (
	"context"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	prometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/zhaofengli/attic/pkg/telemetry"
)

// SetupPrometheusMetrics installs a global MeterProvider backed by a
// dedicated Prometheus registry and returns that registry (to be
// served, typically via promhttp.HandlerFor, at /metrics) plus a
// shutdown function.
func SetupPrometheusMetrics(ctx context.Context, serviceName, serviceVersion string) (promclient.Gatherer, func(context.Context) error, error) {
	res, err := telemetry.NewResource(ctx, serviceName, serviceVersion)
	if err != nil {
		return nil, nil, err
	}

	registry := promclient.NewRegistry()

	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	return registry, meterProvider.Shutdown, nil
}
