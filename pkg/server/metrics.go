package server

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const otelMetricsPackageName = "github.com/zhaofengli/attic/pkg/server"

var (
	//nolint:gochecknoglobals
	meter metric.Meter

	// requestsTotal tracks HTTP requests by route pattern and status.
	//nolint:gochecknoglobals
	requestsTotal metric.Int64Counter

	// requestDuration tracks request handling latency.
	//nolint:gochecknoglobals
	requestDuration metric.Float64Histogram
)

//nolint:gochecknoinits
func init() {
	meter = otel.Meter(otelMetricsPackageName)

	var err error

	requestsTotal, err = meter.Int64Counter(
		"attic_http_requests_total",
		metric.WithDescription("Total HTTP requests handled, by route and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		panic(err)
	}

	requestDuration, err = meter.Float64Histogram(
		"attic_http_request_duration_seconds",
		metric.WithDescription("HTTP request handling latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		panic(err)
	}
}

func recordRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if requestsTotal == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	)

	requestsTotal.Add(ctx, 1, attrs)
	requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// metricsHandler serves GET /metrics against the Server's Prometheus
// registry, when one was supplied to New. A nil registry (e.g. in
// tests that don't care about metrics) leaves the route unmounted
// entirely rather than serving an empty page.
func (s *Server) mountMetrics(r routerWithGet) {
	if s.metricsHandler == nil {
		return
	}

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		s.metricsHandler.ServeHTTP(w, req)
	})
}

// routerWithGet is the slice of *chi.Mux's API mountMetrics needs,
// kept narrow so this file doesn't have to import chi just for a
// method call already available on the router built in server.go.
type routerWithGet interface {
	Get(pattern string, h http.HandlerFunc)
}
