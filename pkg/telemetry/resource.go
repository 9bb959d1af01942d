// Package telemetry builds the OpenTelemetry resource description
// shared by every exporter (OTLP, stdout, Prometheus) so that traces,
// metrics, and logs from the same process carry identical service
// attributes.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"

	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

// NewResource builds a resource.Resource tagged with serviceName and
// serviceVersion plus whatever extraAttrs the caller supplies, along
// with environment- and host-derived attributes autodetected by the
// SDK's resource detectors.
func NewResource(
	ctx context.Context,
	serviceName, serviceVersion string,
	extraAttrs ...attribute.KeyValue,
) (*resource.Resource, error) {
	attrs := append([]attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersionKey.String(serviceVersion),
	}, extraAttrs...)

	return resource.New(
		ctx,

		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(attrs...),

		// OTEL_RESOURCE_ATTRIBUTES / OTEL_SERVICE_NAME.
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),

		// Process attributes, deliberately excluding
		// resource.WithProcessCommandArgs(): command-line flags can
		// carry credentials (e.g. --database-url), and those must never
		// end up as exported resource attributes.
		resource.WithProcessPID(),
		resource.WithProcessExecutableName(),
		resource.WithProcessExecutablePath(),
		resource.WithProcessOwner(),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithProcessRuntimeDescription(),

		resource.WithOS(),
		resource.WithContainer(),
		resource.WithHost(),
	)
}
