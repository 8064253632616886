// Package observability wires logging, Prometheus metrics, OpenTelemetry
// tracing, and graceful shutdown for the lariat services.
package observability
