// Package observability provides OpenTelemetry-based instrumentation for the
// dispatch core, the latency ring tracker, and the health surface consumed by
// readiness probes.
//
// This package implements:
//   - Distributed tracing with OTLP export
//   - Metrics collection with RED (Rate, Errors, Duration) pattern
//   - Dispatch semantic convention attributes
//   - Saga health evaluation and background-job heartbeats
package observability
