// Package metrics exports Shepherd's Prometheus metrics: fleet gauges by
// state and domain, probe verdict counters, repair and retry-exhaustion
// counters, and reconciliation cycle timing. Handler serves them for the
// /metrics endpoint of the status API.
package metrics
