// Package metrics exposes Prometheus instrumentation for the container
// runtime: lifecycle counters, spawn counts by route, agent protocol
// round-trips, and upload throughput.
package metrics
