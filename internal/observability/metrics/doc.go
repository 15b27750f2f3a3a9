// Package metrics exposes Prometheus metrics for the trading loop and the
// HTTP API on a process-local registry.
package metrics
