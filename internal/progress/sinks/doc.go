// Package sinks implements concrete progress consumers: structured logging,
// Prometheus collectors, the task archive repository and completion publishing.
// Each sink satisfies progress.Sink.
package sinks
