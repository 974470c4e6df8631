// Package progress turns task lifecycle log entries into events and fans them out
// through a non-blocking, batching hub to pluggable sinks such as structured logs,
// Prometheus collectors, the Postgres task archive or a completion publisher.
package progress
