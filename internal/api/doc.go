// Package api hosts the HTTP server, middleware, and REST handlers of the
// downloader pool. Notable routes:
//   - GET /healthz and /readyz for probes; readyz needs a connected worker.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to queue a download, optionally waiting for it.
//   - GET /v1/tasks/{id} by short id or trace id.
//   - GET /v1/archive/tasks and /v1/archive/tasks/{trace_id}/events for the
//     archived history via the TaskRepository interface.
package api
