// Package main hosts the downloader pool entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts download tasks, exposes task, worker and
//     archive views, health probes and /metrics.
//   - Task queue: tasks wait in a FIFO pending list. Failed attempts go back to the
//     front until their attempt budget is spent.
//   - Workers: every configured host gets an ssh SOCKS tunnel on its own local port.
//     Tunnels reconnect with quadratic backoff; a rejected login marks the worker
//     faulty until the next successful connection.
//   - Dispatcher: a single loop pairs the oldest ready task with a random eligible
//     worker. A worker is eligible when it is ready and its cooldown for the task's
//     registrable domain has passed. Fetches run curl through the tunnel.
//   - Progress: task lifecycle events are batched by progress.Hub and fanned out to
//     Prometheus, the optional log sink, the optional Postgres archive and the
//     completion publisher (Pub/Sub or in-memory).
//
// Quick checklist:
//   - Configure worker_groups and sites in a YAML file, or point repository.url at a
//     site repository document. Every key can be overridden with DLPOOL_* variables.
//   - Run locally: go run ./cmd/downloaderpool serve --config config.yaml
//   - Inspect the expanded worker list: go run ./cmd/downloaderpool workers --config config.yaml
package main
