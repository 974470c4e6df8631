// Package worker tracks the remote fetch workers of the pool: their tunnel
// connections, states, statistics and per-domain cooldowns.
package worker

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/downloader-pool/internal/metrics"
	"github.com/JakeFAU/downloader-pool/internal/tunnel"
)

// State is a worker lifecycle state.
type State string

const (
	// StateUnresponsive means the tunnel is not established.
	StateUnresponsive State = "unresponsive"
	// StateReady means the tunnel is up and no fetch is running.
	StateReady State = "ready"
	// StateBusy means exactly one fetch is running through the tunnel.
	StateBusy State = "busy"
	// StateFaulty means the host rejected our credentials. Cleared by the next
	// successful connection.
	StateFaulty State = "faulty"
)

// Stats are the cumulative counters of one worker.
type Stats struct {
	SuccessfulDownloads   int           `json:"successful_downloads"`
	FailedDownloads       int           `json:"failed_downloads"`
	DownloadTime          time.Duration `json:"download_time_ns"`
	DownloadBytes         int64         `json:"download_bytes"`
	SuccessfulConnections int           `json:"successful_connections"`
	FailedConnections     int           `json:"failed_connections"`
	ConnectionAttempts    int           `json:"connection_attempts"`
}

// Spec describes a worker host.
type Spec struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Identity string `json:"identity"`
}

// ID returns host:port.
func (s Spec) ID() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Snapshot is the serializable view of a worker.
type Snapshot struct {
	ID        string `json:"id"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	SOCKSPort int    `json:"socks_port"`
	User      string `json:"user"`
	State     State  `json:"state"`
	Stats     Stats  `json:"stats"`
}

// Worker is one remote fetch endpoint.
type Worker struct {
	id        string
	spec      Spec
	socksPort int
	conn      *tunnel.Connection

	mu    sync.Mutex
	state State
	// inflight is set from Acquire to Release and survives tunnel reconnects.
	inflight   bool
	stats      Stats
	nextAccess map[string]time.Time
}

func newWorker(spec Spec, socksPort int) *Worker {
	w := &Worker{
		id:         spec.ID(),
		spec:       spec,
		socksPort:  socksPort,
		state:      StateUnresponsive,
		nextAccess: make(map[string]time.Time),
	}
	metrics.ObserveWorkerState("", string(StateUnresponsive))
	return w
}

// ID returns host:port.
func (w *Worker) ID() string { return w.id }

// Spec returns the worker's host description.
func (w *Worker) Spec() Spec { return w.spec }

// SOCKSPort returns the local port of the worker's SOCKS proxy.
func (w *Worker) SOCKSPort() int { return w.socksPort }

// State returns the current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats returns a copy of the counters.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// NextAccess returns the earliest time the worker may fetch from domain again.
func (w *Worker) NextAccess(domain string) (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	at, ok := w.nextAccess[domain]
	return at, ok
}

// SetNextAccess records the earliest time the worker may fetch from domain again.
func (w *Worker) SetNextAccess(domain string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextAccess[domain] = at
}

// Snapshot returns the serializable view.
func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		ID:        w.id,
		Host:      w.spec.Host,
		Port:      w.spec.Port,
		SOCKSPort: w.socksPort,
		User:      w.spec.User,
		State:     w.state,
		Stats:     w.stats,
	}
}

// setStateLocked requires w.mu.
func (w *Worker) setStateLocked(to State) {
	from := w.state
	w.state = to
	metrics.ObserveWorkerState(string(from), string(to))
}

// acquire claims a ready worker with no fetch in flight.
func (w *Worker) acquire() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateReady || w.inflight {
		return false
	}
	w.inflight = true
	w.setStateLocked(StateBusy)
	return true
}

// release ends the in-flight fetch. Only a worker whose tunnel is still up goes
// back to ready.
func (w *Worker) release() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight = false
	if w.state == StateBusy {
		w.setStateLocked(StateReady)
	}
}

func (w *Worker) recordDownload(ok bool, elapsed time.Duration, size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !ok {
		w.stats.FailedDownloads++
		return
	}
	w.stats.SuccessfulDownloads++
	w.stats.DownloadTime += elapsed
	w.stats.DownloadBytes += int64(size)
}

func (w *Worker) onConnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.SuccessfulConnections++
	w.stats.ConnectionAttempts = 0
	if w.state != StateUnresponsive && w.state != StateFaulty {
		return
	}
	if w.inflight {
		w.setStateLocked(StateBusy)
		return
	}
	w.setStateLocked(StateReady)
}

func (w *Worker) onAttemptFailed(denied bool, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stats.FailedConnections++
	w.stats.ConnectionAttempts = failures
	switch {
	case denied:
		w.setStateLocked(StateFaulty)
	case w.state != StateFaulty:
		w.setStateLocked(StateUnresponsive)
	}
}

func (w *Worker) onDisconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateFaulty {
		w.setStateLocked(StateUnresponsive)
	}
}
