package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/metrics"
)

// DefaultFetchTimeout bounds a fetch when the request carries no timeout.
const DefaultFetchTimeout = 15 * time.Second

const maxStderr = 4 << 10

// ErrFetchTimeout is returned when a fetch exceeds its client-side timeout.
var ErrFetchTimeout = errors.New("fetch timeout")

// FetchRequest is one download through a worker.
type FetchRequest struct {
	URL       string
	UserAgent string
	Timeout   time.Duration
}

// FetchResult is the raw output of a successful fetch.
type FetchResult struct {
	Raw      []byte
	Duration time.Duration
}

// Args returns the curl argument list for fetching req through the worker's proxy.
func (w *Worker) Args(req FetchRequest) []string {
	return []string{
		"--socks5-hostname", "localhost:" + strconv.Itoa(w.socksPort),
		"-A", req.UserAgent,
		"-ksiL", req.URL,
	}
}

type fetchOutcome struct {
	raw    []byte
	stderr []byte
	err    error
}

// Handle runs curl through the worker's SOCKS proxy and returns its raw output. The
// timeout is enforced here regardless of the subprocess; on expiry the process group is
// killed and ErrFetchTimeout is returned without waiting for it to exit.
func (r *Registry) Handle(ctx context.Context, w *Worker, req FetchRequest) (FetchResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	logger := r.logger.With(zap.String("worker_id", w.id), zap.String("url", req.URL))
	start := time.Now()

	proc, err := r.runner.Start(ctx, r.cfg.CurlPath, w.Args(req)...)
	if err != nil {
		r.finishFetch(w, req.URL, "failure", nil, time.Since(start))
		return FetchResult{}, fmt.Errorf("start fetch: %w", err)
	}
	if err := proc.Stdin().Close(); err != nil {
		logger.Debug("close fetch stdin", zap.Error(err))
	}

	done := make(chan fetchOutcome, 1)
	go func() {
		var stderr bytes.Buffer
		errDone := make(chan struct{})
		go func() {
			_, _ = io.Copy(&limitedBuffer{buf: &stderr, max: maxStderr}, proc.Stderr())
			close(errDone)
		}()
		raw, readErr := io.ReadAll(proc.Stdout())
		<-errDone
		waitErr := proc.Wait()
		if waitErr == nil {
			waitErr = readErr
		}
		done <- fetchOutcome{raw: raw, stderr: stderr.Bytes(), err: waitErr}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		elapsed := time.Since(start)
		if out.err != nil {
			r.finishFetch(w, req.URL, "failure", nil, elapsed)
			detail := strings.TrimSpace(string(out.stderr))
			logger.Debug("fetch failed", zap.Error(out.err), zap.String("stderr", detail))
			if detail != "" {
				return FetchResult{}, fmt.Errorf("fetch %s: %w: %s", req.URL, out.err, detail)
			}
			return FetchResult{}, fmt.Errorf("fetch %s: %w", req.URL, out.err)
		}
		r.finishFetch(w, req.URL, "success", out.raw, elapsed)
		logger.Debug("fetch complete", zap.Int("bytes", len(out.raw)), zap.Duration("elapsed", elapsed))
		return FetchResult{Raw: out.raw, Duration: elapsed}, nil
	case <-timer.C:
		r.killFetch(proc.Kill, logger)
		r.finishFetch(w, req.URL, "timeout", nil, time.Since(start))
		return FetchResult{}, fmt.Errorf("fetch %s after %s: %w", req.URL, timeout, ErrFetchTimeout)
	case <-ctx.Done():
		r.killFetch(proc.Kill, logger)
		r.finishFetch(w, req.URL, "cancelled", nil, time.Since(start))
		return FetchResult{}, fmt.Errorf("fetch %s: %w", req.URL, ctx.Err())
	}
}

func (r *Registry) killFetch(kill func() error, logger *zap.Logger) {
	if err := kill(); err != nil {
		logger.Warn("kill fetch process", zap.Error(err))
	}
}

// finishFetch updates worker stats and metrics. Cancelled fetches are not counted
// against the worker.
func (r *Registry) finishFetch(w *Worker, url, status string, raw []byte, elapsed time.Duration) {
	if status != "cancelled" {
		w.recordDownload(status == "success", elapsed, len(raw))
	}
	metrics.ObserveFetch(url, status, len(raw), elapsed)
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	buf *bytes.Buffer
	max int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if room := l.max - l.buf.Len(); room > 0 {
		if len(p) > room {
			l.buf.Write(p[:room])
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
