// Package tunnel supervises the ssh dynamic-forward (SOCKS) subprocess that connects the
// pool to one remote worker, reconnecting with quadratic backoff when it fails.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/downloader-pool/internal/command"
)

const (
	// DefaultConnectTimeout bounds how long an attempt may wait for the login banner.
	DefaultConnectTimeout = 15 * time.Second
	// DefaultCloseGrace is how long Close waits after sending exit before killing.
	DefaultCloseGrace = 500 * time.Millisecond
	// DefaultBackoffBase is the unit of the quadratic retry delay.
	DefaultBackoffBase = time.Minute
	// DefaultBackoffMax caps the retry delay.
	DefaultBackoffMax = 12 * time.Hour

	readyMarker  = "Last login"
	deniedMarker = "Permission denied"
)

var (
	// ErrPermissionDenied reports that the remote host rejected our credentials.
	ErrPermissionDenied = errors.New("tunnel permission denied")
	// ErrConnectTimeout reports that no login banner arrived within the connect timeout.
	ErrConnectTimeout = errors.New("tunnel connect timeout")
	// ErrTunnelExited reports that the subprocess exited before becoming ready.
	ErrTunnelExited = errors.New("tunnel exited before ready")
	// ErrClosed is returned for attempts interrupted by Close.
	ErrClosed = errors.New("tunnel closed")
)

// State is the lifecycle state of a Connection.
type State int32

const (
	// StateDisconnected means no subprocess is running.
	StateDisconnected State = iota
	// StateConnecting means a subprocess was started and has not yet logged in.
	StateConnecting
	// StateConnected means the SOCKS proxy is usable.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config describes one tunnel endpoint.
type Config struct {
	Host      string
	Port      int
	User      string
	Identity  string
	SOCKSPort int
	SSHPath   string

	ConnectTimeout time.Duration
	CloseGrace     time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

func (c Config) withDefaults() Config {
	if c.SSHPath == "" {
		c.SSHPath = "ssh"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.CloseGrace <= 0 {
		c.CloseGrace = DefaultCloseGrace
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	return c
}

// Args returns the ssh argument list for the configured endpoint.
func (c Config) Args() []string {
	args := []string{"-D", strconv.Itoa(c.SOCKSPort), "-o", "StrictHostKeyChecking=no"}
	if c.Port > 0 && c.Port != 22 {
		args = append(args, "-p", strconv.Itoa(c.Port))
	}
	if c.Identity != "" {
		args = append(args, "-i", c.Identity)
	}
	target := c.Host
	if c.User != "" {
		target = c.User + "@" + c.Host
	}
	return append(args, target, "-tt")
}

// Hooks receive lifecycle notifications. They run on the supervising goroutine and
// must not block.
type Hooks struct {
	OnConnected func()
	// OnAttemptFailed receives the attempt error and the consecutive failure count.
	OnAttemptFailed func(err error, failures int)
	// OnDisconnected fires when an established tunnel drops unexpectedly.
	OnDisconnected func(err error)
}

// Backoff returns min((n+1)^2 * base, limit) for n consecutive failures.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	k := int64(n) + 1
	if k > 1<<15 {
		return limit
	}
	d := time.Duration(k*k) * base
	if d <= 0 || d > limit {
		return limit
	}
	return d
}

// RetryDelay is Backoff with the default one minute base and twelve hour cap.
func RetryDelay(n int) time.Duration {
	return Backoff(n, DefaultBackoffBase, DefaultBackoffMax)
}

// Connection owns one tunnel subprocess at a time.
type Connection struct {
	cfg    Config
	runner command.Runner
	hooks  Hooks
	logger *zap.Logger
	wait   func(ctx context.Context, stop <-chan struct{}, d time.Duration) error

	mu       sync.Mutex
	state    State
	proc     command.Process
	exited   chan struct{}
	failures int
	closing  bool

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a disconnected Connection. Nothing is started until Run.
func New(cfg Config, runner command.Runner, hooks Hooks, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:    cfg,
		runner: runner,
		hooks:  hooks,
		logger: logger.With(zap.String("host", cfg.Host), zap.Int("socks_port", cfg.SOCKSPort)),
		wait:   sleep,
		stop:   make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Failures reports consecutive failed attempts since the last success.
func (c *Connection) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

// Run connects and keeps the tunnel up until ctx is done or Close is called.
func (c *Connection) Run(ctx context.Context) error {
	defer c.setState(StateDisconnected)
	for {
		if c.isClosing() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			c.shutdown()
			return fmt.Errorf("tunnel run: %w", err)
		}

		exited, exitErr, err := c.attempt(ctx)
		if err != nil {
			if c.isClosing() || errors.Is(err, ErrClosed) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("tunnel run: %w", ctxErr)
			}
			failures := c.recordFailure()
			c.logAttemptFailure(err, failures)
			if c.hooks.OnAttemptFailed != nil {
				c.hooks.OnAttemptFailed(err, failures)
			}
			delay := Backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)
			if werr := c.wait(ctx, c.stop, delay); werr != nil {
				if c.isClosing() {
					return nil
				}
				c.shutdown()
				return fmt.Errorf("tunnel backoff: %w", werr)
			}
			continue
		}

		c.mu.Lock()
		c.failures = 0
		c.state = StateConnected
		c.mu.Unlock()
		c.logger.Info("tunnel connected")
		if c.hooks.OnConnected != nil {
			c.hooks.OnConnected()
		}

		select {
		case <-exited:
		case <-ctx.Done():
			c.shutdown()
			<-exited
			return fmt.Errorf("tunnel run: %w", ctx.Err())
		}
		if c.isClosing() {
			return nil
		}
		c.setState(StateDisconnected)
		dropErr := fmt.Errorf("tunnel dropped: %w", ErrTunnelExited)
		if e := *exitErr; e != nil {
			dropErr = fmt.Errorf("tunnel dropped: %w", e)
		}
		c.logger.Warn("tunnel dropped, reconnecting", zap.Error(dropErr))
		if c.hooks.OnDisconnected != nil {
			c.hooks.OnDisconnected(dropErr)
		}
	}
}

// attempt starts ssh and waits for the login banner. On success it returns a channel
// closed when the subprocess exits, and a pointer to its exit error (valid after close).
func (c *Connection) attempt(ctx context.Context) (<-chan struct{}, *error, error) {
	c.setState(StateConnecting)
	proc, err := c.runner.Start(ctx, c.cfg.SSHPath, c.cfg.Args()...)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, nil, fmt.Errorf("start tunnel: %w", err)
	}

	exited := make(chan struct{})
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = proc.Kill()
		go func() { _ = proc.Wait() }()
		return nil, nil, ErrClosed
	}
	c.proc = proc
	c.exited = exited
	c.mu.Unlock()

	ready := make(chan struct{})
	denied := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		watch(proc.Stdout(), readyMarker, ready)
	}()
	go func() {
		defer readers.Done()
		watch(proc.Stderr(), deniedMarker, denied)
	}()

	var exitErr error
	go func() {
		readers.Wait()
		exitErr = proc.Wait()
		c.mu.Lock()
		if c.proc == proc {
			c.proc = nil
			c.exited = nil
		}
		c.mu.Unlock()
		close(exited)
	}()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	fail := func(err error) (<-chan struct{}, *error, error) {
		_ = proc.Kill()
		<-exited
		c.setState(StateDisconnected)
		return nil, nil, err
	}

	select {
	case <-ready:
		return exited, &exitErr, nil
	case <-denied:
		return fail(ErrPermissionDenied)
	case <-exited:
		c.setState(StateDisconnected)
		switch {
		case isClosed(denied):
			return nil, nil, ErrPermissionDenied
		case c.isClosing():
			return nil, nil, ErrClosed
		case exitErr != nil:
			return nil, nil, fmt.Errorf("%w: %w", ErrTunnelExited, exitErr)
		default:
			return nil, nil, ErrTunnelExited
		}
	case <-timer.C:
		return fail(ErrConnectTimeout)
	case <-ctx.Done():
		return fail(ctx.Err())
	}
}

// Close stops supervision and terminates the subprocess: it asks the remote shell to
// exit and kills the process if it is still alive after the grace period.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	c.shutdown()
	return nil
}

func (c *Connection) shutdown() {
	c.mu.Lock()
	proc, exited := c.proc, c.exited
	c.mu.Unlock()
	if proc == nil {
		return
	}
	if _, err := io.WriteString(proc.Stdin(), "exit\n"); err != nil {
		c.logger.Debug("tunnel exit write failed", zap.Error(err))
	}
	timer := time.NewTimer(c.cfg.CloseGrace)
	defer timer.Stop()
	select {
	case <-exited:
	case <-timer.C:
		if err := proc.Kill(); err != nil {
			c.logger.Warn("tunnel kill failed", zap.Error(err))
		}
	}
}

func (c *Connection) recordFailure() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	return c.failures
}

func (c *Connection) logAttemptFailure(err error, failures int) {
	fields := []zap.Field{
		zap.Error(err),
		zap.Int("failures", failures),
		zap.Duration("retry_in", Backoff(failures, c.cfg.BackoffBase, c.cfg.BackoffMax)),
	}
	if errors.Is(err, ErrPermissionDenied) {
		c.logger.Error("tunnel authentication failed", fields...)
		return
	}
	c.logger.Warn("tunnel attempt failed", fields...)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// watch drains r until EOF, closing found the first time marker appears.
func watch(r io.Reader, marker string, found chan struct{}) {
	needle := []byte(marker)
	buf := make([]byte, 4096)
	var tail []byte
	seen := false
	for {
		n, err := r.Read(buf)
		if n > 0 && !seen {
			window := append(tail, buf[:n]...)
			if bytes.Contains(window, needle) {
				seen = true
				close(found)
			} else if keep := len(needle) - 1; len(window) > keep {
				tail = append(tail[:0], window[len(window)-keep:]...)
			} else {
				tail = window
			}
		}
		if err != nil {
			return
		}
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
