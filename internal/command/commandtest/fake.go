// Package commandtest provides scriptable fake processes for tests.
package commandtest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/downloader-pool/internal/command"
)

// ErrKilled is the Wait error of a process terminated through Kill.
var ErrKilled = errors.New("signal: killed")

// Call records one Start invocation.
type Call struct {
	Name string
	Args []string
}

// Runner hands out processes produced by OnStart and records every call.
type Runner struct {
	OnStart func(call Call) (*Process, error)

	mu    sync.Mutex
	calls []Call
}

// Start implements command.Runner.
func (r *Runner) Start(_ context.Context, name string, args ...string) (command.Process, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
	if r.OnStart == nil {
		return nil, errors.New("no process scripted")
	}
	p, err := r.OnStart(call)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Calls returns a copy of the recorded calls.
func (r *Runner) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Process is an in-memory process whose output is written by the test.
type Process struct {
	pid int

	stdinR, stdoutR, stderrR *io.PipeReader
	stdinW, stdoutW, stderrW *io.PipeWriter

	inMu  sync.Mutex
	stdin bytes.Buffer

	exitOnce sync.Once
	exitErr  error
	exited   chan struct{}
	killed   atomic.Bool
}

// NewProcess creates a running fake process.
func NewProcess(pid int) *Process {
	p := &Process{pid: pid, exited: make(chan struct{})}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	go p.drainStdin()
	return p
}

func (p *Process) drainStdin() {
	buf := make([]byte, 256)
	for {
		n, err := p.stdinR.Read(buf)
		if n > 0 {
			p.inMu.Lock()
			p.stdin.Write(buf[:n])
			p.inMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Stdin implements command.Process.
func (p *Process) Stdin() io.WriteCloser { return p.stdinW }

// Stdout implements command.Process.
func (p *Process) Stdout() io.Reader { return p.stdoutR }

// Stderr implements command.Process.
func (p *Process) Stderr() io.Reader { return p.stderrR }

// Pid implements command.Process.
func (p *Process) Pid() int { return p.pid }

// Wait implements command.Process.
func (p *Process) Wait() error {
	<-p.exited
	return p.exitErr
}

// Kill implements command.Process.
func (p *Process) Kill() error {
	p.killed.Store(true)
	p.Exit(ErrKilled)
	return nil
}

// WriteStdout writes to the process standard output. It blocks until read.
func (p *Process) WriteStdout(s string) {
	_, _ = p.stdoutW.Write([]byte(s))
}

// WriteStderr writes to the process standard error. It blocks until read.
func (p *Process) WriteStderr(s string) {
	_, _ = p.stderrW.Write([]byte(s))
}

// Exit closes the output streams and makes Wait return err. Later calls are ignored.
func (p *Process) Exit(err error) {
	p.exitOnce.Do(func() {
		p.exitErr = err
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		_ = p.stdinR.Close()
		close(p.exited)
	})
}

// Exited is closed once the process has exited.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Killed reports whether Kill was called.
func (p *Process) Killed() bool { return p.killed.Load() }

// StdinData returns everything written to standard input so far.
func (p *Process) StdinData() string {
	p.inMu.Lock()
	defer p.inMu.Unlock()
	return p.stdin.String()
}
