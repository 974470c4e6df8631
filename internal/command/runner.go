// Package command starts external processes (ssh tunnels, curl fetches) behind a small
// interface so the pool can be exercised without real subprocesses.
package command

import (
	"context"
	"fmt"
	"io"
	"os/exec"
)

// Process is a started subprocess with its standard streams attached.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the process exits. It must be called at most once.
	Wait() error
	// Kill terminates the process and every child it spawned.
	Kill() error
	Pid() int
}

// Runner starts processes.
type Runner interface {
	Start(ctx context.Context, name string, args ...string) (Process, error)
}

// ExecRunner runs real processes via os/exec. Each process is placed in its own
// process group so Kill also reaches children.
type ExecRunner struct{}

// NewExecRunner returns a Runner backed by os/exec.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Start launches name with args. The context only bounds process start-up; lifetime
// is controlled through Kill so callers can apply their own timeouts.
func (ExecRunner) Start(ctx context.Context, name string, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	cmd := exec.Command(name, args...) //nolint:gosec // arguments are built by the pool, not user shell input
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Stderr() io.Reader     { return p.stderr }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }

func (p *execProcess) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("wait %s: %w", p.cmd.Path, err)
	}
	return nil
}

func (p *execProcess) Kill() error {
	return killProcessGroup(p.cmd)
}
