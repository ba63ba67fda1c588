// Package worker supervises worker processes: spawning them bound to a pool
// port, waiting for the readiness handshake, and performing graceful-then-
// forced termination. The port a worker holds is released on every teardown
// path, whether the process exited cleanly, was killed, or was already gone.
package worker

import (
	"fmt"
	"os/exec"
	"strconv"
	"sync"

	"github.com/Iron-Ham/phoebed/internal/logging"
)

// Spawner launches a worker process bound to an assigned port.
// Implementations must return as soon as the process is launched; readiness is
// the supervisor's concern.
type Spawner interface {
	Spawn(port int) (Process, error)
}

// Process is a handle to a launched worker process.
// Implementations must be safe for concurrent use.
type Process interface {
	// PID returns the operating system process ID.
	PID() int

	// Terminate asks the process to exit gracefully.
	Terminate() error

	// Kill forcibly ends the process.
	Kill() error

	// Done returns a channel that is closed once the process has exited.
	Done() <-chan struct{}
}

// ExecSpawner launches worker processes with os/exec. The assigned port is
// appended to the argument list as "--port N".
type ExecSpawner struct {
	// Command is the worker executable.
	Command string
	// Args are extra arguments placed before the port flag.
	Args []string

	logger *logging.Logger
}

// NewExecSpawner creates a spawner for the given worker command line.
func NewExecSpawner(command string, args []string, logger *logging.Logger) *ExecSpawner {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ExecSpawner{
		Command: command,
		Args:    args,
		logger:  logger.WithComponent("spawner"),
	}
}

// Spawn launches a worker for the given port.
func (s *ExecSpawner) Spawn(port int) (Process, error) {
	args := make([]string, 0, len(s.Args)+2)
	args = append(args, s.Args...)
	args = append(args, "--port", strconv.Itoa(port))

	cmd := exec.Command(s.Command, args...)
	setProcAttrs(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to launch %s: %w", s.Command, err)
	}

	s.logger.Debug("worker process launched",
		"command", s.Command,
		"port", port,
		"pid", cmd.Process.Pid)

	p := &execProcess{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

// execProcess wraps an exec.Cmd as a Process.
type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu      sync.Mutex
	waitErr error
}

// reap waits for process exit exactly once and publishes it via done.
func (p *execProcess) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Terminate() error {
	return terminate(p.cmd)
}

func (p *execProcess) Kill() error {
	return kill(p.cmd)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}
