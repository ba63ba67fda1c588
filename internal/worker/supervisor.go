package worker

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/portpool"
)

// ProbeFunc checks whether the worker on the given port answers the readiness
// probe within timeout.
type ProbeFunc func(ctx context.Context, port int, timeout time.Duration) error

// ExitFunc is invoked when a supervised worker exits without Stop having been
// called, so the registry can drive the owning session to its terminal state.
type ExitFunc func(sessionID string)

// Config holds the timing knobs for worker supervision.
type Config struct {
	// ReadyTimeout bounds the whole readiness handshake (default 30s).
	ReadyTimeout time.Duration
	// StopGrace is how long to wait after a terminate signal before
	// escalating to a forced kill (default 5s).
	StopGrace time.Duration
	// ProbeTimeout bounds a single readiness probe attempt (default 1s).
	ProbeTimeout time.Duration
}

// DefaultConfig returns the default supervision timings.
func DefaultConfig() Config {
	return Config{
		ReadyTimeout: 30 * time.Second,
		StopGrace:    5 * time.Second,
		ProbeTimeout: time.Second,
	}
}

// Handle is the supervisor's reference to one live worker. A handle is owned
// by exactly one session and destroyed only through Stop.
type Handle struct {
	sessionID string
	port      int
	proc      Process

	mu      sync.Mutex
	stopped bool
}

// SessionID returns the session this worker belongs to.
func (h *Handle) SessionID() string { return h.sessionID }

// Port returns the port the worker's endpoint is bound to.
func (h *Handle) Port() int { return h.port }

// PID returns the worker's process ID.
func (h *Handle) PID() int { return h.proc.PID() }

// exited reports whether the worker process has already exited.
func (h *Handle) exited() bool {
	select {
	case <-h.proc.Done():
		return true
	default:
		return false
	}
}

// markStopped flips the handle to stopped. Returns false if it already was,
// making Stop idempotent and suppressing the unexpected-exit callback for
// deliberate teardowns.
func (h *Handle) markStopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return false
	}
	h.stopped = true
	return true
}

// Supervisor spawns and terminates worker processes against the port pool.
type Supervisor struct {
	pool    *portpool.Pool
	spawner Spawner
	probe   ProbeFunc
	cfg     Config
	logger  *logging.Logger

	mu     sync.Mutex
	onExit ExitFunc
}

// NewSupervisor creates a supervisor drawing ports from pool and launching
// processes through spawner. probe performs the readiness check.
func NewSupervisor(pool *portpool.Pool, spawner Spawner, probe ProbeFunc, cfg Config, logger *logging.Logger) *Supervisor {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultConfig().ReadyTimeout
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultConfig().StopGrace
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultConfig().ProbeTimeout
	}
	return &Supervisor{
		pool:    pool,
		spawner: spawner,
		probe:   probe,
		cfg:     cfg,
		logger:  logger.WithComponent("supervisor"),
	}
}

// SetOnExit registers the callback invoked when a worker exits unexpectedly.
func (s *Supervisor) SetOnExit(fn ExitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExit = fn
}

// Start allocates a port, spawns a worker for the given session, and waits
// for it to answer the readiness probe.
//
// On any failure the partially started process is killed and the port is
// released before the error is returned: a failed Start never leaks either
// resource.
func (s *Supervisor) Start(ctx context.Context, sessionID string) (*Handle, error) {
	port, err := s.pool.Allocate()
	if err != nil {
		return nil, err
	}

	proc, err := s.spawner.Spawn(port)
	if err != nil {
		s.pool.Release(port)
		return nil, errors.NewWorkerError("spawn failed", errors.ErrWorkerSpawnFailed).WithPort(port)
	}

	h := &Handle{sessionID: sessionID, port: port, proc: proc}

	if err := s.waitReady(ctx, h); err != nil {
		s.destroy(h)
		return nil, err
	}

	go s.watch(h)

	s.logger.Info("worker ready",
		"session_id", sessionID,
		"port", port,
		"pid", proc.PID())
	return h, nil
}

// waitReady polls the readiness probe until success, process exit, or the
// ready timeout. The poll interval starts small and backs off.
func (s *Supervisor) waitReady(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()

	pollInterval := 50 * time.Millisecond
	maxPollInterval := 500 * time.Millisecond

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				s.logger.Debug("worker startup cancelled",
					"session_id", h.sessionID,
					"port", h.port)
				return errors.NewWorkerError("startup cancelled", ctx.Err()).
					WithPort(h.port).WithPID(h.proc.PID())
			}
			s.logger.Warn("worker readiness timed out",
				"session_id", h.sessionID,
				"port", h.port)
			return errors.NewWorkerError("readiness handshake timed out", errors.ErrWorkerStartTimeout).
				WithPort(h.port).WithPID(h.proc.PID())
		case <-h.proc.Done():
			s.logger.Warn("worker exited before becoming ready",
				"session_id", h.sessionID,
				"port", h.port)
			return errors.NewWorkerError("worker exited during startup", errors.ErrWorkerSpawnFailed).
				WithPort(h.port).WithPID(h.proc.PID())
		case <-ticker.C:
			if err := s.probe(ctx, h.port, s.cfg.ProbeTimeout); err == nil {
				return nil
			}

			if pollInterval < maxPollInterval {
				pollInterval *= 2
				if pollInterval > maxPollInterval {
					pollInterval = maxPollInterval
				}
				ticker.Reset(pollInterval)
			}
		}
	}
}

// watch waits for the worker process to exit and reports unexpected deaths.
func (s *Supervisor) watch(h *Handle) {
	<-h.proc.Done()

	h.mu.Lock()
	stopped := h.stopped
	h.mu.Unlock()
	if stopped {
		return
	}

	s.logger.Warn("worker exited unexpectedly",
		"session_id", h.sessionID,
		"port", h.port,
		"pid", h.proc.PID())

	s.mu.Lock()
	onExit := s.onExit
	s.mu.Unlock()
	if onExit != nil {
		onExit(h.sessionID)
	}
}

// Stop terminates a worker gracefully, escalating to a forced kill after the
// grace period. The port is released regardless of how the process went away.
// Stopping an already-stopped handle is a no-op.
func (s *Supervisor) Stop(h *Handle) error {
	if h == nil {
		return nil
	}
	if !h.markStopped() {
		return nil
	}
	defer s.pool.Release(h.port)

	if h.exited() {
		s.logger.Debug("worker already gone at stop",
			"session_id", h.sessionID,
			"port", h.port)
		return nil
	}

	if err := h.proc.Terminate(); err != nil {
		s.logger.Debug("terminate signal failed",
			"session_id", h.sessionID,
			"error", err.Error())
	}

	select {
	case <-h.proc.Done():
		s.logger.Debug("worker exited gracefully",
			"session_id", h.sessionID,
			"port", h.port)
		return nil
	case <-time.After(s.cfg.StopGrace):
	}

	s.logger.Warn("worker did not exit in grace period, killing",
		"session_id", h.sessionID,
		"port", h.port,
		"pid", h.proc.PID())

	if err := h.proc.Kill(); err != nil {
		s.logger.Error("forced kill failed",
			"session_id", h.sessionID,
			"error", err.Error())
	}

	// Bounded wait for the reaper; the port is released either way.
	select {
	case <-h.proc.Done():
	case <-time.After(s.cfg.StopGrace):
		s.logger.Error("worker unkillable, abandoning process",
			"session_id", h.sessionID,
			"pid", h.proc.PID())
	}
	return nil
}

// destroy tears down a worker that never became ready.
func (s *Supervisor) destroy(h *Handle) {
	h.markStopped()
	defer s.pool.Release(h.port)

	if h.exited() {
		return
	}
	_ = h.proc.Kill()
	select {
	case <-h.proc.Done():
	case <-time.After(s.cfg.StopGrace):
		s.logger.Error("partially started worker unkillable",
			"session_id", h.sessionID,
			"pid", h.proc.PID())
	}
}
