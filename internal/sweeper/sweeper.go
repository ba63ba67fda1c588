// Package sweeper implements the periodic idle-session reclaimer.
//
// The sweep runs on a single goroutine, so two sweeps can never overlap, and
// it never blocks request handling: it only takes the registry mutex for the
// scan and the per-session teardown happens through the same check-and-set
// path explicit stops use.
package sweeper

import (
	"context"
	"time"

	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/registry"
	"github.com/Iron-Ham/phoebed/internal/worker"
)

// TeardownFunc completes the teardown of a session the sweeper has claimed:
// stop the worker, mark the session terminated, emit audit. The claim (the
// Active → Terminating transition) has already been won when this is called.
type TeardownFunc func(id string, h *worker.Handle)

// Sweeper periodically terminates sessions idle past the configured window.
type Sweeper struct {
	registry    *registry.Registry
	idleTimeout time.Duration
	interval    time.Duration
	teardown    TeardownFunc
	logger      *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a sweeper over the given registry. teardown is invoked once per
// reclaimed session.
func New(reg *registry.Registry, idleTimeout, interval time.Duration, teardown TeardownFunc, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		registry:    reg,
		idleTimeout: idleTimeout,
		interval:    interval,
		teardown:    teardown,
		logger:      logger.WithComponent("sweeper"),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start launches the sweep loop. It returns immediately.
func (s *Sweeper) Start() {
	go s.run()
}

// run is the single sweep goroutine.
func (s *Sweeper) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep reclaims every Active session idle past the window. A session that a
// concurrent explicit end already claimed fails the check-and-set and is
// skipped.
func (s *Sweeper) sweep() {
	cutoff := time.Now().Add(-s.idleTimeout)

	for _, id := range s.registry.ActiveIdleBefore(cutoff) {
		h, ok := s.registry.BeginTermination(id)
		if !ok {
			// Lost the race to an explicit end or crash detection.
			continue
		}

		s.logger.Info("reclaiming idle session",
			"session_id", id,
			"idle_timeout", s.idleTimeout.String())
		s.teardown(id, h)
	}
}

// Stop halts the sweep loop and waits for it to finish, bounded by ctx.
// An in-flight sweep is allowed to complete its current teardown.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
