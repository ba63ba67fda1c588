// Package orchestrator wires the port pool, session registry, worker
// supervisor, request proxy, idle sweeper, and audit sink into the surface
// the API layer consumes.
//
// An Orchestrator is explicitly constructed and passed down; there is no
// ambient global state, so tests run multiple independent instances.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/Iron-Ham/phoebed/internal/audit"
	"github.com/Iron-Ham/phoebed/internal/config"
	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/portpool"
	"github.com/Iron-Ham/phoebed/internal/protocol"
	"github.com/Iron-Ham/phoebed/internal/proxy"
	"github.com/Iron-Ham/phoebed/internal/registry"
	"github.com/Iron-Ham/phoebed/internal/sweeper"
	"github.com/Iron-Ham/phoebed/internal/worker"
)

// Orchestrator owns the session lifecycle end to end.
type Orchestrator struct {
	cfg    *config.Config
	logger *logging.Logger

	pool       *portpool.Pool
	registry   *registry.Registry
	supervisor *worker.Supervisor
	proxy      *proxy.Proxy
	sweeper    *sweeper.Sweeper
	audit      audit.Sink

	auditExclude map[string]bool

	mu           sync.Mutex
	shuttingDown bool
}

// Option customizes orchestrator construction.
type Option func(*options)

type options struct {
	spawner worker.Spawner
	sink    audit.Sink
}

// WithSpawner overrides the worker spawner. Tests use this to substitute
// in-process fake workers for real child processes.
func WithSpawner(s worker.Spawner) Option {
	return func(o *options) { o.spawner = s }
}

// WithAuditSink overrides the audit sink.
func WithAuditSink(s audit.Sink) Option {
	return func(o *options) { o.sink = s }
}

// New builds an orchestrator from configuration. Call Start to begin idle
// sweeping and Shutdown to tear everything down.
func New(cfg *config.Config, logger *logging.Logger, opts ...Option) (*Orchestrator, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.spawner == nil {
		o.spawner = worker.NewExecSpawner(cfg.Worker.Command, cfg.Worker.Args, logger)
	}
	if o.sink == nil {
		if cfg.Audit.Path != "" {
			sink, err := audit.NewFileSink(cfg.Audit.Path)
			if err != nil {
				return nil, err
			}
			o.sink = sink
		} else {
			o.sink = audit.NopSink{}
		}
	}

	pool, err := portpool.New(cfg.Ports.Start, cfg.Ports.End, logger)
	if err != nil {
		return nil, err
	}

	px := proxy.New(cfg.Session.SendTimeout(), cfg.Session.ReceiveTimeout(), logger)

	orch := &Orchestrator{
		cfg:          cfg,
		logger:       logger,
		pool:         pool,
		registry:     registry.New(cfg.Session.MaxSessionsPerOwner, logger),
		proxy:        px,
		audit:        o.sink,
		auditExclude: cfg.Audit.ExcludedCommands(),
	}

	orch.supervisor = worker.NewSupervisor(pool, o.spawner, px.Ping, worker.Config{
		ReadyTimeout: cfg.Session.ReadyTimeout(),
		StopGrace:    cfg.Session.StopGrace(),
	}, logger)
	orch.supervisor.SetOnExit(orch.handleWorkerExit)

	orch.sweeper = sweeper.New(orch.registry,
		cfg.Session.IdleTimeout(),
		cfg.Session.SweepInterval(),
		orch.sweepTeardown,
		logger)

	return orch, nil
}

// Start begins the idle sweep loop.
func (o *Orchestrator) Start() {
	o.sweeper.Start()
}

// StartSession allocates a port, spawns a worker for owner, and activates the
// session once the worker answers its readiness probe.
func (o *Orchestrator) StartSession(ctx context.Context, owner string) (registry.Snapshot, error) {
	// The flag check and table insert hold one lock so a new session is
	// either rejected or already visible to Shutdown's drain loop; a session
	// can never be admitted after Shutdown has decided the table is empty.
	o.mu.Lock()
	if o.shuttingDown {
		o.mu.Unlock()
		return registry.Snapshot{}, errors.NewSessionError("start rejected", errors.ErrShuttingDown)
	}
	sess, err := o.registry.Create(owner)
	o.mu.Unlock()
	if err != nil {
		return registry.Snapshot{}, err
	}

	handle, err := o.supervisor.Start(ctx, sess.ID())
	if err != nil {
		o.registry.Fail(sess.ID())
		o.emit(audit.Event{
			SessionID: sess.ID(),
			Owner:     owner,
			EventType: audit.EventCreate,
			Timestamp: time.Now(),
			Outcome:   "failed",
		})
		return registry.Snapshot{}, err
	}

	if err := o.registry.Activate(sess.ID(), handle); err != nil {
		// The session vanished between Create and Activate; only Shutdown
		// does that, and it will not have seen this handle. Reclaim it.
		_ = o.supervisor.Stop(handle)
		return registry.Snapshot{}, err
	}

	o.emit(audit.Event{
		SessionID: sess.ID(),
		Owner:     owner,
		EventType: audit.EventCreate,
		Timestamp: time.Now(),
		Outcome:   "ok",
	})

	o.logger.Info("session started",
		"session_id", sess.ID(),
		"owner", owner,
		"port", handle.Port())
	return sess.Snapshot(), nil
}

// EndSession explicitly tears down a session owned by owner. Ending a session
// that is already on its way down is a no-op.
func (o *Orchestrator) EndSession(owner, id string) error {
	sess, err := o.registry.GetOwned(id, owner)
	if err != nil {
		return err
	}

	handle, ok := o.registry.BeginTermination(sess.ID())
	if !ok {
		if sess.State() == registry.StateStarting {
			// The worker is mid-handshake and will come up live; refusing is
			// better than a success that leaves the session running.
			return errors.NewSessionError("end rejected while starting", errors.ErrSessionNotActive).WithSession(id)
		}
		// Another teardown path already claimed the session; nothing left
		// for this caller to do.
		return nil
	}

	o.teardown(sess.ID(), handle, audit.EventDestroy, "ok")
	return nil
}

// SendCommand forwards one command to the session's worker and returns the
// worker's reply. Transport failures come back as structured failure replies,
// not errors; errors are reserved for lookup and state problems.
func (o *Orchestrator) SendCommand(ctx context.Context, owner, id string, req protocol.Request) (protocol.Reply, error) {
	sess, err := o.registry.GetOwned(id, owner)
	if err != nil {
		return protocol.Reply{}, err
	}

	// Lock-step channel: block until any in-flight command on this session
	// completes, then re-check state since a teardown may have won meanwhile.
	sess.SendLock()
	defer sess.SendUnlock()

	if sess.State() != registry.StateActive {
		return protocol.Reply{}, errors.NewSessionError("send", errors.ErrSessionNotActive).WithSession(id)
	}

	reply, sendErr := o.proxy.Send(ctx, sess.Port(), req)

	if sendErr != nil && errors.Is(sendErr, errors.ErrWorkerCrashed) {
		// The connection failed outright; assume the worker died and drive
		// the session toward its terminal state. The check-and-set makes
		// this a no-op if the supervisor's exit watcher got there first.
		o.handleWorkerExit(id)
	}

	if sendErr == nil && reply.Success && !protocol.IsProbe(req.Command) {
		o.registry.Touch(id)
	}

	if !o.auditExclude[req.Command] {
		outcome := "ok"
		if !reply.Success {
			outcome = "failed"
		}
		o.emit(audit.Event{
			SessionID: id,
			Owner:     owner,
			EventType: audit.EventCommand,
			Timestamp: time.Now(),
			Outcome:   outcome,
			Command:   req.Command,
		})
	}

	return reply, nil
}

// ListSessions returns session snapshots, filtered to owner when non-empty.
func (o *Orchestrator) ListSessions(owner string) []registry.Snapshot {
	return o.registry.List(owner)
}

// MemoryUsage samples the resident set size of a session's worker, in bytes.
func (o *Orchestrator) MemoryUsage(owner, id string) (uint64, error) {
	sess, err := o.registry.GetOwned(id, owner)
	if err != nil {
		return 0, err
	}
	handle := sess.Handle()
	if handle == nil {
		return 0, errors.NewSessionError("memory usage", errors.ErrSessionNotActive).WithSession(id)
	}
	return worker.MemoryUsage(handle)
}

// PortStatus returns a snapshot of the port pool partition.
func (o *Orchestrator) PortStatus() portpool.Status {
	return o.pool.Status()
}

// Shutdown stops the sweeper and tears down every live session, releasing
// every port, before returning. This is a hard invariant: Shutdown only
// returns early if ctx expires, and then reports the leak.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.shuttingDown = true
	o.mu.Unlock()

	if err := o.sweeper.Stop(ctx); err != nil {
		return err
	}

	for {
		ids := o.registry.LiveIDs()
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if handle, ok := o.registry.BeginTermination(id); ok {
				o.teardown(id, handle, audit.EventDestroy, "shutdown")
			}
			// Sessions still Starting resolve to Active or Terminated on
			// their own; the next pass picks them up.
		}

		select {
		case <-ctx.Done():
			o.logger.Error("shutdown deadline hit with sessions remaining",
				"remaining", len(o.registry.LiveIDs()))
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	if err := o.audit.Close(); err != nil {
		o.logger.Warn("audit sink close failed", "error", err.Error())
	}

	status := o.pool.Status()
	if status.Free != status.Total {
		o.logger.Error("ports still allocated after shutdown",
			"allocated", status.Allocated)
		return errors.New("port pool not fully released at shutdown")
	}

	o.logger.Info("orchestrator shut down cleanly")
	return nil
}

// handleWorkerExit drives a session whose worker died to its terminal state.
// Invoked by the supervisor's exit watcher and by crash classification on the
// send path; the check-and-set guarantees only one invocation tears down.
func (o *Orchestrator) handleWorkerExit(id string) {
	handle, ok := o.registry.BeginTermination(id)
	if !ok {
		return
	}
	o.logger.Warn("tearing down session after worker death", "session_id", id)
	o.teardown(id, handle, audit.EventDestroy, "crashed")
}

// sweepTeardown completes a teardown claimed by the idle sweeper.
func (o *Orchestrator) sweepTeardown(id string, handle *worker.Handle) {
	o.teardown(id, handle, audit.EventIdleTimeout, "ok")
}

// teardown finishes a claimed termination: stop the worker (which releases
// the port on every path), mark the session terminated, and emit audit.
func (o *Orchestrator) teardown(id string, handle *worker.Handle, eventType, outcome string) {
	if err := o.supervisor.Stop(handle); err != nil {
		o.logger.Error("worker stop failed", "session_id", id, "error", err.Error())
	}

	snap, ok := o.registry.Complete(id)
	if !ok {
		o.logger.Warn("session missing at teardown completion", "session_id", id)
		return
	}

	o.emit(audit.Event{
		SessionID: snap.ID,
		Owner:     snap.Owner,
		EventType: eventType,
		Timestamp: time.Now(),
		Outcome:   outcome,
	})

	o.logger.Info("session ended",
		"session_id", id,
		"event", eventType,
		"outcome", outcome)
}

// emit sends an audit event, logging and dropping failures. Audit is
// observability only; the orchestrator's correctness never depends on it.
func (o *Orchestrator) emit(ev audit.Event) {
	if err := o.audit.Emit(ev); err != nil {
		o.logger.Warn("audit emission failed",
			"event_type", ev.EventType,
			"error", err.Error())
	}
}
