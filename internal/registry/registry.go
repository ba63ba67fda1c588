// Package registry maintains the in-memory table of sessions and their
// lifecycle state machine.
//
// States move Starting → Active → Terminating → Terminated; a failed Starting
// drops straight to Terminated. The Active → Terminating edge is a
// check-and-set so that an explicit end, an idle-timeout expiry, and a crash
// detection racing on the same session produce exactly one teardown.
//
// All table mutation happens under one coarse mutex; operations are
// O(1)–O(session count) and contention is light. The only per-session lock is
// the send mutex, which serializes proxied commands because the worker channel
// is lock-step.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/worker"
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateStarting means a start request was accepted and the worker spawn
	// is in progress.
	StateStarting State = iota

	// StateActive means the worker answered its readiness probe and the
	// session accepts commands.
	StateActive

	// StateTerminating means a teardown path has claimed the session.
	StateTerminating

	// StateTerminated is terminal; the session's port has been returned to
	// the pool.
	StateTerminated
)

// String returns a human-readable string for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is one live entry in the registry. Identity fields are immutable;
// everything else is guarded by the owning registry's mutex.
type Session struct {
	id    string
	owner string

	r            *Registry
	state        State
	handle       *worker.Handle
	port         int
	createdAt    time.Time
	lastActivity time.Time

	// sendMu serializes request/reply exchanges against this session's
	// worker. Held across the whole proxy round trip, never together with
	// the registry mutex.
	sendMu sync.Mutex
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Owner returns the identity the session belongs to.
func (s *Session) Owner() string { return s.owner }

// Port returns the worker port, or 0 before activation.
func (s *Session) Port() int {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.port
}

// Handle returns the worker process handle, or nil before activation.
func (s *Session) Handle() *worker.Handle {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.handle
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.state
}

// SendLock claims the session's lock-step channel. A second command against a
// session whose prior command is still in flight blocks here until the first
// round trip completes.
func (s *Session) SendLock() { s.sendMu.Lock() }

// SendUnlock releases the session's lock-step channel.
func (s *Session) SendUnlock() { s.sendMu.Unlock() }

// Snapshot is an immutable copy of a session's externally visible fields.
type Snapshot struct {
	ID           string    `json:"session_id"`
	Owner        string    `json:"owner"`
	Port         int       `json:"port"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Snapshot returns a copy of the session's current visible state.
func (s *Session) Snapshot() Snapshot {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	return Snapshot{
		ID:           s.id,
		Owner:        s.owner,
		Port:         s.port,
		State:        s.state.String(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// Registry is the in-memory session table.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	quota    int // max concurrent sessions per owner; 0 = unlimited
	logger   *logging.Logger
}

// New creates a registry enforcing the given per-owner quota (0 = unlimited).
func New(quota int, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Registry{
		sessions: make(map[string]*Session),
		quota:    quota,
		logger:   logger.WithComponent("registry"),
	}
}

// Create admits a new session in the Starting state, enforcing the per-owner
// quota before admission.
func (r *Registry) Create(owner string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.quota > 0 {
		count := 0
		for _, s := range r.sessions {
			if s.owner == owner {
				count++
			}
		}
		if count >= r.quota {
			return nil, errors.NewSessionError("start rejected", errors.ErrQuotaExceeded).WithOwner(owner)
		}
	}

	s := &Session{
		id:        uuid.NewString(),
		owner:     owner,
		r:         r,
		state:     StateStarting,
		createdAt: time.Now(),
	}
	r.sessions[s.id] = s

	r.logger.Debug("session created", "session_id", s.id, "owner", owner)
	return s, nil
}

// Activate transitions a session from Starting to Active once the supervisor
// has confirmed readiness.
func (r *Registry) Activate(id string, h *worker.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return errors.NewSessionError("activate", errors.ErrSessionNotFound).WithSession(id)
	}
	if s.state != StateStarting {
		return errors.NewSessionError("activate from "+s.state.String(), errors.ErrInvalidTransition).WithSession(id)
	}

	s.state = StateActive
	s.handle = h
	s.port = h.Port()
	s.lastActivity = time.Now()
	return nil
}

// Fail drops a session that never became Active straight to Terminated and
// removes it from the table. The supervisor has already reclaimed the port on
// this path.
func (r *Registry) Fail(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return
	}
	s.state = StateTerminated
	delete(r.sessions, id)

	r.logger.Debug("session failed during startup", "session_id", id)
}

// BeginTermination performs the atomic Active → Terminating transition.
// Exactly one of the racing teardown triggers (explicit end, idle sweep,
// crash detection) observes true; the others see the session already leaving
// Active and must no-op.
//
// The worker handle is returned to the winner for the supervisor stop path.
func (r *Registry) BeginTermination(id string) (*worker.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || s.state != StateActive {
		return nil, false
	}
	s.state = StateTerminating
	return s.handle, true
}

// Complete finishes a teardown: Terminating → Terminated, removing the
// session from the table. Returns the final snapshot for audit emission.
func (r *Registry) Complete(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return Snapshot{}, false
	}
	if s.state != StateTerminating {
		r.logger.Warn("complete on session not terminating",
			"session_id", id,
			"state", s.state.String())
		return Snapshot{}, false
	}

	s.state = StateTerminated
	snap := s.snapshotLocked()
	delete(r.sessions, id)

	r.logger.Debug("session terminated", "session_id", id)
	return snap, true
}

// Get returns the session with the given ID.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewSessionError("lookup", errors.ErrSessionNotFound).WithSession(id)
	}
	return s, nil
}

// GetOwned returns the session with the given ID if owner owns it.
func (r *Registry) GetOwned(id, owner string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NewSessionError("lookup", errors.ErrSessionNotFound).WithSession(id)
	}
	if s.owner != owner {
		return nil, errors.NewSessionError("lookup", errors.ErrOwnershipMismatch).
			WithSession(id).WithOwner(owner)
	}
	return s, nil
}

// Touch records activity on a session. Only successful domain commands should
// reach here; probes never do.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.lastActivity = time.Now()
	}
}

// List returns snapshots of all sessions, or only those belonging to owner
// when owner is non-empty.
func (r *Registry) List(owner string) []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		if owner != "" && s.owner != owner {
			continue
		}
		out = append(out, s.snapshotLocked())
	}
	return out
}

// ActiveIdleBefore returns the IDs of Active sessions whose last activity is
// older than cutoff. Used by the idle sweeper.
func (r *Registry) ActiveIdleBefore(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, s := range r.sessions {
		if s.state == StateActive && s.lastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// LiveIDs returns the IDs of every session still in the table, for shutdown
// teardown.
func (r *Registry) LiveIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}
