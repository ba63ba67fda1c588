package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/portpool"
	"github.com/Iron-Ham/phoebed/internal/worker"
)

type stubProcess struct {
	done chan struct{}
}

func (p *stubProcess) PID() int         { return 4242 }
func (p *stubProcess) Terminate() error { return nil }
func (p *stubProcess) Kill() error      { return nil }

func (p *stubProcess) Done() <-chan struct{} { return p.done }

type stubSpawner struct{}

func (stubSpawner) Spawn(port int) (worker.Process, error) {
	return &stubProcess{done: make(chan struct{})}, nil
}

// handleFactory mints worker handles through a supervisor wired to stubs, so
// tests can activate sessions without real processes.
type handleFactory struct {
	sup *worker.Supervisor
}

func newHandleFactory(t *testing.T) *handleFactory {
	t.Helper()

	pool, err := portpool.New(6560, 6590, nil)
	if err != nil {
		t.Fatal(err)
	}
	probe := func(ctx context.Context, port int, timeout time.Duration) error { return nil }
	cfg := worker.Config{
		ReadyTimeout: time.Second,
		StopGrace:    50 * time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
	}
	return &handleFactory{sup: worker.NewSupervisor(pool, stubSpawner{}, probe, cfg, nil)}
}

func (f *handleFactory) handle(t *testing.T, sessionID string) *worker.Handle {
	t.Helper()

	h, err := f.sup.Start(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("factory Start() failed: %v", err)
	}
	t.Cleanup(func() { f.sup.Stop(h) })
	return h
}

func TestCreate_AssignsUniqueIDs(t *testing.T) {
	r := New(0, nil)

	a, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if a.ID() == b.ID() {
		t.Error("two sessions received the same ID")
	}
	if a.State() != StateStarting {
		t.Errorf("new session state = %v, want starting", a.State())
	}
}

func TestCreate_QuotaEnforced(t *testing.T) {
	r := New(2, nil)

	for i := 0; i < 2; i++ {
		if _, err := r.Create("10.0.0.1"); err != nil {
			t.Fatal(err)
		}
	}

	_, err := r.Create("10.0.0.1")
	if !errors.Is(err, errors.ErrQuotaExceeded) {
		t.Errorf("Create() over quota = %v, want ErrQuotaExceeded", err)
	}

	// A different owner is unaffected.
	if _, err := r.Create("10.0.0.2"); err != nil {
		t.Errorf("Create() for other owner = %v, want nil", err)
	}
}

func TestActivate_Lifecycle(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	h := f.handle(t, s.ID())

	if err := r.Activate(s.ID(), h); err != nil {
		t.Fatalf("Activate() = %v", err)
	}
	if s.State() != StateActive {
		t.Errorf("state = %v, want active", s.State())
	}
	if s.Port() != h.Port() {
		t.Errorf("Port() = %d, want %d", s.Port(), h.Port())
	}

	// Re-activating an active session is an invalid transition.
	if err := r.Activate(s.ID(), h); !errors.Is(err, errors.ErrInvalidTransition) {
		t.Errorf("second Activate() = %v, want ErrInvalidTransition", err)
	}
}

func TestActivate_UnknownSession(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	err := r.Activate("no-such-id", f.handle(t, "no-such-id"))
	if !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("Activate() = %v, want ErrSessionNotFound", err)
	}
}

func TestFail_RemovesStartingSession(t *testing.T) {
	r := New(1, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	r.Fail(s.ID())

	if _, err := r.Get(s.ID()); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("Get() after Fail = %v, want ErrSessionNotFound", err)
	}

	// The quota slot is freed by the removal.
	if _, err := r.Create("10.0.0.1"); err != nil {
		t.Errorf("Create() after Fail = %v, want nil", err)
	}
}

func TestBeginTermination_ExactlyOneWinner(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(s.ID(), f.handle(t, s.ID())); err != nil {
		t.Fatal(err)
	}

	// Race explicit end, idle sweep, and crash detection.
	var wg sync.WaitGroup
	wins := make(chan bool, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.BeginTermination(s.ID())
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for ok := range wins {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("%d teardown triggers won the transition, want exactly 1", winners)
	}
	if s.State() != StateTerminating {
		t.Errorf("state = %v, want terminating", s.State())
	}
}

func TestBeginTermination_NotActive(t *testing.T) {
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	// Starting sessions are not claimable.
	if _, ok := r.BeginTermination(s.ID()); ok {
		t.Error("BeginTermination on a starting session should not win")
	}
	if _, ok := r.BeginTermination("no-such-id"); ok {
		t.Error("BeginTermination on an unknown session should not win")
	}
}

func TestComplete_RemovesSession(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(s.ID(), f.handle(t, s.ID())); err != nil {
		t.Fatal(err)
	}
	if _, ok := r.BeginTermination(s.ID()); !ok {
		t.Fatal("BeginTermination should win on an active session")
	}

	snap, ok := r.Complete(s.ID())
	if !ok {
		t.Fatal("Complete() should succeed on a terminating session")
	}
	if snap.State != "terminated" {
		t.Errorf("snapshot state = %q, want terminated", snap.State)
	}
	if _, err := r.Get(s.ID()); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Error("session should be removed after Complete")
	}
}

func TestComplete_RequiresTerminating(t *testing.T) {
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r.Complete(s.ID()); ok {
		t.Error("Complete() on a starting session should fail")
	}
}

func TestGetOwned_OwnershipEnforced(t *testing.T) {
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := r.GetOwned(s.ID(), "10.0.0.1"); err != nil {
		t.Errorf("GetOwned() by owner = %v, want nil", err)
	}
	if _, err := r.GetOwned(s.ID(), "10.0.0.9"); !errors.Is(err, errors.ErrOwnershipMismatch) {
		t.Errorf("GetOwned() by stranger = %v, want ErrOwnershipMismatch", err)
	}
}

func TestList_FiltersByOwner(t *testing.T) {
	r := New(0, nil)

	for _, owner := range []string{"10.0.0.1", "10.0.0.1", "10.0.0.2"} {
		if _, err := r.Create(owner); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(r.List("")); got != 3 {
		t.Errorf("List(\"\") = %d sessions, want 3", got)
	}
	if got := len(r.List("10.0.0.1")); got != 2 {
		t.Errorf("List(owner) = %d sessions, want 2", got)
	}
	if got := len(r.List("10.0.0.9")); got != 0 {
		t.Errorf("List(stranger) = %d sessions, want 0", got)
	}
}

func TestActiveIdleBefore(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	idle, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(idle.ID(), f.handle(t, idle.ID())); err != nil {
		t.Fatal(err)
	}

	starting, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()

	fresh, err := r.Create("10.0.0.2")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(fresh.ID(), f.handle(t, fresh.ID())); err != nil {
		t.Fatal(err)
	}

	ids := r.ActiveIdleBefore(cutoff)
	if len(ids) != 1 || ids[0] != idle.ID() {
		t.Errorf("ActiveIdleBefore() = %v, want [%s]", ids, idle.ID())
	}
	_ = starting // Starting sessions are never swept.
}

func TestTouch_UpdatesLastActivity(t *testing.T) {
	f := newHandleFactory(t)
	r := New(0, nil)

	s, err := r.Create("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Activate(s.ID(), f.handle(t, s.ID())); err != nil {
		t.Fatal(err)
	}

	before := s.Snapshot().LastActivity
	time.Sleep(10 * time.Millisecond)
	r.Touch(s.ID())

	after := s.Snapshot().LastActivity
	if !after.After(before) {
		t.Errorf("LastActivity did not advance: before=%v after=%v", before, after)
	}
}
