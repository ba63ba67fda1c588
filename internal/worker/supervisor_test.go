package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/portpool"
)

// fakeProcess is a controllable Process. Its termination behavior is
// configured per test: honoring the terminate signal, ignoring it until a
// forced kill, or exiting on its own via exit().
type fakeProcess struct {
	ignoreTerminate bool

	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func (p *fakeProcess) Terminate() error {
	if p.ignoreTerminate {
		return nil
	}
	p.exit()
	return nil
}

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// fakeSpawner hands out fakeProcesses and records them by port.
type fakeSpawner struct {
	spawnErr        error
	ignoreTerminate bool

	mu    sync.Mutex
	procs map[int]*fakeProcess
}

func newFakeSpawner() *fakeSpawner {
	return &fakeSpawner{procs: make(map[int]*fakeProcess)}
}

func (s *fakeSpawner) Spawn(port int) (Process, error) {
	if s.spawnErr != nil {
		return nil, s.spawnErr
	}
	p := newFakeProcess()
	p.ignoreTerminate = s.ignoreTerminate
	s.mu.Lock()
	s.procs[port] = p
	s.mu.Unlock()
	return p, nil
}

func (s *fakeSpawner) proc(port int) *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[port]
}

func testPool(t *testing.T) *portpool.Pool {
	t.Helper()
	pool, err := portpool.New(6560, 6562, nil)
	if err != nil {
		t.Fatal(err)
	}
	return pool
}

func testConfig() Config {
	return Config{
		ReadyTimeout: 500 * time.Millisecond,
		StopGrace:    50 * time.Millisecond,
		ProbeTimeout: 20 * time.Millisecond,
	}
}

func readyProbe(ctx context.Context, port int, timeout time.Duration) error { return nil }

func neverReadyProbe(ctx context.Context, port int, timeout time.Duration) error {
	return fmt.Errorf("not ready")
}

func TestStart_Success(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Start() = %v", err)
	}
	defer sup.Stop(h)

	if h.SessionID() != "sess-1" {
		t.Errorf("SessionID() = %q, want sess-1", h.SessionID())
	}
	if h.Port() < 6560 || h.Port() > 6562 {
		t.Errorf("Port() = %d, outside pool range", h.Port())
	}
	if pool.FreeCount() != 2 {
		t.Errorf("FreeCount() = %d, want 2 while worker is live", pool.FreeCount())
	}
}

func TestStart_SpawnFailureReleasesPort(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	spawner.spawnErr = fmt.Errorf("exec: not found")
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	_, err := sup.Start(context.Background(), "sess-1")
	if !errors.Is(err, errors.ErrWorkerSpawnFailed) {
		t.Errorf("Start() = %v, want ErrWorkerSpawnFailed", err)
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after spawn failure, want 3", pool.FreeCount())
	}
}

func TestStart_ReadyTimeoutKillsAndReleases(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, neverReadyProbe, testConfig(), nil)

	_, err := sup.Start(context.Background(), "sess-1")
	if !errors.Is(err, errors.ErrWorkerStartTimeout) {
		t.Fatalf("Start() = %v, want ErrWorkerStartTimeout", err)
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after ready timeout, want 3", pool.FreeCount())
	}

	proc := spawner.proc(6560)
	if proc == nil {
		t.Fatal("no process was spawned")
	}
	select {
	case <-proc.Done():
	default:
		t.Error("process that never became ready was not killed")
	}
}

func TestStart_ParentCancellationIsNotATimeout(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, neverReadyProbe, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sup.Start(ctx, "sess-1")
	if err == nil {
		t.Fatal("Start() with a cancelled context should fail")
	}
	if errors.Is(err, errors.ErrWorkerStartTimeout) {
		t.Error("cancellation was reported as a readiness timeout")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Start() error = %v, want it to wrap context.Canceled", err)
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after cancelled start, want 3", pool.FreeCount())
	}
}

func TestStart_EarlyExitReleases(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()

	// Probe that kills the process on first contact, simulating a worker that
	// crashes during startup.
	probe := func(ctx context.Context, port int, timeout time.Duration) error {
		spawner.proc(port).exit()
		return fmt.Errorf("connection refused")
	}
	sup := NewSupervisor(pool, spawner, probe, testConfig(), nil)

	_, err := sup.Start(context.Background(), "sess-1")
	if !errors.Is(err, errors.ErrWorkerSpawnFailed) {
		t.Errorf("Start() = %v, want ErrWorkerSpawnFailed", err)
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after early exit, want 3", pool.FreeCount())
	}
}

func TestStop_GracefulReleasesPort(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Stop(h); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after stop, want 3", pool.FreeCount())
	}
}

func TestStop_EscalatesToKill(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	spawner.ignoreTerminate = true
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := sup.Stop(h); err != nil {
		t.Errorf("Stop() = %v", err)
	}
	if elapsed := time.Since(start); elapsed < testConfig().StopGrace {
		t.Errorf("Stop() returned in %v, before the grace period elapsed", elapsed)
	}

	proc := spawner.proc(h.Port())
	select {
	case <-proc.Done():
	default:
		t.Error("terminate-ignoring process was not killed")
	}
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after escalated stop, want 3", pool.FreeCount())
	}
}

func TestStop_Idempotent(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := sup.Stop(h); err != nil {
		t.Fatal(err)
	}
	if err := sup.Stop(h); err != nil {
		t.Errorf("second Stop() = %v, want nil", err)
	}
	if err := sup.Stop(nil); err != nil {
		t.Errorf("Stop(nil) = %v, want nil", err)
	}

	// A double stop must not double-release the port.
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after double stop, want 3", pool.FreeCount())
	}
}

func TestWatch_ReportsUnexpectedExit(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	exited := make(chan string, 1)
	sup.SetOnExit(func(sessionID string) { exited <- sessionID })

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}

	spawner.proc(h.Port()).exit()

	select {
	case id := <-exited:
		if id != "sess-1" {
			t.Errorf("onExit session = %q, want sess-1", id)
		}
	case <-time.After(time.Second):
		t.Fatal("onExit was not invoked for an unexpected exit")
	}

	// The exit callback does not release the port; that is the teardown
	// path's job via Stop.
	sup.Stop(h)
	if pool.FreeCount() != 3 {
		t.Errorf("FreeCount() = %d after crash teardown, want 3", pool.FreeCount())
	}
}

func TestWatch_SuppressedAfterStop(t *testing.T) {
	pool := testPool(t)
	spawner := newFakeSpawner()
	sup := NewSupervisor(pool, spawner, readyProbe, testConfig(), nil)

	exited := make(chan string, 1)
	sup.SetOnExit(func(sessionID string) { exited <- sessionID })

	h, err := sup.Start(context.Background(), "sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := sup.Stop(h); err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-exited:
		t.Errorf("onExit fired for deliberate stop of %q", id)
	case <-time.After(100 * time.Millisecond):
	}
}
