// Command phoebed-worker is the reference worker process for phoebed.
//
// It binds a request/reply endpoint on the port given by --port, answers the
// readiness probe as soon as the listener is up, and serves one reply per
// request over an in-memory parameter table. The real domain computation
// lives in purpose-built workers that speak the same protocol; this binary
// exists so the orchestrator can run and be exercised end to end.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Iron-Ham/phoebed/internal/protocol"
)

func main() {
	port := flag.Int("port", 0, "port to bind the request/reply endpoint on")
	flag.Parse()

	if *port == 0 {
		fmt.Fprintln(os.Stderr, "phoebed-worker: --port is required")
		os.Exit(2)
	}

	w := newWorker()
	srv := protocol.NewServer(w.handle)
	if err := srv.Listen(*port); err != nil {
		fmt.Fprintf(os.Stderr, "phoebed-worker: %v\n", err)
		os.Exit(1)
	}

	// Close the endpoint promptly on a termination signal so the port is
	// reclaimable as soon as process exit is observed.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		srv.Close()
	}()

	fmt.Printf("[phoebed-worker] running on port %d\n", *port)
	if err := srv.Serve(); err != nil {
		fmt.Fprintf(os.Stderr, "phoebed-worker: %v\n", err)
		os.Exit(1)
	}
}

// worker holds the in-memory parameter table and command counters.
type worker struct {
	mu       sync.Mutex
	values   map[string]any
	started  time.Time
	commands int
}

func newWorker() *worker {
	return &worker{
		values:  make(map[string]any),
		started: time.Now(),
	}
}

// handle dispatches one request. The readiness probe is answered by the
// protocol server before this is reached.
func (w *worker) handle(req protocol.Request) protocol.Reply {
	w.mu.Lock()
	w.commands++
	w.mu.Unlock()

	switch req.Command {
	case protocol.CommandStatus:
		return protocol.OK(w.status())
	case "get_value":
		return w.getValue(req)
	case "set_value":
		return w.setValue(req)
	case "list_values":
		return w.listValues()
	default:
		return protocol.Fail("unrecognized command %q", req.Command)
	}
}

func (w *worker) status() map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return map[string]any{
		"uptime_seconds": int(time.Since(w.started).Seconds()),
		"commands":       w.commands,
		"values":         len(w.values),
	}
}

func (w *worker) getValue(req protocol.Request) protocol.Reply {
	key, ok := req.Args["key"].(string)
	if !ok || key == "" {
		return protocol.Fail("get_value requires a key")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	value, ok := w.values[key]
	if !ok {
		return protocol.Fail("no value for key %q", key)
	}
	return protocol.OK(value)
}

func (w *worker) setValue(req protocol.Request) protocol.Reply {
	key, ok := req.Args["key"].(string)
	if !ok || key == "" {
		return protocol.Fail("set_value requires a key")
	}
	value, ok := req.Args["value"]
	if !ok {
		return protocol.Fail("set_value requires a value")
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.values[key] = value
	return protocol.OK(map[string]any{"key": key})
}

func (w *worker) listValues() protocol.Reply {
	w.mu.Lock()
	defer w.mu.Unlock()

	keys := make([]string, 0, len(w.values))
	for k := range w.values {
		keys = append(keys, k)
	}
	return protocol.OK(map[string]any{"keys": keys})
}
