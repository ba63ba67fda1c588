// Package audit emits session lifecycle and command events for external
// observability. Emission is fire-and-forget from the orchestrator's point of
// view: a sink failure is logged and dropped, never propagated, because the
// core's correctness must not depend on the audit trail.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event types emitted by the orchestrator.
const (
	EventCreate      = "create"
	EventDestroy     = "destroy"
	EventIdleTimeout = "idle_timeout"
	EventCommand     = "command"
)

// Event is one audit record.
type Event struct {
	SessionID string    `json:"session_id"`
	Owner     string    `json:"owner"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`
	// Command is set for EventCommand records.
	Command string `json:"command,omitempty"`
}

// Sink receives audit events. Implementations must be safe for concurrent
// use.
type Sink interface {
	Emit(ev Event) error
	Close() error
}

// FileSink appends events as JSON lines to a single file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{file: file, enc: json.NewEncoder(file)}, nil
}

// Emit appends one event record.
func (s *FileSink) Emit(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("audit sink closed")
	}
	return s.enc.Encode(ev)
}

// Close flushes and closes the audit log.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// NopSink discards all events. Used when auditing is disabled.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) error { return nil }

// Close is a no-op.
func (NopSink) Close() error { return nil }
