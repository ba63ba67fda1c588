// Package protocol defines the wire protocol spoken between the orchestrator
// and worker processes.
//
// A connection carries exactly one request/reply exchange: the client dials,
// writes one JSON object, reads one JSON object, and closes. Lock-step
// discipline (one outstanding request per session) is enforced by the caller.
//
// On the wire a request is a single JSON object whose "command" key names the
// command and whose remaining keys are the arguments:
//
//	{"command": "set_value", "twig": "teff@primary", "value": 6500}
//
// A reply is always of the form:
//
//	{"success": true, "result": ...}
//	{"success": false, "error": "...", "diagnostic": "..."}
package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandPing is the reserved readiness probe. A freshly spawned worker must
// answer it successfully before being considered usable, and workers answer it
// before consulting their own command tables.
const CommandPing = "ping"

// CommandStatus asks a worker for its runtime counters.
const CommandStatus = "status"

// probeCommands are status/metric-only commands. They never count as session
// activity.
var probeCommands = map[string]bool{
	CommandPing:    true,
	CommandStatus:  true,
	"memory_usage": true,
}

// IsProbe reports whether the named command is a status/metric-only probe
// rather than a domain command.
func IsProbe(command string) bool {
	return probeCommands[command]
}

// Request is a command envelope sent to a worker.
type Request struct {
	// Command names the operation the worker should perform.
	Command string
	// Args holds the command arguments, keyed by parameter name.
	Args map[string]any
}

// NewRequest creates a request for the named command.
func NewRequest(command string, args map[string]any) Request {
	return Request{Command: command, Args: args}
}

// PingRequest returns the reserved readiness probe request.
func PingRequest() Request {
	return Request{Command: CommandPing}
}

// MarshalJSON flattens the arguments beside the "command" key, matching the
// wire format workers expect.
func (r Request) MarshalJSON() ([]byte, error) {
	if r.Command == "" {
		return nil, fmt.Errorf("request has no command")
	}
	obj := make(map[string]any, len(r.Args)+1)
	for k, v := range r.Args {
		if k == "command" {
			continue
		}
		obj[k] = v
	}
	obj["command"] = r.Command
	return json.Marshal(obj)
}

// UnmarshalJSON extracts the "command" key and collects the remaining keys as
// arguments.
func (r *Request) UnmarshalJSON(data []byte) error {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	command, ok := obj["command"].(string)
	if !ok || command == "" {
		return fmt.Errorf("request is missing a command")
	}
	delete(obj, "command")
	r.Command = command
	r.Args = obj
	return nil
}

// Reply is the single response a worker sends for each request.
type Reply struct {
	Success    bool   `json:"success"`
	Result     any    `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// OK builds a successful reply carrying the given result.
func OK(result any) Reply {
	return Reply{Success: true, Result: result}
}

// Fail builds a failed reply with the given error message.
func Fail(format string, args ...any) Reply {
	return Reply{Success: false, Error: fmt.Sprintf(format, args...)}
}

// ReadyResult is the result payload a worker returns for the readiness probe.
func ReadyResult() map[string]any {
	return map[string]any{"status": "ready"}
}
