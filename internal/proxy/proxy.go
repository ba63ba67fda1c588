// Package proxy implements the stateless request/reply client used to forward
// commands to worker endpoints.
//
// Each call opens a fresh connection for exactly one exchange and releases the
// connection on every exit path. Timeouts surface as structured failure
// replies rather than bare errors so callers can pass them straight through to
// the API surface; the accompanying error value classifies the failure for the
// registry's crash handling.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/protocol"
)

// Proxy performs one-round-trip exchanges with worker endpoints.
// It holds no connection or per-session state between calls.
type Proxy struct {
	sendTimeout time.Duration
	recvTimeout time.Duration
	logger      *logging.Logger
}

// New creates a proxy with the given send and receive timeouts.
func New(sendTimeout, recvTimeout time.Duration, logger *logging.Logger) *Proxy {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Proxy{
		sendTimeout: sendTimeout,
		recvTimeout: recvTimeout,
		logger:      logger.WithComponent("proxy"),
	}
}

// Send forwards one request to the worker on the given port and waits for its
// single reply.
//
// The returned reply is always usable. When the exchange fails at the
// transport level the reply is a structured failure and the error classifies
// the cause: ErrWorkerCommandTimeout for a send/receive deadline, or
// ErrWorkerCrashed when the connection is refused or drops mid-exchange.
func (p *Proxy) Send(ctx context.Context, port int, req protocol.Request) (protocol.Reply, error) {
	dialer := net.Dialer{Timeout: p.sendTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", workerAddr(port))
	if err != nil {
		return p.classify(port, req.Command, "dial", err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(p.sendTimeout)); err != nil {
		return p.classify(port, req.Command, "deadline", err)
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return p.classify(port, req.Command, "send", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(p.recvTimeout)); err != nil {
		return p.classify(port, req.Command, "deadline", err)
	}
	var reply protocol.Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return p.classify(port, req.Command, "receive", err)
	}

	return reply, nil
}

// Ping issues the readiness probe against the worker on the given port,
// bounded by timeout. It returns nil only when the worker answers the probe
// with a successful reply.
func (p *Proxy) Ping(ctx context.Context, port int, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", workerAddr(port))
	if err != nil {
		return fmt.Errorf("probe dial failed: %w", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("probe deadline failed: %w", err)
	}

	if err := json.NewEncoder(conn).Encode(protocol.PingRequest()); err != nil {
		return fmt.Errorf("probe send failed: %w", err)
	}
	var reply protocol.Reply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return fmt.Errorf("probe receive failed: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("probe rejected: %s", reply.Error)
	}
	return nil
}

// classify turns a transport error into a structured failure reply plus a
// taxonomy error for the caller's crash/timeout handling. Caller cancellation
// is neither a timeout nor a crash: the worker is presumed healthy.
func (p *Proxy) classify(port int, command, stage string, err error) (protocol.Reply, error) {
	if isTimeout(err) {
		p.logger.Warn("worker exchange timed out",
			"port", port,
			"command", command,
			"stage", stage)
		return protocol.Reply{Success: false, Error: "timed out"},
			errors.NewWorkerError("command "+stage+" timed out", errors.ErrWorkerCommandTimeout).WithPort(port)
	}

	if errors.Is(err, context.Canceled) {
		p.logger.Debug("worker exchange cancelled by caller",
			"port", port,
			"command", command,
			"stage", stage)
		return protocol.Reply{Success: false, Error: "request cancelled"},
			errors.NewWorkerError("command "+stage+" cancelled", context.Canceled).WithPort(port)
	}

	p.logger.Warn("worker exchange failed",
		"port", port,
		"command", command,
		"stage", stage,
		"error", err.Error())
	return protocol.Reply{Success: false, Error: "worker unavailable"},
		errors.NewWorkerError("command "+stage+" failed", errors.ErrWorkerCrashed).WithPort(port)
}

// isTimeout reports whether err is a deadline expiry at any layer.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// workerAddr returns the dial address for a worker endpoint. Workers only ever
// bind loopback.
func workerAddr(port int) string {
	return fmt.Sprintf("127.0.0.1:%d", port)
}
