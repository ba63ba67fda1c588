package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// connTimeout bounds a single request/reply exchange on the worker side so a
// stalled client cannot pin the accept loop's worker goroutine forever.
const connTimeout = 10 * time.Minute

// Handler processes one decoded request and returns the single reply for it.
type Handler func(req Request) Reply

// Server is the worker-side endpoint: it binds a local TCP port and performs
// one request/reply exchange per accepted connection.
//
// The readiness probe is answered by the server itself, before the handler is
// consulted, so a worker is probeable as soon as the listener is bound.
type Server struct {
	handler Handler

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewServer creates a server that dispatches requests to handler.
func NewServer(handler Handler) *Server {
	return &Server{handler: handler}
}

// Listen binds the server to 127.0.0.1 on the given port. Port 0 picks an
// ephemeral port; use Port to discover it.
func (s *Server) Listen(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("failed to bind worker endpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		ln.Close()
		return errors.New("server already closed")
	}
	s.ln = ln
	return nil
}

// Port returns the bound port, or 0 if the server is not listening.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return 0
	}
	return s.ln.Addr().(*net.TCPAddr).Port
}

// Serve accepts connections until Close is called. Each connection carries
// exactly one exchange. Serve returns nil after a clean Close.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			return fmt.Errorf("accept failed: %w", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn performs the single request/reply exchange for one connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		_ = json.NewEncoder(conn).Encode(Fail("malformed request: %v", err))
		return
	}

	var reply Reply
	if req.Command == CommandPing {
		reply = OK(ReadyResult())
	} else {
		reply = s.handler(req)
	}

	_ = json.NewEncoder(conn).Encode(reply)
}

// Close stops the listener. In-flight exchanges are allowed to finish; their
// connections carry their own deadlines.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.ln != nil {
		return s.ln.Close()
	}
	return nil
}
