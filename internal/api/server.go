// Package api exposes the orchestrator over HTTP. It is a thin adapter: all
// session semantics live in the orchestrator, and this layer only maps
// requests, owners, and the error taxonomy onto HTTP.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/Iron-Ham/phoebed/internal/errors"
	"github.com/Iron-Ham/phoebed/internal/logging"
	"github.com/Iron-Ham/phoebed/internal/orchestrator"
	"github.com/Iron-Ham/phoebed/internal/protocol"
)

// ownerHeader lets an authenticating front proxy assert the caller identity.
// Without it the caller's IP is the owner, as in anonymous deployments.
const ownerHeader = "X-Phoebe-Owner"

// Server serves the phoebed HTTP API.
type Server struct {
	orch   *orchestrator.Orchestrator
	logger *logging.Logger
	http   *http.Server
}

// New creates an API server bound to addr.
func New(addr string, orch *orchestrator.Orchestrator, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	s := &Server{
		orch:   orch,
		logger: logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("POST /start-session", s.handleStartSession)
	mux.HandleFunc("POST /end-session/{id}", s.handleEndSession)
	mux.HandleFunc("POST /send/{id}", s.handleSend)
	mux.HandleFunc("GET /session-memory", s.handleMemoryAll)
	mux.HandleFunc("POST /session-memory/{id}", s.handleMemory)
	mux.HandleFunc("GET /port-status", s.handlePortStatus)

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// ListenAndServe runs the HTTP listener until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http api listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": len(s.orch.ListSessions("")),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.ListSessions(ownerFrom(r)))
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.StartSession(r.Context(), ownerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": snap.ID,
		"port":       snap.Port,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.EndSession(ownerFrom(r), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false,
			"error":   "malformed command: " + err.Error(),
		})
		return
	}

	reply, err := s.orch.SendCommand(r.Context(), ownerFrom(r), r.PathValue("id"), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

func (s *Server) handleMemoryAll(w http.ResponseWriter, r *http.Request) {
	owner := ownerFrom(r)
	usage := make(map[string]uint64)
	for _, snap := range s.orch.ListSessions(owner) {
		if used, err := s.orch.MemoryUsage(owner, snap.ID); err == nil {
			usage[snap.ID] = used
		}
	}
	writeJSON(w, http.StatusOK, usage)
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	used, err := s.orch.MemoryUsage(ownerFrom(r), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mem_used": used})
}

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.PortStatus())
}

// ownerFrom extracts the caller identity: asserted header first, then the
// first X-Forwarded-For hop, then the direct connection address.
func ownerFrom(r *http.Request) string {
	if owner := r.Header.Get(ownerHeader); owner != "" {
		return owner
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.Split(forwarded, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeError maps the error taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrOwnershipMismatch):
		status = http.StatusForbidden
	case errors.Is(err, errors.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, errors.ErrPoolExhausted), errors.Is(err, errors.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrSessionNotActive):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrWorkerStartTimeout), errors.Is(err, errors.ErrWorkerSpawnFailed):
		status = http.StatusBadGateway
	}

	msg := err.Error()
	if status == http.StatusInternalServerError && !errors.IsUserFacing(err) {
		msg = "internal error"
		s.logger.Error("request failed", "error", err.Error())
	}

	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
