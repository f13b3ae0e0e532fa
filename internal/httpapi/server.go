// Package httpapi exposes the ledger query/verify/stats surface, the
// registry CRUD surface, and per-gateway tool dispatch as a thin HTTP API,
// the way the teacher's ACP control server exposes agent management: a
// handful of JSON endpoints over one router, no governance logic of its own.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/agentgate/internal/audit"
	"github.com/bdobrica/agentgate/internal/broker"
	"github.com/bdobrica/agentgate/internal/registry"
)

// Handlers bundles the components this surface delegates to. Any may be
// nil, in which case the endpoints touching it answer 503.
type Handlers struct {
	Chain    *audit.Chain
	Registry *registry.Registry
	Spawner  *registry.Spawner
	Pool     *broker.GatewayPool
}

// Server is the gateway's HTTP control surface.
type Server struct {
	addr     string
	handlers Handlers
	server   *http.Server
}

// New builds a Server listening on addr.
func New(addr string, h Handlers) *Server {
	s := &Server{addr: addr, handlers: h}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1/ledger", func(r chi.Router) {
		r.Get("/query", s.handleLedgerQuery)
		r.Get("/verify", s.handleLedgerVerify)
		r.Get("/stats", s.handleLedgerStats)
	})

	r.Route("/v1/gateways/{gatewayID}/tools", func(r chi.Router) {
		r.Post("/call", s.handleToolCall)
		r.Post("/resolve", s.handleToolResolve)
	})

	r.Route("/v1/agents", func(r chi.Router) {
		r.Get("/", s.handleAgentList)
		r.Post("/", s.handleAgentCreate)
		r.Route("/{agentID}", func(r chi.Router) {
			r.Get("/", s.handleAgentGet)
			r.Put("/", s.handleAgentUpdate)
			r.Delete("/", s.handleAgentDelete)
			r.Post("/rollback", s.handleAgentRollback)
			r.Get("/spawn-payload", s.handleSpawnPayload)
			r.Post("/spawn", s.handleSpawn)
		})
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listen %s: %w", s.addr, err)
	}
	slog.Info("httpapi: listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("httpapi: server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Handler exposes the underlying router so it can be mounted under another
// mux (e.g. alongside the wire-protocol proxy in cmd/gatewayd) instead of
// bound to its own listener via Start.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// TestHandler exposes the underlying router for tests that want to drive it
// through httptest.Server without binding a real listener.
func (s *Server) TestHandler() http.Handler {
	return s.Handler()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- ledger ---

func (s *Server) handleLedgerQuery(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Chain == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	q := r.URL.Query()
	filter := audit.QueryFilter{
		GatewayID: q.Get("gatewayId"),
		EventType: audit.EventType(q.Get("eventType")),
		Tool:      q.Get("tool"),
	}
	limit, _ := strconv.Atoi(q.Get("limit"))

	entries, err := s.handlers.Chain.Query(r.Context(), filter, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Chain == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	result, err := s.handlers.Chain.Verify(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLedgerStats(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Chain == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger not available")
		return
	}
	stats, err := s.handlers.Chain.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- tool dispatch ---

type toolCallRequest struct {
	SessionID    string         `json:"sessionId"`
	Tool         string         `json:"tool"`
	Arguments    map[string]any `json:"arguments"`
	Persona      string         `json:"persona"`
	Role         string         `json:"role"`
	Reasoning    string         `json:"reasoning"`
	SkipApproval bool           `json:"skipApproval"`
}

// handleToolCall is the governed entrypoint into the tool-broker's dispatch
// pipeline: audit, policy decision, then deny/park/dispatch. Routed per
// gateway so a process hosting several tool-server brokers can address
// each one independently.
func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "tool broker not available")
		return
	}
	b, ok := s.handlers.Pool.Get(chi.URLParam(r, "gatewayID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	resp, err := b.CallForSession(r.Context(), req.SessionID, req.Tool, req.Arguments, req.Persona, req.Role, req.Reasoning, req.SkipApproval)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type toolResolveRequest struct {
	AuditID  string `json:"auditId"`
	Approver string `json:"approver"`
	Approved bool   `json:"approved"`
}

// handleToolResolve applies an approver's decision to a parked pending call.
func (s *Server) handleToolResolve(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Pool == nil {
		writeError(w, http.StatusServiceUnavailable, "tool broker not available")
		return
	}
	b, ok := s.handlers.Pool.Get(chi.URLParam(r, "gatewayID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown gateway")
		return
	}
	var req toolResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	resp, err := b.Resolve(r.Context(), req.AuditID, req.Approver, req.Approved)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeBrokerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrApprovalNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, broker.ErrSessionRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, broker.ErrBrokerDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// --- registry ---

type createAgentRequest struct {
	Name                  string               `json:"name"`
	Description           string               `json:"description"`
	Persona               []registry.PersonaFile `json:"persona"`
	AllowedTools          []string             `json:"allowedTools"`
	MaxConcurrentSessions int                  `json:"maxConcurrentSessions"`
	CreatedBy             string               `json:"createdBy"`
	CommitMessage         string               `json:"commitMessage"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	agent, err := s.handlers.Registry.Create(r.Context(), req.Name, req.Description, req.Persona, req.AllowedTools, req.MaxConcurrentSessions, req.CreatedBy, req.CommitMessage)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	agent, err := s.handlers.Registry.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	agents, err := s.handlers.Registry.List(r.Context(), limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

type updateAgentRequest struct {
	Persona       []registry.PersonaFile `json:"persona"`
	CreatedBy     string                 `json:"createdBy"`
	CommitMessage string                 `json:"commitMessage"`
}

func (s *Server) handleAgentUpdate(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	var req updateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	agent, versioned, err := s.handlers.Registry.Update(r.Context(), chi.URLParam(r, "agentID"), req.Persona, req.CreatedBy, req.CommitMessage)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agent": agent, "newVersion": versioned})
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	if err := s.handlers.Registry.Delete(r.Context(), chi.URLParam(r, "agentID")); err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rollbackRequest struct {
	TargetVersion int    `json:"targetVersion"`
	CreatedBy     string `json:"createdBy"`
}

func (s *Server) handleAgentRollback(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	agent, err := s.handlers.Registry.Rollback(r.Context(), chi.URLParam(r, "agentID"), req.TargetVersion, req.CreatedBy)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleSpawnPayload(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Registry == nil {
		writeError(w, http.StatusServiceUnavailable, "registry not available")
		return
	}
	var version *int
	if v := r.URL.Query().Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid version")
			return
		}
		version = &n
	}
	payload, err := s.handlers.Registry.GetSpawnPayload(r.Context(), chi.URLParam(r, "agentID"), version)
	if err != nil {
		writeNotFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type spawnRequest struct {
	Version           *int   `json:"version"`
	Task              string `json:"task"`
	RunTimeoutSeconds int    `json:"runTimeoutSeconds"`
	Model             string `json:"model"`
	SpawnedBy         string `json:"spawnedBy"`
}

func (s *Server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	if s.handlers.Spawner == nil {
		writeError(w, http.StatusServiceUnavailable, "spawner not available")
		return
	}
	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	sessionID, err := s.handlers.Spawner.Spawn(r.Context(), chi.URLParam(r, "agentID"), req.Version, req.Task, req.RunTimeoutSeconds, req.Model, req.SpawnedBy)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeNotFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
