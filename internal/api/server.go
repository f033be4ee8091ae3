// Package api implements the planner's HTTP API: conversation turns,
// plan generation, entity reads and writes, and introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/connwatch"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/invoke"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/router"
	"github.com/nugget/planwright/internal/store"
	"github.com/nugget/planwright/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// EntityStore is the plain CRUD path used next to the orchestrator.
type EntityStore interface {
	PutEntity(ctx context.Context, e store.Entity) (store.Entity, error)
	GetLatestEntity(ctx context.Context, ref store.EntityRef) (store.Entity, error)
	ListTurns(ctx context.Context, ref store.EntityRef) ([]store.Turn, error)
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	orch    *orchestrator.Orchestrator
	store   EntityStore
	router  *router.Router
	usage   *usage.Store
	health  *connwatch.Manager
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, st EntityStore, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address: address,
		port:    port,
		orch:    orch,
		store:   st,
		logger:  logger.With("component", "api"),
	}
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", address, port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		// Plan generation on the capable tier can take minutes.
		WriteTimeout: 5 * time.Minute,
	}
	return s
}

// SetRouter enables the router introspection endpoints.
func (s *Server) SetRouter(r *router.Router) { s.router = r }

// SetUsageStore enables the usage summary endpoint.
func (s *Server) SetUsageStore(u *usage.Store) { s.usage = u }

// SetHealth reports backend health on /health.
func (s *Server) SetHealth(m *connwatch.Manager) { s.health = m }

// SetEventBus enables the /v1/events stream and entity_updated events
// for direct edits.
func (s *Server) SetEventBus(b *events.Bus) { s.bus = b }

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	for _, kind := range []store.Kind{store.KindTask, store.KindProject} {
		base := "/v1/" + string(kind) + "s/{id}"
		mux.HandleFunc("POST "+base+"/turns", s.withRef(kind, s.handleSubmitTurn))
		mux.HandleFunc("GET "+base+"/turns", s.withRef(kind, s.handleListTurns))
		mux.HandleFunc("GET "+base, s.withRef(kind, s.handleGetEntity))
		mux.HandleFunc("PUT "+base, s.withRef(kind, s.handlePutEntity))
	}
	mux.HandleFunc("POST /v1/tasks/{id}/plan", s.withRef(store.KindTask, s.handleGeneratePlan))

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/router/explain/{requestId}", s.handleRouterExplain)

	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start() error {
	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. Event streams are hijacked
// connections and end when their clients disconnect.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withRef resolves the {id} path value into an entity reference.
func (s *Server) withRef(kind store.Kind, h func(http.ResponseWriter, *http.Request, store.EntityRef)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if id == "" {
			s.errorResponse(w, http.StatusBadRequest, "id required")
			return
		}
		h(w, r, store.EntityRef{Kind: kind, ID: id})
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var (
		invErr *invoke.InvocationError
		outErr *invoke.OutputError
	)
	switch {
	case errors.Is(err, orchestrator.ErrCycleInFlight), errors.Is(err, store.ErrDuplicateTurn):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNoPlan),
		errors.Is(err, store.ErrUnknownField),
		errors.Is(err, store.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrAbandoned):
		return http.StatusRequestTimeout
	case errors.As(err, &invErr), errors.As(err, &outErr):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

// TurnRequest is the body of POST /v1/{kind}s/{id}/turns.
type TurnRequest struct {
	TurnID string   `json:"turn_id,omitempty"`
	Text   string   `json:"text"`
	Media  []string `json:"media,omitempty"`
}

// Parts converts the request into turn parts, text first.
func (t TurnRequest) Parts() []store.Part {
	var parts []store.Part
	if t.Text != "" {
		parts = append(parts, store.Part{Text: t.Text})
	}
	for _, m := range t.Media {
		if m != "" {
			parts = append(parts, store.Part{Media: m})
		}
	}
	return parts
}

func (s *Server) handleSubmitTurn(w http.ResponseWriter, r *http.Request, ref store.EntityRef) {
	var req TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	parts := req.Parts()
	if len(parts) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "text or media required")
		return
	}

	var opts []orchestrator.SubmitOption
	if req.TurnID != "" {
		opts = append(opts, orchestrator.WithTurnID(req.TurnID))
	}

	res, err := s.orch.SubmitUserTurn(r.Context(), ref, parts, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if res.Suggestions == nil {
		res.Suggestions = []orchestrator.PendingSuggestion{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleGeneratePlan(w http.ResponseWriter, r *http.Request, ref store.EntityRef) {
	artifact, err := s.orch.GeneratePlan(r.Context(), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, artifact, s.logger)
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request, ref store.EntityRef) {
	if _, err := s.store.GetLatestEntity(r.Context(), ref); err != nil {
		s.fail(w, r, err)
		return
	}
	turns, err := s.store.ListTurns(r.Context(), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(turns) {
		turns = turns[len(turns)-limit:]
	}
	if turns == nil {
		turns = []store.Turn{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(turns),
		"turns": turns,
	}, s.logger)
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request, ref store.EntityRef) {
	e, err := s.store.GetLatestEntity(r.Context(), ref)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, e, s.logger)
}

// EntityRequest is the body of PUT /v1/{kind}s/{id}.
type EntityRequest struct {
	ProjectID string         `json:"project_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request, ref store.EntityRef) {
	var req EntityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, err := s.store.PutEntity(r.Context(), store.Entity{Ref: ref, ProjectID: req.ProjectID, Fields: req.Fields})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.bus.Emit(events.SourceAPI, events.KindEntityUpdated, ref.String(), map[string]any{
		"version": e.Version,
		"cause":   "edit",
	})

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, e, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var backends map[string]connwatch.Status
	if s.health != nil {
		backends = s.health.Status()
		if !s.health.Healthy() {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":   status,
		"backends": backends,
	}, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decisions := s.router.GetAuditLog(parseIntParam(r, "limit", 20))
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.router.Explain(r.PathValue("requestId"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, decision, s.logger)
}

// handleUsageSummary reports totals over the last ?hours (default 24),
// optionally grouped by model, tier, call_site or entity.
func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage tracking not configured")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)
	ctx := r.Context()

	total, err := s.usage.Summary(ctx, start, end)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := map[string]any{
		"start": start.UTC(),
		"end":   end.UTC(),
		"total": total,
	}

	groupBy := r.URL.Query().Get("group_by")
	if groupBy != "" {
		var groups map[string]*usage.Summary
		switch groupBy {
		case "model":
			groups, err = s.usage.SummaryByModel(ctx, start, end)
		case "tier":
			groups, err = s.usage.SummaryByTier(ctx, start, end)
		case "call_site":
			groups, err = s.usage.SummaryByCallSite(ctx, start, end)
		case "entity":
			groups, err = s.usage.SummaryByEntity(ctx, start, end)
		default:
			s.errorResponse(w, http.StatusBadRequest, "group_by must be model, tier, call_site or entity")
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out["group_by"] = groupBy
		out["groups"] = groups
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, out, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
