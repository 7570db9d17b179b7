package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AJDIGITALllc/worksie/pkg/registry"
	"github.com/AJDIGITALllc/worksie/pkg/structlog"
)

type apiServer struct {
	store     Store
	ctrl      *Controller
	queued    Dispatcher // nil when no command channel is configured
	logger    *structlog.Logger
	jwtSecret []byte

	opsMu        sync.Mutex
	opsFetchedAt time.Time
	opsPoints    []LatencyPoint
}

const opsCacheTTL = 30 * time.Second

type promoteRequest struct {
	ModelID      string   `json:"modelId"`
	RolloutRatio *float64 `json:"rolloutRatio,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Trigger      string   `json:"trigger,omitempty"` // "queue" (default) or "job"
}

type rollbackRequest struct {
	ToModelID string `json:"toModelId,omitempty"`
	Trigger   string `json:"trigger,omitempty"`
}

type registerRequest struct {
	ModelID string             `json:"modelId"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Notes   string             `json:"notes,omitempty"`
}

func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/v1/models/active", s.handleActiveModel)
	mux.HandleFunc("/v1/ops/summary", s.handleOpsSummary)
	mux.HandleFunc("/v1/admin/models", s.requireAdmin(s.handleRegister))
	mux.HandleFunc("/v1/admin/models/promote", s.requireAdmin(s.handlePromote))
	mux.HandleFunc("/v1/admin/models/rollback", s.requireAdmin(s.handleRollback))
	return mux
}

func (s *apiServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *apiServer) handleActiveModel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	active, err := s.store.ActiveModel(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, active.Snapshot())
}

func (s *apiServer) handleOpsSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.opsMu.Lock()
	if time.Since(s.opsFetchedAt) > opsCacheTTL {
		points, err := s.store.LatencySeries(r.Context(), 30*time.Minute)
		if err != nil {
			s.logger.Warn(r.Context(), "latency series fetch failed", structlog.Fields{"error": err.Error()})
		} else {
			s.opsPoints = points
			s.opsFetchedAt = time.Now()
		}
	}
	points := s.opsPoints
	s.opsMu.Unlock()

	summary := map[string]any{"p95": points}
	active, err := s.store.ActiveModel(r.Context())
	if err != nil {
		summary["model"] = map[string]string{"error": err.Error()}
	} else {
		summary["model"] = active
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *apiServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, "Missing modelId", http.StatusBadRequest)
		return
	}
	rec := &registry.ModelRecord{ID: req.ModelID, Metrics: req.Metrics, Notes: req.Notes}
	if err := s.store.RegisterModel(r.Context(), rec); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "modelId": req.ModelID})
}

func (s *apiServer) handlePromote(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.ModelID == "" {
		http.Error(w, "Missing modelId", http.StatusBadRequest)
		return
	}

	ratio := DefaultRolloutRatio
	if req.RolloutRatio != nil {
		ratio = registry.ClampRatio(*req.RolloutRatio)
	}
	requestedBy := callerSubject(r.Context())

	cmd := &Command{
		Action:       ActionPromote,
		ModelID:      req.ModelID,
		RolloutRatio: &ratio,
		RequestedBy:  requestedBy,
		Notes:        req.Notes,
	}

	if s.useQueue(req.Trigger) {
		if err := s.queued.Submit(r.Context(), cmd); err != nil {
			s.writeError(w, r, err)
			return
		}
		mTransitionsTotal.WithLabelValues("promote", "enqueued").Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "enqueued": true, "payload": cmd})
		return
	}

	result, warning, err := s.ctrl.Promote(r.Context(), req.ModelID, ratio, requestedBy, req.Notes)
	if err != nil {
		s.countTransition("promote", err)
		s.writeError(w, r, err)
		return
	}
	mTransitionsTotal.WithLabelValues("promote", "ok").Inc()
	resp := map[string]any{"ok": true, "result": result}
	if warning != "" {
		resp["warning"] = warning
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *apiServer) handleRollback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	requestedBy := callerSubject(r.Context())

	cmd := &Command{Action: ActionRollback, ToModelID: req.ToModelID, RequestedBy: requestedBy}

	if s.useQueue(req.Trigger) {
		if err := s.queued.Submit(r.Context(), cmd); err != nil {
			s.writeError(w, r, err)
			return
		}
		mTransitionsTotal.WithLabelValues("rollback", "enqueued").Inc()
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true, "enqueued": true, "payload": cmd})
		return
	}

	result, err := s.ctrl.Rollback(r.Context(), req.ToModelID, requestedBy)
	if err != nil {
		s.countTransition("rollback", err)
		s.writeError(w, r, err)
		return
	}
	mTransitionsTotal.WithLabelValues("rollback", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// useQueue selects the dispatch variant: the message channel unless the
// request asks for an in-process run or no channel is configured.
func (s *apiServer) useQueue(trigger string) bool {
	if s.queued == nil {
		return false
	}
	return trigger != "job"
}

func (s *apiServer) countTransition(kind string, err error) {
	var guardErr *registry.GuardError
	if errors.As(err, &guardErr) {
		mGuardRejections.Inc()
		mTransitionsTotal.WithLabelValues(kind, "guard_rejected").Inc()
		return
	}
	mTransitionsTotal.WithLabelValues(kind, "error").Inc()
}

// writeError maps the registry error taxonomy onto response codes. Retryable
// failures get codes that tell well-behaved callers to back off and retry.
func (s *apiServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var guardErr *registry.GuardError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.As(err, &guardErr):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, registry.ErrNoActiveModel), errors.Is(err, registry.ErrNoRollbackTarget):
		status = http.StatusConflict
	case errors.Is(err, registry.ErrStoreConflict):
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	case errors.Is(err, registry.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Error(r.Context(), "request failed", structlog.Fields{
		"path": r.URL.Path, "status": status, "error": err.Error(),
	})
	writeJSON(w, status, map[string]any{"ok": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type ctxKeySubject struct{}

func callerSubject(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeySubject{}).(string); ok {
		return v
	}
	return ""
}

// requireAdmin enforces the bearer-token admin guard. Tokens are HS256 JWTs
// signed with the shared control-plane secret and must carry isAdmin.
func (s *apiServer) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.jwtSecret) == 0 {
			http.Error(w, "admin API disabled: no auth secret configured", http.StatusForbidden)
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			http.Error(w, "Missing bearer token", http.StatusUnauthorized)
			return
		}
		claims := jwt.MapClaims{}
		parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		_, err := parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return s.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if isAdmin, _ := claims["isAdmin"].(bool); !isAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		sub, _ := claims["sub"].(string)
		if sub == "" {
			http.Error(w, "Token missing subject", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeySubject{}, sub)
		next(w, r.WithContext(ctx))
	}
}

// metricsMiddleware records request durations per path and status code.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		mRequestDuration.WithLabelValues(r.URL.Path, strconv.Itoa(sr.status)).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
