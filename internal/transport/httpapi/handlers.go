package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"tickwheel/internal/services/delay"
	"tickwheel/internal/storage"
	"tickwheel/internal/task/engine"
	"tickwheel/internal/timewheel"
	logx "tickwheel/pkg/logx"
)

// Scheduler is what the API needs from the delay service.
type Scheduler interface {
	SubmitPrint(ctx context.Context, key, description string, delaySeconds int) error
	Schedule(ctx context.Context, req delay.Request) error
	Pending(key string) bool
	Status() timewheel.Snapshot
}

type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]storage.Record, error)
}

type EngineStatus interface {
	Snapshot() engine.Snapshot
}

// DropCounter reports event bus backpressure.
type DropCounter interface {
	Dropped() uint64
}

// Deps are the collaborators behind the routes. Only Scheduler is required.
type Deps struct {
	Scheduler Scheduler
	History   HistoryReader
	Engine    EngineStatus
	Events    DropCounter
}

// printRequest is the legacy body of POST /timeWheel/print.
type printRequest struct {
	Key          string `json:"key"`
	PrintCommand string `json:"printCommand"`
	Delay        int    `json:"delay"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Handler returns the route set for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()
	return s.handler(cur)
}

func (s *Service) handler(cfg Config) http.Handler {
	h := &handlers{
		deps:    s.deps,
		log:     s.log,
		limiter: newLimiter(cfg),
		maxBody: cfg.MaxBodyBytes,
	}
	if h.maxBody <= 0 {
		h.maxBody = defaultMaxBodyBytes
	}
	auth := func(fn http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, fn) }

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("POST /timeWheel/print", auth(h.limited(h.legacyPrint)))
	mux.HandleFunc("POST /api/v1/tasks", auth(h.limited(h.createTask)))
	mux.HandleFunc("GET /api/v1/tasks/{key}", auth(h.getTask))
	mux.HandleFunc("GET /api/v1/wheel", auth(h.wheel))
	mux.HandleFunc("GET /api/v1/history", auth(h.history))
	if cfg.Pprof {
		mountPprof(mux, cfg.PprofPrefix, auth)
	}
	return mux
}

type handlers struct {
	deps    Deps
	log     logx.Logger
	limiter *rate.Limiter
	maxBody int64
}

func (h *handlers) limited(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited"})
			return
		}
		fn(w, r)
	}
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Scheduler == nil || h.deps.Scheduler.Status().Stopped {
		http.Error(w, "wheel stopped", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// legacyPrint keeps the plain-text success/failed contract.
func (h *handlers) legacyPrint(w http.ResponseWriter, r *http.Request) {
	var req printRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err := dec.Decode(&req); err != nil {
		h.log.Warn("print request rejected", logx.Err(err))
		writeText(w, http.StatusBadRequest, "failed")
		return
	}
	if err := h.deps.Scheduler.SubmitPrint(r.Context(), req.Key, req.PrintCommand, req.Delay); err != nil {
		h.log.Warn("print task not scheduled", logx.String("key", req.Key), logx.Err(err))
		writeText(w, http.StatusOK, "failed")
		return
	}
	writeText(w, http.StatusOK, "success")
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req delay.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: err.Error()})
		return
	}
	if err := h.deps.Scheduler.Schedule(r.Context(), req); err != nil {
		status, code := classify(err)
		h.log.Debug("task not scheduled", logx.String("key", req.Key), logx.String("code", code), logx.Err(err))
		writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "key": req.Key})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !h.deps.Scheduler.Pending(key) {
		writeJSON(w, http.StatusNotFound, map[string]any{"key": key, "pending": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "pending": true})
}

func (h *handlers) wheel(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"wheel": h.deps.Scheduler.Status()}
	if h.deps.Engine != nil {
		snap := h.deps.Engine.Snapshot()
		snap.History = nil
		body["engine"] = snap
	}
	if h.deps.Events != nil {
		body["events_dropped"] = h.deps.Events.Dropped()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "history_disabled"})
		return
	}
	limit := 50
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad_request", Message: "limit must be a positive integer"})
			return
		}
		limit = min(n, 1000)
	}
	recs, err := h.deps.History.Recent(r.Context(), limit)
	if err != nil {
		h.log.Warn("history read failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal", Message: err.Error()})
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, delay.ErrInvalidWhen):
		return http.StatusBadRequest, "invalid_when"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "canceled"
	}
	code := timewheel.ErrorCode(err)
	switch code {
	case "stopped":
		return http.StatusServiceUnavailable, code
	case "internal":
		return http.StatusInternalServerError, code
	default:
		return http.StatusBadRequest, code
	}
}

func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		if ah := r.Header.Get("Authorization"); ah != "" {
			const p = "Bearer "
			if strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				h(w, r)
				return
			}
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
