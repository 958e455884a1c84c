package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
	"github.com/dusancv22/CC-Release-Monitor/internal/config"
	"github.com/dusancv22/CC-Release-Monitor/internal/metrics"
	"github.com/dusancv22/CC-Release-Monitor/internal/version"
	"github.com/google/uuid"
)

const bodyOverheadBytes = 64 << 10

// Queue is the approval queue the façade exposes.
type Queue interface {
	Submit(ctx context.Context, input approval.SubmitInput) (approval.Request, error)
	Decide(ctx context.Context, id string, decision approval.Decision) (bool, error)
	Get(ctx context.Context, id string) (approval.Request, error)
	ListPending(ctx context.Context, limit int) ([]approval.Request, error)
	SweepTimeouts(ctx context.Context, maxAge time.Duration) (int64, error)
	Purge(ctx context.Context, retention time.Duration) (int64, error)
	Statistics(ctx context.Context) (approval.Stats, error)
}

// HandlerOptions wires the façade's collaborators.
type HandlerOptions struct {
	Token           string
	Queue           Queue
	Hub             *Hub
	Metrics         *metrics.Metrics
	MetricsHandler  http.Handler
	MaxPayloadBytes int
	PendingLimit    int
}

type Server struct {
	cfg        config.ServerConfig
	opts       HandlerOptions
	httpServer *http.Server
}

func New(cfg config.ServerConfig, opts HandlerOptions) *Server {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.Port
	if port <= 0 {
		port = 8765
	}

	cfg.Host = host
	cfg.Port = port
	if opts.Token == "" {
		opts.Token = cfg.Token
	}
	return &Server{
		cfg:  cfg,
		opts: opts,
	}
}

func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           NewHandler(s.opts),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("approval server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Hub != nil {
		s.opts.Hub.Close()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type handler struct {
	token        string
	queue        Queue
	metrics      *metrics.Metrics
	maxBodyBytes int64
	pendingLimit int
}

func NewHandler(opts HandlerOptions) http.Handler {
	maxPayload := opts.MaxPayloadBytes
	if maxPayload <= 0 {
		maxPayload = approval.DefaultMaxPayloadBytes
	}
	h := &handler{
		token:        strings.TrimSpace(opts.Token),
		queue:        opts.Queue,
		metrics:      opts.Metrics,
		maxBodyBytes: int64(maxPayload + bodyOverheadBytes),
		pendingLimit: opts.PendingLimit,
	}

	mux := http.NewServeMux()
	mux.Handle("/health", h.instrument("/health", http.MethodGet, false, h.health))
	mux.Handle("/version", h.instrument("/version", http.MethodGet, false, h.version))
	mux.Handle("/approvals", h.instrument("/approvals", "", true, h.approvals))
	mux.Handle("/approvals/stats", h.instrument("/approvals/stats", http.MethodGet, true, h.stats))
	mux.Handle("/approvals/sweep", h.instrument("/approvals/sweep", http.MethodPost, true, h.sweep))
	mux.Handle("/approvals/purge", h.instrument("/approvals/purge", http.MethodPost, true, h.purge))
	mux.Handle("/approvals/{id}", h.instrument("/approvals/{id}", http.MethodGet, true, h.get))
	mux.Handle("/approvals/{id}/decision", h.instrument("/approvals/{id}/decision", http.MethodPost, true, h.decide))
	if opts.Hub != nil {
		hub := opts.Hub
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			if h.token != "" && !isAuthorized(r, h.token) {
				writeError(w, getRequestID(r), http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
				return
			}
			hub.ServeHTTP(w, r)
		})
	}
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	return mux
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, requestID string)

// instrument enforces method and auth, then records the response.
func (h *handler) instrument(route, method string, auth bool, next handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		requestID := getRequestID(r)
		rec.Header().Set("X-Request-ID", requestID)

		switch {
		case method != "" && r.Method != method:
			writeError(rec, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		case auth && h.token != "" && !isAuthorized(r, h.token):
			writeError(rec, requestID, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		default:
			next(rec, r, requestID)
		}
		h.metrics.ObserveHTTP(r.Method, route, rec.status, time.Since(start))
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request, requestID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"request_id": requestID,
	})
}

func (h *handler) version(w http.ResponseWriter, _ *http.Request, requestID string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    version.Version,
		"request_id": requestID,
	})
}

func (h *handler) approvals(w http.ResponseWriter, r *http.Request, requestID string) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r, requestID)
	case http.MethodGet:
		h.listPending(w, r, requestID)
	default:
		writeError(w, requestID, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (h *handler) create(w http.ResponseWriter, r *http.Request, requestID string) {
	var req struct {
		SessionID  string          `json:"session_id"`
		Category   string          `json:"category"`
		Payload    json.RawMessage `json:"payload"`
		WorkingDir string          `json:"working_dir"`
	}
	if !h.decode(w, r, requestID, &req) {
		return
	}

	created, err := h.queue.Submit(r.Context(), approval.SubmitInput{
		SessionID:  req.SessionID,
		Category:   req.Category,
		Payload:    req.Payload,
		WorkingDir: req.WorkingDir,
	})
	if err != nil {
		writeQueueError(w, requestID, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         created.ID,
		"status":     created.Status,
		"request_id": requestID,
	})
}

func (h *handler) get(w http.ResponseWriter, r *http.Request, requestID string) {
	req, err := h.queue.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueueError(w, requestID, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		approval.View
		RequestID string `json:"request_id"`
	}{req.View(), requestID})
}

func (h *handler) decide(w http.ResponseWriter, r *http.Request, requestID string) {
	var req struct {
		Decision  string `json:"decision"`
		DecidedBy string `json:"decided_by"`
		Reason    string `json:"reason"`
	}
	if !h.decode(w, r, requestID, &req) {
		return
	}

	id := r.PathValue("id")
	applied, err := h.queue.Decide(r.Context(), id, approval.Decision{
		Verdict:   approval.Verdict(strings.ToLower(strings.TrimSpace(req.Decision))),
		DecidedBy: req.DecidedBy,
		Reason:    req.Reason,
	})
	if err != nil {
		writeQueueError(w, requestID, "decide", err)
		return
	}

	current, err := h.queue.Get(r.Context(), id)
	if err != nil {
		writeQueueError(w, requestID, "decide", err)
		return
	}
	if !applied {
		slog.Info("decision rejected, request already terminal", "id", id, "status", current.Status, "request_id", requestID)
		writeJSON(w, http.StatusConflict, map[string]any{
			"code":       "conflict",
			"message":    fmt.Sprintf("request already %s", current.Status),
			"status":     current.Status,
			"request_id": requestID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":         current.ID,
		"status":     current.Status,
		"request_id": requestID,
	})
}

func (h *handler) listPending(w http.ResponseWriter, r *http.Request, requestID string) {
	limit := h.pendingLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, requestID, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}

	pending, err := h.queue.ListPending(r.Context(), limit)
	if err != nil {
		writeQueueError(w, requestID, "list pending", err)
		return
	}
	views := make([]approval.View, 0, len(pending))
	for _, req := range pending {
		views = append(views, req.View())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(views),
		"requests":   views,
		"request_id": requestID,
	})
}

func (h *handler) sweep(w http.ResponseWriter, r *http.Request, requestID string) {
	var req struct {
		MaxAgeSeconds *float64 `json:"max_age_seconds"`
	}
	if !h.decode(w, r, requestID, &req) {
		return
	}
	if req.MaxAgeSeconds == nil || *req.MaxAgeSeconds < 0 {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "max_age_seconds must be a non-negative number")
		return
	}
	maxAge, ok := durationOf(*req.MaxAgeSeconds, time.Second)
	if !ok {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "max_age_seconds is too large")
		return
	}

	n, err := h.queue.SweepTimeouts(r.Context(), maxAge)
	if err != nil {
		writeQueueError(w, requestID, "sweep", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timed_out":  n,
		"request_id": requestID,
	})
}

func (h *handler) purge(w http.ResponseWriter, r *http.Request, requestID string) {
	var req struct {
		RetentionHours *float64 `json:"retention_hours"`
	}
	if !h.decode(w, r, requestID, &req) {
		return
	}
	if req.RetentionHours == nil || *req.RetentionHours < 0 {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "retention_hours must be a non-negative number")
		return
	}
	retention, ok := durationOf(*req.RetentionHours, time.Hour)
	if !ok {
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "retention_hours is too large")
		return
	}

	n, err := h.queue.Purge(r.Context(), retention)
	if err != nil {
		writeQueueError(w, requestID, "purge", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted":    n,
		"request_id": requestID,
	})
}

// durationOf converts value units into a Duration, reporting false when the
// result does not fit.
func durationOf(value float64, unit time.Duration) (time.Duration, bool) {
	if math.IsNaN(value) || value >= float64(math.MaxInt64)/float64(unit) {
		return 0, false
	}
	return time.Duration(value * float64(unit)), true
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request, requestID string) {
	stats, err := h.queue.Statistics(r.Context())
	if err != nil {
		writeQueueError(w, requestID, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		approval.Stats
		RequestID string `json:"request_id"`
	}{stats, requestID})
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, requestID string, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, requestID, http.StatusRequestEntityTooLarge, "bad_request", "request body too large")
			return false
		}
		writeError(w, requestID, http.StatusBadRequest, "bad_request", "invalid json request")
		return false
	}
	return true
}

func writeQueueError(w http.ResponseWriter, requestID, op string, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, requestID, http.StatusNotFound, "not_found", "approval request not found")
	case errors.Is(err, approval.ErrValidation):
		writeError(w, requestID, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, approval.ErrConflict):
		writeError(w, requestID, http.StatusConflict, "conflict", err.Error())
	default:
		slog.Error("approval queue failed", "op", op, "request_id", requestID, "error", err)
		writeError(w, requestID, http.StatusServiceUnavailable, "unavailable", "approval store unavailable")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func isAuthorized(r *http.Request, expected string) bool {
	got := strings.TrimSpace(r.Header.Get("Authorization"))
	if got == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return token == expected
}

func getRequestID(r *http.Request) string {
	rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if rid != "" {
		return rid
	}
	return uuid.NewString()
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":       code,
		"message":    message,
		"request_id": requestID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
