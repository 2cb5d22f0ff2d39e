// Package gateway is the bearer-token HTTP admin surface: health, voice mode,
// pickup listing, handoff, and a WebSocket feed of bus events.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/pickupbot/internal/audit"
	"github.com/basket/pickupbot/internal/bus"
	"github.com/basket/pickupbot/internal/config"
	pbotel "github.com/basket/pickupbot/internal/otel"
	"github.com/basket/pickupbot/internal/pickup"
	"github.com/basket/pickupbot/internal/policy"
	"github.com/basket/pickupbot/internal/shared"
)

// Store is the read side the gateway serves from.
type Store interface {
	Ping(ctx context.Context) error
	GetPickup(ctx context.Context, id string) (*pickup.Request, error)
	ListPickups(ctx context.Context, f pickup.Filter) ([]pickup.Request, error)
}

// Lifecycle is the write side: handoffs and voice mode.
type Lifecycle interface {
	CompleteHandoff(ctx context.Context, requestID, operatorID string, now time.Time) (pickup.Outcome, error)
	VoiceMode() policy.VoiceMode
	SetVoiceMode(ctx context.Context, mode policy.VoiceMode, source string) error
	Policy() *policy.Policy
}

type Config struct {
	Store     Store
	Lifecycle Lifecycle
	Bus       *bus.Bus
	Metrics   *pbotel.Metrics
	Tracer    trace.Tracer
	Logger    *slog.Logger

	AuthToken string
	Gateway   config.GatewayConfig

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Now func() time.Time
}

type Server struct {
	cfg    Config
	logger *slog.Logger
	limit  *RateLimitMiddleware

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(pbotel.TracerName)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "gateway"),
		limit:   NewRateLimitMiddleware(cfg.Gateway),
		clients: map[*client]struct{}{},
	}
	s.limit.logger = s.logger
	return s
}

// StartEviction prunes idle rate-limit buckets until ctx is done.
func (s *Server) StartEviction(ctx context.Context) {
	s.limit.StartEviction(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/voice-mode", s.handleGetVoiceMode)
	mux.HandleFunc("PUT /api/voice-mode", s.handlePutVoiceMode)
	mux.HandleFunc("GET /api/pickups", s.handleListPickups)
	mux.HandleFunc("GET /api/pickups/{id}", s.handleGetPickup)
	mux.HandleFunc("POST /api/pickups/{id}/handoff", s.handleHandoff)
	mux.HandleFunc("GET /api/audit", s.handleAudit)

	var h http.Handler = mux
	h = s.requireAuth(h)
	h = s.limit.Wrap(h)
	h = RequestSizeLimitMiddleware(s.cfg.Gateway.MaxBodyBytes)(h)
	h = NewCORSMiddleware(s.cfg.Gateway.AllowOrigins)(h)
	return s.instrument(h)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack is required for the WebSocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := pbotel.StartServerSpan(r.Context(), s.cfg.Tracer, "http "+r.Method,
			attribute.String("http.route", routeLabel(r.URL.Path)))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		pbotel.FailStatus(span, rec.status)
		s.cfg.Metrics.RecordRequest(ctx, routeLabel(r.URL.Path), rec.status, time.Since(start))
	})
}

// routeLabel collapses request ids so metric cardinality stays bounded.
func routeLabel(path string) string {
	if strings.HasPrefix(path, "/api/pickups/") {
		if strings.HasSuffix(path, "/handoff") {
			return "/api/pickups/{id}/handoff"
		}
		return "/api/pickups/{id}"
	}
	return path
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps lifecycle errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pickup.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pickup.ErrAlreadyDone):
		return http.StatusOK
	case errors.Is(err, pickup.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, pickup.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.cfg.Store.Ping(ctx) == nil
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"voice_mode":         s.cfg.Lifecycle.VoiceMode(),
		"announcing":         s.cfg.Lifecycle.Policy().IsActive(s.cfg.Now()),
		"ws_clients":         s.clientCount(),
		"bus_dropped":        s.cfg.Bus.Dropped(),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

type voiceModeResponse struct {
	Mode     policy.VoiceMode `json:"mode"`
	Active   bool             `json:"active"`
	Window   string           `json:"window"`
	Timezone string           `json:"timezone"`
}

func (s *Server) voiceState() voiceModeResponse {
	p := s.cfg.Lifecycle.Policy()
	win := p.Window()
	return voiceModeResponse{
		Mode:     s.cfg.Lifecycle.VoiceMode(),
		Active:   p.IsActive(s.cfg.Now()),
		Window:   formatClock(win.Start) + "-" + formatClock(win.End),
		Timezone: p.Location().String(),
	}
}

func formatClock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int((d%time.Hour)/time.Minute))
}

func (s *Server) handleGetVoiceMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.voiceState())
}

type voiceModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handlePutVoiceMode(w http.ResponseWriter, r *http.Request) {
	var req voiceModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := policy.ParseVoiceMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx := r.Context()
	if err := s.cfg.Lifecycle.SetVoiceMode(ctx, mode, "http"); err != nil {
		s.logger.WarnContext(ctx, "voice mode not persisted", "mode", mode, "error", err)
		audit.Record(ctx, "voice.set", audit.OutcomeFailed, string(mode))
		writeError(w, http.StatusInternalServerError, "voice mode applied but not persisted")
		return
	}
	audit.Record(ctx, "voice.set", audit.OutcomeOK, string(mode))
	writeJSON(w, http.StatusOK, s.voiceState())
}

func (s *Server) handleListPickups(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f pickup.Filter
	if raw := strings.ToUpper(strings.TrimSpace(q.Get("status"))); raw != "" {
		st, err := pickup.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Status = st
	}
	if raw := q.Get("parent_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "parent_id must be a positive integer")
			return
		}
		f.ParentID = id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}
	reqs, err := s.cfg.Store.ListPickups(r.Context(), f)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "list pickups failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list pickups failed")
		return
	}
	if reqs == nil {
		reqs = []pickup.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pickups": reqs, "count": len(reqs)})
}

// handleAudit lists recent operator actions: handoffs, voice changes and
// refused requests.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := audit.Query{
		ActionPrefix: strings.TrimSpace(q.Get("action")),
		Outcome:      strings.TrimSpace(q.Get("outcome")),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		aq.Limit = n
	}
	entries, err := audit.Recent(r.Context(), aq)
	if errors.Is(err, audit.ErrNoStore) {
		writeError(w, http.StatusServiceUnavailable, "audit trail not configured")
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "read audit trail failed", "error", err)
		writeError(w, http.StatusInternalServerError, "read audit trail failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleGetPickup(w http.ResponseWriter, r *http.Request) {
	req, err := s.cfg.Store.GetPickup(r.Context(), r.PathValue("id"))
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), "get pickup failed", "error", err)
		}
		writeError(w, status, http.StatusText(status))
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type handoffRequest struct {
	Operator string `json:"operator"`
}

type handoffResponse struct {
	RequestID        string        `json:"request_id"`
	Status           pickup.Status `json:"status"`
	AlreadyDone      bool          `json:"already_done"`
	Message          string        `json:"message,omitempty"`
	DeliveryFailures int           `json:"delivery_failures"`
}

func (s *Server) handleHandoff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	operator := "admin-api"
	if r.ContentLength != 0 {
		var body handoffRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if op := strings.TrimSpace(body.Operator); op != "" {
			operator = op
		}
	}
	ctx = shared.WithOperator(ctx, operator)

	out, err := s.cfg.Lifecycle.CompleteHandoff(ctx, id, operator, s.cfg.Now())
	switch {
	case err == nil:
		audit.Record(ctx, "pickup.handoff", audit.OutcomeOK, id)
		writeJSON(w, http.StatusOK, handoffResponse{
			RequestID:        id,
			Status:           out.Handoff.Request.Status,
			Message:          out.Message,
			DeliveryFailures: len(out.Failures),
		})
	case errors.Is(err, pickup.ErrAlreadyDone):
		audit.Record(ctx, "pickup.handoff", audit.OutcomeNoop, id)
		writeJSON(w, http.StatusOK, handoffResponse{
			RequestID:   id,
			Status:      pickup.StatusHandedOver,
			AlreadyDone: true,
		})
	default:
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.logger.ErrorContext(ctx, "handoff failed", "request_id", id, "error", err)
			audit.Record(ctx, "pickup.handoff", audit.OutcomeFailed, id)
			writeError(w, status, "handoff failed")
			return
		}
		writeError(w, status, err.Error())
	}
}
