// Package api exposes the pipeline over HTTP: telemetry intake for
// collectors and a read/control surface for operators.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"shadowwall/pkg/config"
	"shadowwall/pkg/decoy"
	"shadowwall/pkg/engine"
	otelobs "shadowwall/pkg/observability/otel"
	"shadowwall/pkg/telemetry"
)

// maxIngestBody caps one ingest request; batches beyond it are rejected.
const maxIngestBody = 4 << 20

type Server struct {
	eng           *engine.Engine
	log           zerolog.Logger
	srv           *http.Server
	maxEventBytes int
}

// NewServer assembles the HTTP surface over one engine.
func NewServer(cfg *config.Config, eng *engine.Engine, log zerolog.Logger) *Server {
	s := &Server{
		eng:           eng,
		log:           log.With().Str("component", "api").Logger(),
		maxEventBytes: cfg.Ingest.MaxEventBytes,
	}
	h := s.accessLog(s.routes())
	h = otelobs.WrapHTTPHandler("shadowwall-api", h)
	s.srv = &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves until Shutdown. A closed server is not an error.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("api listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error { return s.srv.Shutdown(ctx) }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/v1/ingest", s.handleIngest)
	mux.HandleFunc("GET /api/v1/assessments", s.handleAssessments)
	mux.HandleFunc("GET /api/v1/honeypots", s.handleHoneypots)
	mux.HandleFunc("GET /api/v1/honeypots/{id}", s.handleHoneypot)
	mux.HandleFunc("POST /api/v1/honeypots/{id}/retire", s.handleRetire)
	mux.HandleFunc("POST /api/v1/honeypots/{id}/interactions", s.handleCapture)
	mux.HandleFunc("GET /api/v1/interactions", s.handleInteractions)
	mux.HandleFunc("GET /api/v1/strategies", s.handleStrategies)
	mux.HandleFunc("GET /api/v1/effectiveness", s.handleEffectiveness)
	mux.HandleFunc("GET /api/v1/entities/{key}", s.handleEntity)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	return mux
}

type ingestResponse struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Dropped  int `json:"dropped"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	events, err := telemetry.ParseBatch(body, s.maxEventBytes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var resp ingestResponse
	for _, ev := range events {
		switch err := s.eng.Submit(ev); {
		case err == nil:
			resp.Accepted++
		case errors.Is(err, engine.ErrQueueFull):
			resp.Dropped++
		default:
			resp.Rejected++
		}
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleAssessments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	minScore := 0.0
	if raw := q.Get("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			http.Error(w, "min_score must be in [0,1]", http.StatusBadRequest)
			return
		}
		minScore = v
	}
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Recent(q.Get("entity"), minScore, limit))
}

func (s *Server) handleHoneypots(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Decoys())
}

func (s *Server) handleHoneypot(w http.ResponseWriter, r *http.Request) {
	inst, ok := s.eng.Decoy(r.PathValue("id"))
	if !ok {
		http.Error(w, "unknown instance", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

type retireRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRetire(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req retireRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // body is optional
	if req.Reason == "" {
		req.Reason = "operator"
	}

	err := s.eng.RetireDecoy(r.Context(), id, req.Reason)
	var conflict *decoy.RetirementConflictError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": decoy.StateRetired})
	case errors.As(err, &conflict) && conflict.State == "unknown":
		http.Error(w, "unknown instance", http.StatusNotFound)
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]string{"error": conflict.Error(), "state": conflict.State})
	default:
		s.log.Error().Err(err).Str("instance", id).Msg("retire failed")
		http.Error(w, "retire failed", http.StatusInternalServerError)
	}
}

type captureRequest struct {
	SourceIP  string    `json:"source_ip"`
	Commands  []string  `json:"commands"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// handleCapture ingests a session observed against a decoy by an external
// collector, e.g. a sidecar watching a container decoy.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var req captureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	ix, err := s.eng.RecordInteraction(r.PathValue("id"), req.SourceIP, req.Commands, []byte(req.Payload), req.Timestamp)
	if err != nil {
		http.Error(w, "no live instance", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, ix)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.Interactions(limit))
}

func (s *Server) handleStrategies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Strategies())
}

func (s *Server) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.eng.History(limit))
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	state, ok := s.eng.EntityState(key)
	if !ok {
		http.Error(w, "unknown entity", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_key": key, "state": state})
}

type statsResponse struct {
	Engine   engine.Stats      `json:"engine"`
	Activity map[string]uint64 `json:"activity"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{Engine: s.eng.Stats(), Activity: s.eng.Activity()})
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// accessLog emits one line per request with trace correlation when a span
// is active.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		evt := s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sr.status).
			Dur("elapsed", time.Since(start))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			evt = evt.Str("trace_id", sc.TraceID().String())
		}
		evt.Msg("request")
	})
}
