// Package api provides the HyParView node's operational HTTP surface:
// debug endpoints over the current view state and a Prometheus /metrics
// endpoint. Adapted from the teacher's OpenAI/Ollama-compatible model
// server down to the much smaller surface an overlay node needs, keeping
// the same chi router + middleware stack and the same promhttp.Handler()
// wiring for metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hyparview/hyparview/internal/domain"
	"github.com/hyparview/hyparview/internal/observability"
)

// Engine is the server's narrow view of membership.Engine: just enough to
// report view contents and counters, never enough to mutate protocol
// state from an HTTP handler.
type Engine interface {
	ActiveView() []domain.PeerID
	PassiveView() []domain.PeerID
	ActiveViewLen() int
	PassiveViewLen() int
}

// Server is the HyParView node's HTTP API server.
type Server struct {
	self           domain.PeerID
	engine         Engine
	tracer         *observability.Tracer
	metricsEnabled bool
}

// NewServer creates a new API server over engine, reporting self as the
// node's own identity in /debug/state.
func NewServer(self domain.PeerID, engine Engine, tracer *observability.Tracer) *Server {
	return &Server{self: self, engine: engine, tracer: tracer}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/debug/views", s.handleDebugViews)
	r.Get("/debug/state", s.handleDebugState)
	r.Get("/debug/traces", s.handleDebugTraces)

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// viewsResponse is the JSON body of GET /debug/views.
type viewsResponse struct {
	Self    string   `json:"self"`
	Active  []string `json:"active"`
	Passive []string `json:"passive"`
}

func (s *Server) handleDebugViews(w http.ResponseWriter, r *http.Request) {
	active := s.engine.ActiveView()
	passive := s.engine.PassiveView()

	resp := viewsResponse{
		Self:    s.self.String(),
		Active:  make([]string, len(active)),
		Passive: make([]string, len(passive)),
	}
	for i, p := range active {
		resp.Active[i] = p.String()
	}
	for i, p := range passive {
		resp.Passive[i] = p.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// stateResponse is the JSON body of GET /debug/state.
type stateResponse struct {
	Self        string `json:"self"`
	ActiveSize  int    `json:"active_size"`
	PassiveSize int    `json:"passive_size"`
}

func (s *Server) handleDebugState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, stateResponse{
		Self:        s.self.String(),
		ActiveSize:  s.engine.ActiveViewLen(),
		PassiveSize: s.engine.PassiveViewLen(),
	})
}

func (s *Server) handleDebugTraces(w http.ResponseWriter, r *http.Request) {
	if s.tracer == nil {
		writeJSON(w, http.StatusOK, []observability.Span{})
		return
	}
	writeJSON(w, http.StatusOK, s.tracer.Spans(200))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
