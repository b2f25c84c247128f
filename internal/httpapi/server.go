// Package httpapi exposes the Hub's operational surface: a Prometheus
// scrape endpoint, a liveness probe, and a human-readable status summary.
// Grounded on the chi.Mux server shape in
// flowpbx-flowpbx/internal/pushgw/server.go, generalized from a push
// gateway's REST surface to three read-only diagnostic endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusProvider supplies the fields reported on GET /status.
type StatusProvider interface {
	SessionState() string
	PeersKnown() int
	SequenceNumber() uint16
}

// Server is the Hub's HTTP status surface.
type Server struct {
	router    *chi.Mux
	status    StatusProvider
	startTime time.Time
}

// NewServer creates an httpapi.Server with /healthz, /metrics, and
// /status mounted.
func NewServer(status StatusProvider, startTime time.Time) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		status:    status,
		startTime: startTime,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/status", s.handleStatus)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	SessionState   string `json:"session_state"`
	PeersKnown     int    `json:"peers_known"`
	SequenceNumber uint16 `json:"sequence_number"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
	}
	if s.status != nil {
		resp.SessionState = s.status.SessionState()
		resp.PeersKnown = s.status.PeersKnown()
		resp.SequenceNumber = s.status.SequenceNumber()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
