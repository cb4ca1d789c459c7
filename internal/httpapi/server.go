// Package httpapi exposes the monitoring surface: health, Prometheus metrics,
// regime state, recent decisions and a websocket stream of live resolutions.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantarb/arbiter/internal/domain"
	"github.com/quantarb/arbiter/internal/ledger"
	"github.com/quantarb/arbiter/internal/metrics"
	"github.com/quantarb/arbiter/internal/persistence"
	"github.com/quantarb/arbiter/internal/regime"
)

// Server is the monitoring HTTP server. It is read-only: decisions are made
// by the arbiter, never over HTTP.
type Server struct {
	classifier *regime.Classifier
	ledger     *ledger.Ledger
	mirror     persistence.DecisionRepo // optional
	metrics    *metrics.Metrics         // optional
	hub        *Hub
	httpServer *http.Server
}

// NewServer builds the server and its routes.
func NewServer(addr string, classifier *regime.Classifier, led *ledger.Ledger,
	mirror persistence.DecisionRepo, m *metrics.Metrics, registry *prometheus.Registry, hub *Hub) *Server {
	s := &Server{
		classifier: classifier,
		ledger:     led,
		mirror:     mirror,
		metrics:    m,
		hub:        hub,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/regime/{instrument}", s.handleRegime).Methods(http.MethodGet)
	r.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	r.HandleFunc("/decisions/{instrument}", s.handleInstrumentDecisions).Methods(http.MethodGet)
	r.HandleFunc("/stats/families", s.handleFamilyCounts).Methods(http.MethodGet)
	r.HandleFunc("/ledger/verify", s.handleVerify).Methods(http.MethodGet)
	r.HandleFunc("/ws/decisions", s.hub.handleWS).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("monitoring API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"ledger_tip": s.ledger.LastHash(),
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	instrument := mux.Vars(r)["instrument"]
	probs, label := s.classifier.Current(instrument)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"instrument": instrument,
		"label":      label,
		"probs":      probs,
	})
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision mirror not configured"})
		return
	}
	recs, err := s.mirror.ListRecent(r.Context(), parseLimit(r))
	if err != nil {
		log.Warn().Err(err).Msg("decision mirror query failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "mirror query failed"})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleInstrumentDecisions(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision mirror not configured"})
		return
	}
	instrument := mux.Vars(r)["instrument"]
	recs, err := s.mirror.ListByInstrument(r.Context(), instrument, parseTimeRange(r), parseLimit(r))
	if err != nil {
		log.Warn().Err(err).Str("instrument", instrument).Msg("decision mirror query failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "mirror query failed"})
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleFamilyCounts(w http.ResponseWriter, r *http.Request) {
	if s.mirror == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "decision mirror not configured"})
		return
	}
	tr := parseTimeRange(r)
	counts, err := s.mirror.CountByFamily(r.Context(), tr)
	if err != nil {
		log.Warn().Err(err).Msg("family count query failed")
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "mirror query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from":     tr.From,
		"to":       tr.To,
		"families": counts,
	})
}

func parseLimit(r *http.Request) int {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	return limit
}

// parseTimeRange reads RFC3339 from/to query bounds, defaulting to the last
// 24 hours.
func parseTimeRange(r *http.Request) persistence.TimeRange {
	now := time.Now().UTC()
	tr := persistence.TimeRange{From: now.Add(-24 * time.Hour), To: now}
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			tr.From = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			tr.To = t
		}
	}
	return tr
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	report, err := s.ledger.VerifyChain(r.Context(), from, to)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	result := "ok"
	if !report.OK {
		status = http.StatusConflict
		result = "break"
	}
	if s.metrics != nil {
		s.metrics.ChainVerifications.WithLabelValues(result).Inc()
	}
	writeJSON(w, status, report)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("response encode failed")
	}
}

// ResolutionPublisher is the sink side of the hub, handed to the arbiter.
func (s *Server) ResolutionPublisher() func(domain.Resolution) {
	return s.hub.Publish
}
