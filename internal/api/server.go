// Package api serves the engine's status and diagnostics over HTTP: health,
// positions, breaker stats, risk report, and prometheus metrics. External
// front-ends (TUI, dashboards) consume this surface.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/liquidsnipe/engine/internal/circuit"
	"github.com/liquidsnipe/engine/internal/coordinator"
	"github.com/liquidsnipe/engine/internal/events"
	"github.com/liquidsnipe/engine/internal/market"
	"github.com/liquidsnipe/engine/internal/metrics"
	"github.com/liquidsnipe/engine/internal/risk"
	"github.com/liquidsnipe/engine/internal/state"
	"github.com/liquidsnipe/engine/pkg/types"
)

// Server is the status HTTP server.
type Server struct {
	logger    *zap.Logger
	config    types.APIConfig
	bus       *events.Bus
	system    *state.SystemMachine
	positions *coordinator.PositionCoordinator
	breakers  *circuit.Registry
	riskMgr   *risk.Manager
	monitor   *market.Monitor
	metrics   *metrics.Metrics

	httpServer *http.Server
}

// NewServer creates the status server.
func NewServer(
	logger *zap.Logger,
	config types.APIConfig,
	bus *events.Bus,
	system *state.SystemMachine,
	positions *coordinator.PositionCoordinator,
	breakers *circuit.Registry,
	riskMgr *risk.Manager,
	monitor *market.Monitor,
	m *metrics.Metrics,
) *Server {
	return &Server{
		logger:    logger.Named("api"),
		config:    config,
		bus:       bus,
		system:    system,
		positions: positions,
		breakers:  breakers,
		riskMgr:   riskMgr,
		monitor:   monitor,
		metrics:   m,
	}
}

// Start begins serving. Non-blocking.
func (s *Server) Start() error {
	r := mux.NewRouter()
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/positions", s.handlePositions).Methods(http.MethodGet)
	r.HandleFunc("/api/positions/{id}/exit", s.handleExit).Methods(http.MethodPost)
	r.HandleFunc("/api/breakers", s.handleBreakers).Methods(http.MethodGet)
	r.HandleFunc("/api/risk", s.handleRisk).Methods(http.MethodGet)
	r.HandleFunc("/api/market", s.handleMarket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))

	handler := cors.Default().Handler(r)
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("status API listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("status API failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	healthy := s.breakers.Healthy()
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"state":   string(s.system.State()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   string(s.system.State()),
		"context": s.system.Context(),
		"bus":     s.bus.GetStats(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.positions.Snapshots())
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.positions.Machine(id) == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown position"})
		return
	}
	s.bus.Publish(events.NewExitRequest(types.ExitRequest{
		PositionID: id,
		Reason:     "manual exit via API",
		Urgency:    types.ExitUrgencyHigh,
		Manual:     true,
		Timestamp:  time.Now(),
	}))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "exit requested"})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.breakers.AllStats())
}

func (s *Server) handleRisk(w http.ResponseWriter, _ *http.Request) {
	a := s.riskMgr.LastAssessment()
	if a == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no assessment yet"})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleMarket(w http.ResponseWriter, _ *http.Request) {
	c := s.monitor.Condition()
	if c == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no cycle completed yet"})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
