package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/spinforge/spinforge/pkg/events"
	"github.com/spinforge/spinforge/pkg/executor"
	"github.com/spinforge/spinforge/pkg/log"
	"github.com/spinforge/spinforge/pkg/metrics"
	"github.com/spinforge/spinforge/pkg/router"
	"github.com/spinforge/spinforge/pkg/storage"
	"github.com/spinforge/spinforge/pkg/validator"
	"github.com/spinforge/spinforge/pkg/worker"
)

// Server exposes the operational surface consumed by ops tooling: worker
// status, invariant and orphan probes, proxy health, and (dev only) the
// executor fault toggles.
type Server struct {
	addr            string
	store           storage.Store
	worker          *worker.Worker
	router          *router.Router
	validator       *validator.Validator
	faults          *executor.FaultInjector
	broker          *events.Broker
	orphanThreshold time.Duration
	logger          zerolog.Logger
	httpServer      *http.Server
}

// New creates the admin server. faults may be nil in production; the
// toggle endpoints then return 404.
func New(addr string, store storage.Store, w *worker.Worker, rt *router.Router, v *validator.Validator, faults *executor.FaultInjector, broker *events.Broker, orphanThreshold time.Duration) *Server {
	s := &Server{
		addr:            addr,
		store:           store,
		worker:          w,
		router:          rt,
		validator:       v,
		faults:          faults,
		broker:          broker,
		orphanThreshold: orphanThreshold,
		logger:          log.WithComponent("admin"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/orphans", s.handleOrphans)
	r.Get("/proxies", s.handleProxies)
	r.Get("/events", s.handleEvents)
	r.Post("/validate", s.handleScan)
	r.Post("/validate/{orderID}", s.handleValidateOrder)
	if faults != nil {
		r.Post("/faults", s.handleFaults)
	}
	r.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{Addr: addr, Handler: r}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Admin server started")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.worker.StatsSnapshot())
}

func (s *Server) handleOrphans(w http.ResponseWriter, r *http.Request) {
	cutoff := time.Now().Add(-s.orphanThreshold)
	n, err := s.store.CountOrphans(r.Context(), cutoff)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"orphans": n,
		"cutoff":  cutoff,
	})
}

func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.router.Snapshots())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Recent(50))
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	report, err := s.validator.Scan(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	report, err := s.validator.ValidateOrder(r.Context(), orderID)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// faultRequest mirrors the dev/test failure-injection toggles.
type faultRequest struct {
	FailPercent     *int    `json:"failPercent,omitempty"`
	AddedDelayMs    *int    `json:"addedDelayMs,omitempty"`
	SimulateTimeout *bool   `json:"simulateTimeout,omitempty"`
	Paused          *bool   `json:"paused,omitempty"`
	BanNodeID       *string `json:"banNodeId,omitempty"`
	UnbanNodeID     *string `json:"unbanNodeId,omitempty"`
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	var req faultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid fault request"})
		return
	}
	if req.FailPercent != nil {
		s.faults.SetFailPercent(*req.FailPercent)
	}
	if req.AddedDelayMs != nil {
		s.faults.SetAddedDelay(time.Duration(*req.AddedDelayMs) * time.Millisecond)
	}
	if req.SimulateTimeout != nil {
		s.faults.SetSimulateTimeout(*req.SimulateTimeout)
	}
	if req.Paused != nil {
		s.faults.SetPaused(*req.Paused)
	}
	if req.BanNodeID != nil {
		s.faults.BanNode(*req.BanNodeID, true)
	}
	if req.UnbanNodeID != nil {
		s.faults.BanNode(*req.UnbanNodeID, false)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
