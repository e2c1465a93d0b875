// Package server provides the HTTP API of the sentinel daemon.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/defi-threat-sentinel/internal/config"
	"github.com/invisible-tech/defi-threat-sentinel/internal/execution"
	"github.com/invisible-tech/defi-threat-sentinel/internal/sentinel"
	"github.com/invisible-tech/defi-threat-sentinel/internal/types"
	"github.com/invisible-tech/defi-threat-sentinel/internal/version"
)

// CallerHeader carries the identity checked by the authorization policy.
const CallerHeader = "X-Sentinel-Caller"

const defaultCycleLimit = 100

// Server is the HTTP server for the sentinel API.
type Server struct {
	cfg        config.SentinelConfig
	sentinel   *sentinel.Service
	executor   *execution.Executor
	log        *logrus.Logger
	router     chi.Router
	httpServer *http.Server
}

// New creates a new HTTP server over the sentinel service and executor.
func New(cfg config.SentinelConfig, svc *sentinel.Service, exec *execution.Executor, log *logrus.Logger) *Server {
	s := &Server{cfg: cfg, sentinel: svc, executor: exec, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/cycles", s.handleCycles)
		r.Post("/score", s.handleScore)
		r.Route("/protocols/{address}", func(r chi.Router) {
			r.Post("/cycle", s.handleRunCycle)
			r.Get("/status", s.handleProtocolStatus)
			r.Post("/emergency-pause", s.handleEmergencyPause)
			r.Delete("/emergency-pause", s.handleLiftEmergencyPause)
		})
		r.Get("/reports/{id}", s.handleReport)
		r.Post("/reports/{id}/lift", s.handleLift)
		r.Get("/agents/{id}/budget", s.handleBudget)
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.cfg.HTTPAddr).Info("Sentinel API listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start),
		}).Debug("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, code int, kind string, err error) {
	body := errorBody{Error: kind}
	if err != nil {
		body.Message = err.Error()
	}
	writeJSON(w, code, body)
}

// statusFor maps executor rejections onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, execution.ErrUnknownReport):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrReportNotActive),
		errors.Is(err, execution.ErrDuplicateReport),
		errors.Is(err, execution.ErrEmergencyPauseActive),
		errors.Is(err, execution.ErrNoEmergencyPause):
		return http.StatusConflict
	case execution.IsRejection(err):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeExecutionError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.WithError(err).Error("Executor failure")
	}
	writeError(w, code, execution.ErrorKind(err), err)
}

func addressParam(r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func reportIDParam(r *http.Request) (common.Hash, bool) {
	raw := chi.URLParam(r, "id")
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(b), true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": version.Version,
	})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit := defaultCycleLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", nil)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.sentinel.Cycles(limit))
}

func (s *Server) handleRunCycle(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", nil)
		return
	}
	res, err := s.sentinel.RunCycle(r.Context(), addr)
	switch {
	case errors.Is(err, sentinel.ErrUnknownProtocol):
		writeError(w, http.StatusNotFound, "unknown_protocol", err)
	case errors.Is(err, sentinel.ErrCycleInProgress):
		writeError(w, http.StatusConflict, "cycle_in_progress", err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal", err)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleProtocolStatus(w http.ResponseWriter, r *http.Request) {
	addr, ok := addressParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", nil)
		return
	}
	st, err := s.executor.ProtocolStatus(addr)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleEmergencyPause(w http.ResponseWriter, r *http.Request) {
	s.changeEmergencyPause(w, r, s.executor.ExecuteEmergencyPause)
}

func (s *Server) handleLiftEmergencyPause(w http.ResponseWriter, r *http.Request) {
	s.changeEmergencyPause(w, r, s.executor.LiftEmergencyPause)
}

func (s *Server) changeEmergencyPause(w http.ResponseWriter, r *http.Request,
	change func(ctx context.Context, caller string, protocol common.Address) error) {
	addr, ok := addressParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_address", nil)
		return
	}
	if err := change(r.Context(), r.Header.Get(CallerHeader), addr); err != nil {
		s.writeExecutionError(w, err)
		return
	}
	st, err := s.executor.ProtocolStatus(addr)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id, ok := reportIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_report_id", nil)
		return
	}
	rec, err := s.executor.Report(id)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	if rec == nil {
		s.writeExecutionError(w, execution.ErrUnknownReport)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLift(w http.ResponseWriter, r *http.Request) {
	id, ok := reportIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_report_id", nil)
		return
	}
	if err := s.executor.LiftAction(r.Context(), r.Header.Get(CallerHeader), id); err != nil {
		s.writeExecutionError(w, err)
		return
	}
	rec, err := s.executor.Report(id)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type budgetResponse struct {
	types.AgentBudget
	Remaining uint64 `json:"remaining"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")
	b, err := s.executor.AgentBudget(agentID)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	remaining, err := s.executor.Remaining(agentID)
	if err != nil {
		s.writeExecutionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetResponse{AgentBudget: b, Remaining: remaining})
}

// ScoreResponse is the heuristic-only evaluation of a submitted frame.
type ScoreResponse struct {
	RiskScore  float64            `json:"riskScore"`
	PassesGate bool               `json:"passesGate"`
	Citations  []string           `json:"citations"`
	SubScores  map[string]float64 `json:"subScores"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var frame types.TelemetryFrame
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&frame); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_frame", err)
		return
	}
	a := s.sentinel.Analyzer()
	res := a.Score(&frame)
	writeJSON(w, http.StatusOK, ScoreResponse{
		RiskScore:  res.RiskScore,
		PassesGate: a.PassesGate(res),
		Citations:  res.CitationList(),
		SubScores:  res.SubScores,
	})
}
