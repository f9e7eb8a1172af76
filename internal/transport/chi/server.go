// Package chi serves the HTTP status and control surface.
package chi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/huntsman-telescope/drp/internal/domain"
	domcalib "github.com/huntsman-telescope/drp/internal/domain/calib"
	logpkg "github.com/huntsman-telescope/drp/internal/logger"
	calibuc "github.com/huntsman-telescope/drp/internal/usecase/calib"
	healthuc "github.com/huntsman-telescope/drp/internal/usecase/health"
	"github.com/huntsman-telescope/drp/internal/version"
)

// Error codes of ErrorResponse.
const (
	CodeBadRequest           = "bad_request"
	CodeUnauthorized         = "unauthorized"
	CodeNotFound             = "not_found"
	CodeConflict             = "conflict"
	CodeMissingCalib         = "missing_calib"
	CodeMissingPrerequisite  = "missing_prerequisite"
	CodeNotImplemented       = "not_implemented"
	CodeInternalError        = "internal_error"
	CodeServiceNotConfigured = "service_not_configured"
)

// ErrorResponse is the body of every error answer.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CalibMaker runs the master calib scheduler on demand.
type CalibMaker interface {
	ProcessDate(ctx context.Context, date time.Time) (calibuc.Result, error)
}

// CalexpResetter clears stored calexp metrics.
type CalexpResetter interface {
	ClearCalexpMetrics(ctx context.Context) (int, error)
}

// StatusFunc snapshots one background service.
type StatusFunc func() any

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Version  string         `json:"version"`
	Commit   string         `json:"commit"`
	Services map[string]any `json:"services"`
}

// CalibResultResponse is the body of POST /calibs/{date}.
type CalibResultResponse struct {
	Date          string   `json:"date"`
	IDs           []string `json:"calib_ids"`
	ToProcess     []string `json:"to_process"`
	Built         []string `json:"built"`
	Failed        []string `json:"failed"`
	Archived      []string `json:"archived"`
	ArchiveFailed []string `json:"archive_failed"`
	Skipped       bool     `json:"skipped"`
	Abandoned     bool     `json:"abandoned"`
}

// errorHandler tries to handle a domain error. Returns true if handled.
type errorHandler func(w http.ResponseWriter, err error) bool

// Server implements the HTTP handlers.
type Server struct {
	health        *healthuc.Service
	statuses      map[string]StatusFunc
	calibs        CalibMaker
	exposures     CalexpResetter
	logger        *zap.Logger
	errorHandlers []errorHandler
}

// NewServer creates the HTTP server. calibs and exposures may be nil, which
// disables their control endpoints.
func NewServer(
	health *healthuc.Service,
	statuses map[string]StatusFunc,
	calibs CalibMaker,
	exposures CalexpResetter,
	logger *zap.Logger,
) *Server {
	s := &Server{
		health:    health,
		statuses:  statuses,
		calibs:    calibs,
		exposures: exposures,
		logger:    logger,
	}
	s.errorHandlers = []errorHandler{
		sentinelHandler(domain.ErrNotFound, http.StatusNotFound, CodeNotFound),
		sentinelHandler(domain.ErrAmbiguous, http.StatusConflict, CodeConflict),
		sentinelHandler(domain.ErrDuplicateKey, http.StatusConflict, CodeConflict),
		sentinelHandler(domain.ErrMissingField, http.StatusBadRequest, CodeBadRequest),
		sentinelHandler(domain.ErrMissingCalib, http.StatusUnprocessableEntity, CodeMissingCalib),
		sentinelHandler(domain.ErrMissingPrerequisite, http.StatusUnprocessableEntity, CodeMissingPrerequisite),
	}
	return s
}

// Routes registers the handlers on r.
func (s *Server) Routes(r chi.Router) {
	r.Get("/health", s.HealthCheck)
	r.Get("/status", s.Status)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/calibs/{date}", s.ProcessCalibDate)
	r.Delete("/exposures/calexp-metrics", s.ClearCalexpMetrics)
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, report)
}

// Status handles GET /status.
func (s *Server) Status(w http.ResponseWriter, _ *http.Request) {
	services := make(map[string]any, len(s.statuses))
	for name, fn := range s.statuses {
		services[name] = fn()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Version:  version.Version,
		Commit:   version.Commit,
		Services: services,
	})
}

// ProcessCalibDate handles POST /calibs/{date}.
func (s *Server) ProcessCalibDate(w http.ResponseWriter, r *http.Request) {
	if s.calibs == nil {
		writeError(w, http.StatusNotImplemented, CodeServiceNotConfigured, "calib maker not configured")
		return
	}
	date, err := domcalib.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "date must be YYYY-MM-DD")
		return
	}

	logpkg.FromContext(r.Context()).Info("Processing calib date on request", zap.String("calib_date", domcalib.FormatDate(date)))
	res, err := s.calibs.ProcessDate(r.Context(), date)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, calibResultToResponse(res))
}

// ClearCalexpMetrics handles DELETE /exposures/calexp-metrics.
func (s *Server) ClearCalexpMetrics(w http.ResponseWriter, r *http.Request) {
	if s.exposures == nil {
		writeError(w, http.StatusNotImplemented, CodeServiceNotConfigured, "exposure collection not configured")
		return
	}
	n, err := s.exposures.ClearCalexpMetrics(r.Context())
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func calibResultToResponse(res calibuc.Result) CalibResultResponse {
	return CalibResultResponse{
		Date:          res.Date,
		IDs:           idStrings(res.IDs),
		ToProcess:     idStrings(res.ToProcess),
		Built:         idStrings(res.Built),
		Failed:        idStrings(res.Failed),
		Archived:      idStrings(res.Archived),
		ArchiveFailed: idStrings(res.ArchiveFailed),
		Skipped:       res.Skipped,
		Abandoned:     res.Abandoned,
	}
}

func idStrings(ids []domcalib.ID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

func sentinelHandler(sentinel error, status int, code string) errorHandler {
	return func(w http.ResponseWriter, err error) bool {
		if !errors.Is(err, sentinel) {
			return false
		}
		writeError(w, status, code, sentinel.Error())
		return true
	}
}

func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	s.logger.Warn("domain error", zap.Error(err))
	for _, h := range s.errorHandlers {
		if h(w, err) {
			return
		}
	}
	s.logger.Error("internal error", zap.Error(err))
	writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
}
