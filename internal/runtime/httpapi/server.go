// Package httpapi serves the read surface: resources, their latest
// conditions with paginated history, a full history stream, the comparison
// report and the websocket hub.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	errspkg "github.com/drblury/conditionflow/internal/runtime/errors"
	"github.com/drblury/conditionflow/internal/runtime/history"
	"github.com/drblury/conditionflow/internal/runtime/jsoncodec"
	"github.com/drblury/conditionflow/internal/runtime/logging"
	"github.com/drblury/conditionflow/store"
)

// DefaultReportWindow is how far back the comparison report looks.
const DefaultReportWindow = 7 * 24 * time.Hour

// Config controls cross-cutting HTTP behaviour.
type Config struct {
	// AllowedOrigins enables CORS for the listed origins. "*" allows any.
	AllowedOrigins []string
	// RateLimit is requests per minute per client IP on the read API. Zero
	// disables limiting.
	RateLimit int
	// ReportWindow defaults to DefaultReportWindow.
	ReportWindow time.Duration
}

// Server holds the handler dependencies.
type Server struct {
	catalog store.Catalog
	reader  *history.Reader
	logger  logging.ServiceLogger
	cfg     Config

	hub     http.Handler
	metrics http.Handler
	status  func() any
	now     func() time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithHub mounts the websocket hub on /hubs/resource-conditions.
func WithHub(h http.Handler) Option {
	return func(s *Server) { s.hub = h }
}

// WithMetricsHandler mounts h on /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithStatus makes /healthz serve the value returned by fn.
func WithStatus(fn func() any) Option {
	return func(s *Server) { s.status = fn }
}

// WithClock sets the clock used for the report window.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// NewServer returns a Server reading resources from catalog and history
// pages through reader.
func NewServer(catalog store.Catalog, reader *history.Reader, logger logging.ServiceLogger, cfg Config, opts ...Option) (*Server, error) {
	if catalog == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if reader == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.ReportWindow <= 0 {
		cfg.ReportWindow = DefaultReportWindow
	}
	s := &Server{
		catalog: catalog,
		reader:  reader,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.logRequests)
	r.Use(chimiddleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.hub != nil {
		r.Method(http.MethodGet, "/hubs/resource-conditions", s.hub)
	}

	r.Group(func(r chi.Router) {
		if s.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(s.cfg.RateLimit, time.Minute))
		}
		r.Get("/resources", s.handleListResources)
		r.Get("/resources/{id}/conditions", s.handleConditions)
		r.Get("/resources/{id}/history/stream", s.handleHistoryStream)
		r.Get("/reports/snow-comparison", s.handleSnowComparison)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("HTTP request", logging.LogFields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  chimiddleware.GetReqID(r.Context()),
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.status != nil {
		s.writeJSON(w, http.StatusOK, s.status())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.logger.Error("Failed to encode response", err, nil)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("Request failed", err, logging.LogFields{
		"path":       r.URL.Path,
		"request_id": chimiddleware.GetReqID(r.Context()),
	})
	s.writeError(w, http.StatusInternalServerError, "internal server error")
}
