package api

import (
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-911/internal/incident"
	"github.com/JakeFAU/realtime-911/internal/metrics"
	"github.com/JakeFAU/realtime-911/internal/poller"
	"github.com/JakeFAU/realtime-911/internal/storage/memory"
)

// IncidentReader is the cache surface the API reads from.
type IncidentReader interface {
	Get(id string) (incident.Incident, bool)
	SearchPage(f incident.SearchFilters) ([]incident.Incident, int)
	Stats() memory.CacheStats
}

// HealthReporter exposes poller health.
type HealthReporter interface {
	Health() poller.Health
	Ready() bool
}

// Config tunes the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the cache and poller.
type Server struct {
	router   chi.Router
	cache    IncidentReader
	health   HealthReporter
	validate *validator.Validate
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(cache IncidentReader, health HealthReporter, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	s := &Server{
		cache:    cache,
		health:   health,
		validate: newValidator(),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", s.listIncidents)
			r.Get("/active", s.listActive)
			r.Get("/search", s.searchIncidents)
			r.Get("/{id}", s.getIncident)
		})
		r.Get("/cache/stats", s.cacheStats)
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not found")
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// newValidator reports fields by their query parameter names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("query"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}
