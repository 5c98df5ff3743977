// Package httpserver provides the HTTP REST API server for the PRISMA review service.
package httpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/helixir/prisma-review-service/internal/archive"
	"github.com/helixir/prisma-review-service/internal/database"
	"github.com/helixir/prisma-review-service/internal/domain"
	"github.com/helixir/prisma-review-service/internal/export"
	"github.com/helixir/prisma-review-service/internal/prisma"
)

// ReviewService is the application service behind the HTTP API.
// *prisma.Service implements it.
type ReviewService interface {
	CreateReview(ctx context.Context, nr domain.NewReview) (int64, error)
	ListReviews(ctx context.Context, owner string) ([]domain.ReviewSummary, error)
	GetReview(ctx context.Context, owner string, reviewID int64) (*domain.Review, error)
	UpdateReviewStatus(ctx context.Context, owner string, reviewID int64, status domain.ReviewStatus) error
	UpdateSearchStrategy(ctx context.Context, owner string, reviewID int64, strategy string) error
	ImportStudies(ctx context.Context, owner string, reviewID int64, candidates []domain.Candidate, opts prisma.ImportOptions) (domain.ImportResult, error)
	ImportFromSource(ctx context.Context, owner string, reviewID int64, query string, maxResults int, opts prisma.ImportOptions) (domain.ImportResult, error)
	Deduplicate(ctx context.Context, owner string, reviewID int64, method string) (int, error)
	ListStudies(ctx context.Context, owner string, reviewID int64, status *domain.StudyStatus) ([]domain.Study, error)
	UpdateStudyStatus(ctx context.Context, owner string, studyID int64, status domain.StudyStatus, notes string) error
	Stats(ctx context.Context, owner string, reviewID int64) (domain.PrismaStats, error)
	Export(ctx context.Context, owner string, reviewID int64, format export.Format) ([]byte, error)
	ArchiveExport(ctx context.Context, owner string, reviewID int64, format export.Format) (*archive.Object, error)
}

// HealthChecker reports the health of the backing store.
type HealthChecker interface {
	Health(ctx context.Context) database.HealthStatus
}

// Server is the HTTP REST API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	service    ReviewService
	health     HealthChecker
	validate   *validator.Validate
	maxBody    int64
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	MaxBodyBytes int64
}

// defaultMaxBodyBytes applies when Config.MaxBodyBytes is not set.
const defaultMaxBodyBytes = 64 << 20

// NewServer creates a new HTTP server with all dependencies.
func NewServer(cfg Config, service ReviewService, health HealthChecker, logger zerolog.Logger) *Server {
	s := &Server{
		service:  service,
		health:   health,
		validate: newValidator(),
		maxBody:  cfg.MaxBodyBytes,
		logger:   logger.With().Str("component", "http-server").Logger(),
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// newValidator reports request fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(s.requestLogger)

	// Health endpoints (no owner)
	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ownerMiddleware)

		r.Post("/reviews", s.createReview)
		r.Get("/reviews", s.listReviews)
		r.Route("/reviews/{reviewID}", func(r chi.Router) {
			r.Get("/", s.getReview)
			r.Patch("/status", s.updateReviewStatus)
			r.Put("/search-strategy", s.updateSearchStrategy)
			r.Post("/studies/import", s.importStudies)
			r.Post("/studies/import/pubmed", s.importFromPubMed)
			r.Get("/studies", s.listStudies)
			r.Post("/deduplicate", s.deduplicate)
			r.Get("/stats", s.getStats)
			r.Get("/export", s.exportReview)
			r.Post("/export/archive", s.archiveExport)
		})
		r.Patch("/studies/{studyID}/status", s.updateStudyStatus)
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	health := s.health.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler reports whether the service can take traffic.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.health.Health(r.Context())
	if health.Status != "healthy" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "not_ready",
			"database": health.Status,
			"error":    health.Error,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"database":       "healthy",
		"acquired_conns": health.AcquiredConns,
		"max_conns":      health.MaxConns,
	})
}
