package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
)

// JobStore is the queue surface the operator API reads and requeues through.
type JobStore interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (string, error)
	Get(ctx context.Context, jobID string) (*queue.Job, error)
	List(ctx context.Context, filter queue.ListFilter) ([]*queue.Job, error)
	Depth(ctx context.Context) (int, error)
	Requeue(ctx context.Context, jobID string) error
	ListAttempts(ctx context.Context, jobID string) ([]queue.Attempt, error)
}

// QuarantineReader exposes quarantine records for drill-down.
type QuarantineReader interface {
	ListByJob(ctx context.Context, jobID string) ([]quarantine.Record, error)
}

// Breakers is the operator view of circuit breakers.
type Breakers interface {
	List(ctx context.Context) ([]breaker.State, error)
	Resume(ctx context.Context, plugin string) error
}

// Manifests is the operator view of the manifest registry.
type Manifests interface {
	List(ctx context.Context, name string) ([]*plugin.Entry, error)
	Promote(ctx context.Context, id string) (*plugin.Entry, error)
	Reject(ctx context.Context, id, reason string) (*plugin.Entry, error)
}

// Dispatcher is the running dispatcher, when this process hosts one.
type Dispatcher interface {
	Cancel(jobID string) error
	Wake()
	Running() int
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the operator bearer token. With ReadKey it gates the API;
	// both empty disables authentication.
	APIKey string
	// ReadKey grants GET and HEAD only.
	ReadKey string
	// MaxAttempts is applied to enqueued jobs that do not set their own.
	MaxAttempts int
}

// Deps are the stores and services the API serves.
type Deps struct {
	Queue      JobStore
	Quarantine QuarantineReader
	Breakers   Breakers
	Manifests  Manifests
	Dispatcher Dispatcher
	Events     *events.Hub
	Metrics    *metrics.Metrics
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	queue      JobStore
	quarantine QuarantineReader
	breakers   Breakers
	manifests  Manifests
	dispatcher Dispatcher
	events     *events.Hub
	metrics    *metrics.Metrics
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	now        func() time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.NewHub(256)
	}
	return &Server{
		config:     config,
		queue:      deps.Queue,
		quarantine: deps.Quarantine,
		breakers:   deps.Breakers,
		manifests:  deps.Manifests,
		dispatcher: deps.Dispatcher,
		events:     deps.Events,
		metrics:    deps.Metrics,
		logger:     logger,
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// SSE streams stay open; handlers bound their own work.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.config.APIKey != "" || s.config.ReadKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/events", s.handleEvents)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleEnqueue)
			r.Get("/", s.handleListJobs)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Get("/quarantine", s.handleJobQuarantine)
				r.Get("/attempts", s.handleJobAttempts)
				r.Post("/requeue", s.handleRequeue)
				r.Post("/cancel", s.handleCancel)
			})
		})

		r.Get("/breakers", s.handleListBreakers)
		r.Post("/breakers/{plugin}/resume", s.handleResumeBreaker)

		r.Get("/plugins/{name}/manifests", s.handleListManifests)
		r.Post("/manifests/{id}/promote", s.handlePromote)
		r.Post("/manifests/{id}/reject", s.handleReject)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
