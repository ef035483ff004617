package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/markdave123-py/docpipe/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/docpipe/internal/api/middlewares"
	"github.com/markdave123-py/docpipe/internal/config"
	"github.com/markdave123-py/docpipe/internal/core/cache"
	"github.com/markdave123-py/docpipe/internal/logging"
	"github.com/markdave123-py/docpipe/internal/services"
)

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// ServerDeps are the collaborators the routes delegate to. Cache and
// Archive may be nil.
type ServerDeps struct {
	Processor handlers.Processor
	Cache     *cache.ResultCache
	Archive   *services.DocumentService
	Registry  *prometheus.Registry
}

// NewServer builds and wires all routes.
func NewServer(cfg *config.Config, deps ServerDeps, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           NewRouter(cfg, deps, logger),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named("server"),
	}
}

// NewRouter returns the route tree. Processing routes have no request
// timeout; they end when the pipeline does or the client goes away.
func NewRouter(cfg *config.Config, deps ServerDeps, logger *zap.Logger) http.Handler {
	docHandler := handlers.NewDocumentHandler(deps.Processor, deps.Archive, cfg.MaxUploadBytes, logger)
	taskHandler := handlers.NewTaskHandler(deps.Processor)
	cacheHandler := handlers.NewCacheHandler(deps.Cache, logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(appMiddleware.AccessLog(logger.Named("http")))
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8888"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{Registry: deps.Registry}))
	}

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWT(cfg.JWTSecret))

		api.Post("/process", docHandler.Process)
		api.Post("/process/async", docHandler.ProcessAsync)
		api.Post("/batches", docHandler.Batch)
		api.Post("/batches/wait", docHandler.WaitBatch)

		api.Group(func(quick chi.Router) {
			quick.Use(middleware.Timeout(30 * time.Second))
			quick.Get("/tasks/{id}", taskHandler.GetTask)
			quick.Get("/queue", taskHandler.QueueStatus)
			quick.Get("/cache/stats", cacheHandler.Stats)
			quick.Delete("/cache/{fingerprint}", cacheHandler.Invalidate)
			quick.Post("/cache/sweep", cacheHandler.Sweep)
		})
	})
	return r
}

// Start runs the HTTP server until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
