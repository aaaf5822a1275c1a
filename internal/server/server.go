// Package server provides the HTTP API for kioku.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/ingest"
	"github.com/hyperjump/kioku/internal/memory"
)

// Inbox reports the directories watched for producer result files.
type Inbox interface {
	Directories() []string
}

// Server is the HTTP server for the kioku API.
type Server struct {
	memory   *memory.Service
	ingester *ingest.Ingester
	inbox    Inbox
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
}

// NewServer creates a server. ingester and inbox may be nil; the ingest endpoints then answer 501.
func NewServer(
	svc *memory.Service,
	ingester *ingest.Ingester,
	inbox Inbox,
	cfg *config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		memory:   svc,
		ingester: ingester,
		inbox:    inbox,
		config:   cfg,
		logger:   logger,
	}
}

// Router builds the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))
	if origins := s.config.Server.CORSOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/analyses", func(r chi.Router) {
			r.Post("/", s.handleStoreAnalysis)
			r.Get("/", s.handleListAnalyses)
			r.Post("/bulk-delete", s.handleBulkDelete)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetAnalysis)
				r.Delete("/", s.handleDeleteAnalysis)
				r.Patch("/metrics", s.handleUpdateMetrics)
				r.Get("/export", s.handleExport)
				r.Get("/errors", s.handleRawErrors)
				r.Post("/errors", s.handleAppendErrors)
				r.Get("/vector", s.handleVectorMetadata)
			})
		})
		r.Post("/search", s.handleSearch)
		r.Post("/search/similar", s.handleSearchSimilar)
		r.Post("/search/errors", s.handleSearchErrors)
		r.Post("/search/keyword", s.handleSearchKeyword)
		r.Post("/classify", s.handleClassify)
		r.Get("/trends", s.handleTrends)
		r.Get("/comparisons", s.handleComparisons)
		r.Get("/stats", s.handleStats)
		r.Post("/validate", s.handleValidate)
		r.Post("/reindex", s.handleReindex)
		r.Post("/ingest", s.handleIngest)
		r.Get("/ingest/directories", s.handleInboxDirectories)
	})
	r.Get("/health", s.handleHealth)
	if m := s.memory.Metrics(); m != nil {
		r.Handle("/metrics", m.Handler())
	}
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Server.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
