// Package http provides the HTTP server and handlers.
package http //nolint:revive // package name conflicts with stdlib but is acceptable in this context

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/jobrunner/parcelmaps/internal/application"
	"github.com/jobrunner/parcelmaps/internal/config"
	"github.com/jobrunner/parcelmaps/internal/ports/input"
)

// Reloader reloads theme definitions on request.
type Reloader interface {
	TriggerReload(ctx context.Context) (application.ReloadResult, error)
}

// Services are the application ports served over HTTP. Reports and
// Reloader are optional.
type Services struct {
	Themes   input.ThemeCatalog
	Renderer input.Renderer
	Reports  input.ReportGenerator
	Health   input.HealthChecker
	Reloader Reloader
}

// Server wraps the HTTP server with application handlers.
type Server struct {
	server     *http.Server
	router     *mux.Router
	services   Services
	middleware []mux.MiddlewareFunc
	origins    originPolicy
	logger     *slog.Logger
	config     config.ServerConfig
}

// Option configures a Server.
type Option func(*Server)

// WithMiddleware adds router middleware, e.g. metrics collection.
func WithMiddleware(mw ...mux.MiddlewareFunc) Option {
	return func(s *Server) {
		s.middleware = append(s.middleware, mw...)
	}
}

// WithTLS serves HTTPS with cfg.
func WithTLS(cfg *tls.Config) Option {
	return func(s *Server) {
		s.server.TLSConfig = cfg
	}
}

// NewServer creates a new HTTP server.
func NewServer(cfg config.ServerConfig, services Services, logger *slog.Logger, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	s := &Server{
		services: services,
		origins:  newOriginPolicy(cfg.CORS.AllowedOrigins),
		logger:   logger,
		config:   cfg,
		server: &http.Server{
			Addr:              cfg.Address(),
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRoutes()
	s.server.Handler = s.router

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *mux.Router {
	r := mux.NewRouter()

	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	if s.config.CORS.Enabled() {
		r.Use(s.corsMiddleware)
	}
	r.Use(s.middleware...)

	if s.config.CORS.Enabled() {
		// Preflight requests are answered by corsMiddleware.
		r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	}

	// Health endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/health/live", s.handleLiveness).Methods(http.MethodGet)
	r.HandleFunc("/health/ready", s.handleReadiness).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	if s.services.Reloader != nil {
		api.HandleFunc("/themes/reload", s.handleReload).Methods(http.MethodPost)
	}
	api.HandleFunc("/themes", s.handleListThemes).Methods(http.MethodGet)
	api.HandleFunc("/themes/{theme}", s.handleGetTheme).Methods(http.MethodGet)
	api.HandleFunc("/themes/{theme}/render", s.handleRender).Methods(http.MethodPost)

	if s.services.Reports != nil {
		api.HandleFunc("/reports", s.handleReport).Methods(http.MethodPost)
		api.HandleFunc("/renders", s.handleHistory).Methods(http.MethodGet)
	}

	r.HandleFunc("/openapi.json", s.handleOpenAPI).Methods(http.MethodGet)

	return r
}

// Router returns the mux router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if s.server.TLSConfig != nil {
		s.logger.Info("starting HTTPS server", "address", s.config.Address())
		return s.server.ListenAndServeTLS("", "")
	}
	s.logger.Info("starting HTTP server", "address", s.config.Address())
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs incoming requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"bytes", wrapped.written,
			"duration", time.Since(start),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("panic recovered", "error", err, "path", r.URL.Path)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += n
	return n, err
}
