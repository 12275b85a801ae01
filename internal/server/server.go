package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/graph-web/internal/telemetry"
)

// Options configures the HTTP server.
type Options struct {
	Port int
	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
	ServiceName    string
	// CORSOrigins lists the origins allowed to call the API cross-origin.
	CORSOrigins []string
	Metrics     *telemetry.Collector
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	http   *http.Server
}

func New(opts Options, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
	r.Use(LoggingMiddleware(logger))
	r.Use(MetricsMiddleware(opts.Metrics))

	if opts.RequestTimeout > 0 {
		r.Use(TimeoutMiddleware(opts.RequestTimeout))
	}

	r.Use(middleware.Recoverer)

	name := opts.ServiceName
	if name == "" {
		name = "graph-web"
	}
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, name)
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
		http: &http.Server{
			Addr:              fmt.Sprintf(":%d", opts.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server. Start returns immediately if it is
// called after Shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
