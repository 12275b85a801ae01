package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/graph-web/internal/config"
	"github.com/tjfontaine/graph-web/internal/graphview"
	"github.com/tjfontaine/graph-web/internal/proxy"
	"github.com/tjfontaine/graph-web/internal/pubsub"
	"github.com/tjfontaine/graph-web/internal/server"
	"github.com/tjfontaine/graph-web/internal/telemetry"
	"github.com/tjfontaine/graph-web/internal/upstream"
	"github.com/tjfontaine/graph-web/internal/web"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(config.DefaultPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Tracing, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	metrics := telemetry.NewCollector("graphweb")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fwd := proxy.New(cfg.Upstream.BaseURL,
		proxy.WithLogger(logger),
		proxy.WithMetrics(metrics),
	)
	client := upstream.New(fwd, upstream.WithBreaker(upstream.BreakerConfig{
		MaxFailures: uint32(cfg.Upstream.Breaker.MaxFailures),
		Cooldown:    cfg.Upstream.Breaker.Cooldown,
		Logger:      logger,
	}))

	if err := config.Watch(ctx, config.DefaultPath, logger, func(next *config.Config) {
		if next.Upstream.BaseURL != fwd.BaseURL() {
			logger.Info("upstream base URL changed", slog.String("base_url", next.Upstream.BaseURL))
			fwd.SetBaseURL(next.Upstream.BaseURL)
		}
	}); err != nil {
		logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
	}

	publisher := pubsub.NewSSEPublisher(pubsub.TopicConfig{BufferSize: 1}, logger)

	registry := graphview.NewRegistry(client, publisher, graphview.RegistryOptions{
		RootID:  cfg.Graph.RootID,
		Depth:   cfg.Graph.Depth,
		IdleTTL: cfg.Views.IdleTTL,
		Logger:  logger,
		Metrics: metrics,
	})

	srv := server.New(server.Options{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		ServiceName:    cfg.Telemetry.ServiceName,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Metrics:        metrics,
	}, logger)

	proxyHandler := fwd.Handler()
	srv.Router.HandleFunc("/proxy/*", proxyHandler)
	srv.Router.HandleFunc("/api_proxy/*", proxyHandler)

	srv.Router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"service": cfg.Telemetry.ServiceName,
		})
	})
	srv.Router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := client.Health(r.Context()); err != nil {
			server.AddError(r.Context(), err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	srv.Router.Handle("/metrics", metrics.Handler())

	srv.Router.Mount("/api/views", graphview.NewHandler(registry, publisher, logger).Routes())
	srv.Router.Handle("/*", web.Handler())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		registry.Run(gctx, cfg.Views.SweepInterval)
		return nil
	})
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// End open event streams so Shutdown does not wait on them.
		_ = publisher.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	logger.Info("graph-web started",
		slog.Int("port", cfg.Server.Port),
		slog.String("upstream", fwd.BaseURL()),
	)

	if err := g.Wait(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("graph-web shutdown complete")
}
