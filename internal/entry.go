// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/arbor/internal/api"
	"github.com/starford/arbor/internal/backend"
	"github.com/starford/arbor/internal/dataset"
	"github.com/starford/arbor/internal/graphservice"
	"github.com/starford/arbor/internal/mcpserver"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/session"
	"github.com/starford/arbor/internal/sse"
	"github.com/starford/arbor/internal/storage"
	"github.com/starford/arbor/internal/structure"
)

func (a *application) init() (*Config, *slog.Logger, error) {
	if a.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}
	out := a.logOutput
	if out == nil {
		out = os.Stdout
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: a.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return a.config, logger, nil
}

// Run starts the reference backend server with the given options.
func Run(ctx context.Context, opts ...Option) error {
	app := newApplication(opts)
	cfg, logger, err := app.init()
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("records_path", cfg.Records.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("assets_driver", cfg.Assets.Driver),
		slog.String("log_level", cfg.App.LogLevel.String()))

	if err := os.MkdirAll(cfg.Records.Path, 0o755); err != nil {
		return fmt.Errorf("create records dir: %w", err)
	}
	records, err := storage.NewFS(cfg.Records.Path)
	if err != nil {
		return fmt.Errorf("init records: %w", err)
	}
	assets, err := newAssets(cfg, records)
	if err != nil {
		return fmt.Errorf("init assets: %w", err)
	}

	db, err := dataset.Open(cfg.SQLite.Path)
	if err != nil {
		return fmt.Errorf("init dataset: %w", err)
	}
	defer db.Close()

	if v, _, err := dataset.Sync(db, records, logger); err != nil {
		logger.Warn("initial sync failed", slog.String("error", err.Error()))
	} else {
		logger.Info("initial sync done", slog.Int64("version", v))
	}

	m := metrics.New()
	broker := sse.NewBroker(2 * time.Second)
	defer broker.Close()

	svc := graphservice.NewService(db, assets,
		graphservice.WithNotifier(broker),
		graphservice.WithMetrics(m),
		graphservice.WithLogger(logger),
	)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker, m)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health and metrics endpoints (unauthenticated).
	r.Get("/health/live", health)
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		if _, err := db.Version(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		health(w, nil)
	})
	r.Handle("/metrics", m.Handler())

	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Records.Watch {
		g.Go(func() error {
			if err := dataset.Watch(gCtx, db, records, cfg.Records.Path, logger, svc.Changed); err != nil {
				logger.Error("watcher: failed to start", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		waitForShutdown(gCtx, logger)
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunInspect opens a viewer session against the configured backend and
// serves it to an MCP client over stdio. Logs go to stderr.
func RunInspect(ctx context.Context, opts ...Option) error {
	app := newApplication(append([]Option{WithLogOutput(os.Stderr)}, opts...))
	cfg, logger, err := app.init()
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		slog.String("backend", cfg.Backend.BaseURL),
		slog.String("cache_path", cfg.Cache.Path),
		slog.String("padding", cfg.Viewport.Padding))

	m := metrics.New()
	client := backend.NewClient(cfg.Backend.Client(), backend.WithLogger(logger))

	var cache *structure.Cache
	if cfg.Cache.Path != "" {
		cache, err = structure.OpenCache(cfg.Cache.Path)
		if err != nil {
			logger.Warn("structure cache unavailable", slog.String("error", err.Error()))
		} else {
			defer cache.Close()
		}
	}

	sess, err := session.Open(ctx, session.Deps{
		Backend: client,
		Cache:   cache,
		Logger:  logger,
		Metrics: m,
	}, cfg.Session())
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()

	srv := mcpserver.New(sess, mcpserver.WithDefaultBucket(cfg.AssetCache.Bucket))

	g, gCtx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	var metricsServer *http.Server
	if cfg.Metrics.Address != "" {
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           m.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("Starting metrics listener", slog.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(done)
		logger.Info("mcp: serving on stdio")
		return srv.ServeStdio()
	})

	g.Go(func() error {
		select {
		case <-done:
		case <-gCtx.Done():
		}
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("Session closed", slog.Any("stats", sess.Stats()))
	return nil
}

func newAssets(cfg *Config, records *storage.FS) (storage.Assets, error) {
	switch cfg.Assets.Driver {
	case AssetDriverS3:
		return storage.NewS3(cfg.Assets.S3.Storage())
	default:
		if cfg.Assets.Dir == "" {
			return records, nil
		}
		if err := os.MkdirAll(cfg.Assets.Dir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewFS(cfg.Assets.Dir)
	}
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func waitForShutdown(ctx context.Context, logger *slog.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, initiating shutdown")
	}
}
