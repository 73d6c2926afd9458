package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/noahxzhu/mission-notify/internal/auth"
	"github.com/noahxzhu/mission-notify/internal/config"
	"github.com/noahxzhu/mission-notify/internal/fcm"
	"github.com/noahxzhu/mission-notify/internal/metrics"
	"github.com/noahxzhu/mission-notify/internal/model"
	"github.com/noahxzhu/mission-notify/internal/observer"
	"github.com/noahxzhu/mission-notify/internal/storage"
	"github.com/noahxzhu/mission-notify/internal/web"
	"github.com/noahxzhu/mission-notify/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "configs/config.yaml", "path to the config file")
	pflag.Parse()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	// Load Config
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// Init Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Push Dispatcher
	pushTokens, err := auth.LoadProvider(cfg.Firebase.CredentialsPath, cfg.Push.CacheToken, auth.MessagingScope)
	if err != nil {
		logger.Error("Failed to load service account", "error", err)
		os.Exit(1)
	}
	dispatcher := fcm.NewClient(cfg.Endpoint(), pushTokens, logger, m)

	// Init Datastore
	store, feed, err := openDatastore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to open datastore", "driver", cfg.Datastore.Driver, "error", err)
		os.Exit(1)
	}

	// Init Worker
	scanner := worker.NewScanner(store, dispatcher, worker.ScanOptions{
		Window: cfg.Scan.Window,
		Template: model.Template{
			TitlePrefix: cfg.Push.TitlePrefix,
			Body:        cfg.Push.Body,
		},
		MaxConcurrentMissions: cfg.Scan.MaxConcurrentMissions,
		MaxConcurrentLookups:  cfg.Scan.MaxConcurrentLookups,
	}, logger, m)

	loc, err := cfg.Schedule.Location()
	if err != nil {
		logger.Error("Failed to load schedule timezone", "timezone", cfg.Schedule.Timezone, "error", err)
		os.Exit(1)
	}
	w := worker.NewWorker(scanner, cfg.Schedule.Hour, loc, logger)
	w.RunOnStart = cfg.Schedule.RunOnStart

	// Start Observer and Worker
	obs := observer.New(feed, logger, m)
	go func() {
		if err := obs.Start(ctx); err != nil {
			logger.Error("Mission observer stopped", "error", err)
		}
	}()
	go func() {
		if err := w.Start(ctx); err != nil {
			logger.Error("Worker failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Start HTTP Server
	var httpServer *http.Server
	if cfg.Server.Port != "" {
		httpServer = &http.Server{
			Addr:    cfg.Server.Port,
			Handler: web.NewServer(scanner, w, reg, cfg.Server.AdminToken),
		}
		go func() {
			logger.Info("Starting server", "port", cfg.Server.Port)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("HTTP server error", "error", err)
				os.Exit(1)
			}
		}()
	}

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")
	cancel() // Stop worker and observer

	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
			os.Exit(1)
		}
	}
	logger.Info("Server exited")
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.ParseLevel()}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func openDatastore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (worker.MissionStore, observer.Feed, error) {
	if cfg.Datastore.Driver == config.DriverFile {
		store := storage.NewStore(cfg.Datastore.FilePath, logger)
		if err := store.Load(); err != nil {
			return nil, nil, err
		}
		return store, store, nil
	}

	store, err := storage.NewFirebaseStore(ctx, cfg.Firebase.ProjectID, cfg.Firebase.DatabaseURL, cfg.Firebase.CredentialsPath, logger)
	if err != nil {
		return nil, nil, err
	}
	dbTokens, err := auth.LoadProvider(cfg.Firebase.CredentialsPath, true, auth.DatabaseScope, auth.EmailScope)
	if err != nil {
		return nil, nil, err
	}
	return store, storage.NewStream(cfg.Firebase.DatabaseURL, dbTokens, logger), nil
}
