package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openstats/importer/internal/config"
	"github.com/openstats/importer/internal/database"
	"github.com/openstats/importer/internal/imports"
	"github.com/openstats/importer/internal/logging"
	"github.com/openstats/importer/internal/queue"
	"github.com/openstats/importer/internal/storage"
	"github.com/openstats/importer/internal/validation"
	"github.com/openstats/importer/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"pending_queue", cfg.Queue.PendingQueue,
		"cancelling_queue", cfg.Queue.CancellingQueue,
	)

	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		slog.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}

	blobs, err := storage.NewFSStore(cfg.Upload.StorageDir)
	if err != nil {
		slog.Error("failed to open storage directory", "error", err)
		os.Exit(1)
	}

	store := imports.NewStore(pool)
	publisher := queue.NewPgPublisher(pool)
	validator := validation.NewValidator(store, cfg.Upload.MaxFileSize, cfg.Upload.MaxAncillaryFileSize)
	orchestrator := imports.NewOrchestrator(store, validator, publisher, blobs,
		cfg.Queue.PendingQueue, cfg.Queue.CancellingQueue)
	reporter := imports.NewReporter(store)

	server := web.NewServer(cfg, orchestrator, reporter)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
