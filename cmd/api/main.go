package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/maltedev/catalog-dedup/internal/api"
	"github.com/maltedev/catalog-dedup/internal/app"
	"github.com/maltedev/catalog-dedup/internal/config"
	"github.com/maltedev/catalog-dedup/internal/queue"
	"github.com/maltedev/catalog-dedup/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	logger := a.Logger
	slog.SetDefault(logger)

	if _, err := a.Engine.Warm(ctx); err != nil {
		logger.Error("failed to warm identity map", "error", err)
		os.Exit(1)
	}

	ingestQueue := queue.NewInMemoryQueue(cfg.Server.QueueSize)
	ingestor := api.NewIngestor(ingestQueue, a.Runner(), cfg.Loader.BatchSize, logger)
	go func() {
		if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("ingest worker stopped with error", "error", err)
		}
	}()

	opts := []api.Option{api.WithIngestor(ingestor), api.WithLocation(a.Location)}
	if a.Relay != nil {
		opts = append(opts, api.WithBacklog(a.Relay))
		go func() {
			if err := a.Relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("relay stopped with error", "error", err)
			}
		}()
	}

	handlers := api.NewHandlers(a.Backend, a.Backend, logger, opts...)
	limiter := ratelimit.NewLimiter(cfg.Server.IngestRate, cfg.Server.IngestBurst)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(handlers, limiter),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
		ingestQueue.Close()
		cancel()
	}()

	logger.Info("server starting", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
