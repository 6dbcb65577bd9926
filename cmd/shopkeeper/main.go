package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/shopkeeper/internal/app"
	"github.com/ent0n29/shopkeeper/internal/config"
	"github.com/ent0n29/shopkeeper/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		observability.Logger().Error("config error", "error", err)
		os.Exit(1)
	}
	logger := observability.SetupLogger(os.Stdout, cfg.LogLevel)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}()

	logger.Info("backends ready",
		"sessions", built.Backends.Sessions,
		"vectors", built.Backends.Vectors,
		"embedding", built.Backends.Embedding,
		"catalog", built.Backends.Catalog,
		"llm_mode", built.Backends.LLMMode,
	)

	built.Sessions.StartJanitor(runCtx, cfg.SessionSweepInterval)
	built.IndexIfEmpty(runCtx, logger)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}

	logger.Info("shutdown complete")
}
