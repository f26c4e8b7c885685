// Package main provides the standalone HTTP server. It requires no external
// databases: records live in SQLite and settings come from STONE_*
// environment variables.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/stone-classifier-server/internal/api"
	"github.com/stone-classifier-server/internal/app"
	"github.com/stone-classifier-server/internal/config"
	"github.com/stone-classifier-server/internal/logging"
)

func main() {
	// Load lightweight configuration
	liteCfg := config.LoadLiteConfig()
	if err := liteCfg.EnsureDataDir(); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	cfg := liteCfg.ToConfig()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	defer logCloser.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer application.Close()

	logger.WithField("data_dir", liteCfg.DataDir).Info("Starting stone classifier server (lite)")

	server := api.NewServer(cfg, application.APIServices(), logger)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Server stopped")
}
