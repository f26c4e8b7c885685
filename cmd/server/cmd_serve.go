package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stone-classifier-server/internal/api"
	"github.com/stone-classifier-server/internal/app"
	"github.com/stone-classifier-server/internal/config"
	"github.com/stone-classifier-server/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (default command)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	configManager, err := config.NewManagerWithFile(configFile)
	if err != nil {
		return err
	}
	if err := configManager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	cfg := configManager.GetConfig()

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
			logger.Info("Shutdown signal received, gracefully shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			logger.WithError(err).Error("Shutdown cleanup failed")
		}
	}()

	api.Version = version
	server := api.NewServer(cfg, application.APIServices(), logger)

	logger.WithField("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).Info("Starting stone classifier server")
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
