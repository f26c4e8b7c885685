// Package main runs the MCP tools against the fully configured deployment:
// the same store and notifications as the HTTP server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stone-classifier-server/internal/app"
	"github.com/stone-classifier-server/internal/config"
	"github.com/stone-classifier-server/internal/logging"
	"github.com/stone-classifier-server/internal/mcp"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:          "mcp-server",
	Short:        "Stone classifier MCP server over stdio, using the full configuration",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	// Load configuration
	configManager, err := config.NewManagerWithFile(configFile)
	if err != nil {
		return err
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	cfg := configManager.GetConfig()

	// stdout carries the MCP protocol
	cfg.Logging.Output = "stderr"
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
			logger.Info("Shutdown signal received, gracefully shutting down MCP server...")
			cancel()
		case <-ctx.Done():
		}
	}()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer application.Close()

	server := mcp.NewServer(cfg.MCP, application.Predictions, application.History, logger)
	if err := server.Run(ctx); err != nil {
		return err
	}

	logger.Info("Stone classifier MCP server stopped")
	return nil
}
