// Package main runs the stone classifier as a standalone MCP server over
// stdio. It needs no external services: records live in SQLite under the
// data directory.
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
	"github.com/stone-classifier-server/internal/setup"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "mcp-server-lite",
	Short: "Stone classifier MCP server over stdio",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	SilenceUsage: true,
	RunE:         runMCP,
}

var (
	setupConfigPath string
	setupBinary     string
	setupDataDir    string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Register this server with a desktop MCP client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, err := setup.Register(setup.Options{
			ConfigPath: setupConfigPath,
			BinaryPath: setupBinary,
			DataDir:    setupDataDir,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Registered %s in %s\nRestart the client to load it.\n", setup.ServerName, path)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the client registration status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		status, err := setup.GetStatus(setupConfigPath)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Config file: %s\n", status.ConfigPath)
		fmt.Fprintf(out, "Registered:  %t\n", status.Registered)
		if status.Registered {
			fmt.Fprintf(out, "Binary:      %s\n", status.Server.Command)
		}
		for _, issue := range status.Issues {
			fmt.Fprintf(out, "  ! %s\n", issue)
		}
		return nil
	},
}

func init() {
	setupCmd.PersistentFlags().StringVar(&setupConfigPath, "client-config", "", "client config file (default: Claude Desktop config for this OS)")
	setupCmd.Flags().StringVarP(&setupBinary, "binary", "b", "", "server binary to register (default: this executable)")
	setupCmd.Flags().StringVarP(&setupDataDir, "data-dir", "d", "", "data directory passed to the server")
	setupCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(setupCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMCP(cmd *cobra.Command, _ []string) error {
	liteCfg := config.LoadLiteConfig()
	if err := liteCfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	cfg := liteCfg.ToConfig()

	// stdout carries the MCP protocol
	cfg.Logging.Output = "stderr"
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	logger.WithField("data_dir", liteCfg.DataDir).Info("Starting stone classifier MCP server (lite)")

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
	defer application.Close()

	cfg.MCP.ServerVersion = version
	server := mcp.NewServer(cfg.MCP, application.Predictions, application.History, logger)
	if err := server.Run(ctx); err != nil {
		return err
	}

	logger.Info("Stone classifier MCP server (lite) stopped")
	return nil
}
