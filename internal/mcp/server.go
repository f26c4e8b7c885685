// Package mcp exposes prediction and patient history as MCP tools.
package mcp

import (
	"context"
	"fmt"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/service"
)

// Server wraps the MCP SDK server with the stone classification tools.
type Server struct {
	MCPServer   *sdkmcp.Server
	predictions *service.PredictionService
	history     *service.HistoryService
	logger      *logrus.Logger
}

// NewServer creates an MCP server instance with its tools registered.
func NewServer(cfg domain.MCPConfig, predictions *service.PredictionService, history *service.HistoryService, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "stone-classifier-mcp"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "v0.1.0"
	}

	serverInfo := &sdkmcp.Implementation{
		Name:    cfg.ServerName,
		Version: cfg.ServerVersion,
	}

	s := &Server{
		MCPServer:   sdkmcp.NewServer(serverInfo, nil),
		predictions: predictions,
		history:     history,
		logger:      logger,
	}
	s.registerTools()

	return s
}

// Run serves MCP over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.Serve(ctx, &sdkmcp.StdioTransport{})
}

// Serve runs the server on an arbitrary transport.
func (s *Server) Serve(ctx context.Context, transport sdkmcp.Transport) error {
	s.logger.Info("Starting stone classifier MCP server")

	if err := s.MCPServer.Run(ctx, transport); err != nil && ctx.Err() == nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}
