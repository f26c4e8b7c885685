package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/middleware"
	"github.com/stone-classifier-server/internal/service"
)

// Version is reported by /health.
var Version = "1.0.0"

// BreakerStater reports the predictor circuit state.
type BreakerStater interface {
	State() string
}

// Services are the collaborators the HTTP handlers call into.
type Services struct {
	Store       domain.RecordStore
	Records     *service.RecordService
	Predictions *service.PredictionService
	History     *service.HistoryService
	Breaker     BreakerStater // optional
}

// Server represents the HTTP server
type Server struct {
	config   domain.ServerConfig
	services Services
	router   *gin.Engine
	server   *http.Server
	upgrader websocket.Upgrader
	log      *logrus.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *domain.Config, services Services, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}

	// Set Gin mode based on environment
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.AuditLogger(logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORS())

	server := &Server{
		config:   cfg.Server,
		services: services,
		router:   router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true // CORS is open for the REST routes too
			},
		},
		log: logger,
	}

	server.setupRoutes()

	return server
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
// History streams end when ctx does since their request contexts derive
// from it.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("HTTP server listening")
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s.log.Info("Shutting down HTTP server")
	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		api.POST("/upload", middleware.BodyLimit(s.maxUploadBytes()), s.handleUpload)
		api.POST("/records", s.handleCreateRecord)
		api.GET("/records", s.handleListRecords)
		api.POST("/model/predict", s.handlePredict)
		api.GET("/patients/:id/history", s.handleHistory)
		api.GET("/patients/:id/history/stream", s.handleHistoryStream)
	}
}

func (s *Server) maxUploadBytes() int64 {
	mb := s.config.MaxUploadMB
	if mb <= 0 {
		mb = 50
	}
	return mb << 20
}

// handleHealth reports store reachability and the predictor breaker state.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	storeStatus := "ok"
	if s.services.Store != nil {
		if err := s.services.Store.Ping(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
			storeStatus = err.Error()
		}
	}

	predictorState := "unknown"
	if s.services.Breaker != nil {
		predictorState = s.services.Breaker.State()
	}

	c.JSON(code, gin.H{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"version":   Version,
		"store":     storeStatus,
		"predictor": predictorState,
	})
}
