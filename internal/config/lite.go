package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/stone-classifier-server/internal/domain"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external databases and uses sensible defaults.
type LiteConfig struct {
	// Data storage
	DataDir   string // Base directory for the record database
	UploadDir string // Where uploaded artifacts are written; defaults under DataDir

	// History settings
	HistoryLimit     int // Default entries per patient
	HistoryCacheSize int           // Patients memoized by the history service; 0 disables
	HistoryCacheTTL  time.Duration // Lifetime of a memoized history

	// Predictor settings
	PredictorCommand string        // Empty runs simulation only
	PredictorArgs    []string      // Arguments before the artifact path
	PredictorTimeout time.Duration // Per-invocation limit
	PositiveToken    string        // Name token that forces a positive simulation

	// Transport settings
	HTTPHost    string
	HTTPPort    int
	MaxUploadMB int64

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".stone-classifier")

	return &LiteConfig{
		DataDir:          dataDir,
		HistoryLimit:     domain.DefaultHistoryLimit,
		HistoryCacheTTL:  2 * time.Second,
		PredictorTimeout: 30 * time.Second,
		PositiveToken:    "stone",
		HTTPHost:         "0.0.0.0",
		HTTPPort:         4002,
		MaxUploadMB:      50,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	// Data directories
	if v := os.Getenv("STONE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("STONE_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}

	// History
	if v := os.Getenv("STONE_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HistoryLimit = n
		}
	}
	if v := os.Getenv("STONE_HISTORY_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.HistoryCacheSize = n
		}
	}
	if v := os.Getenv("STONE_HISTORY_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.HistoryCacheTTL = d
		}
	}

	// Predictor
	cfg.PredictorCommand = os.Getenv("STONE_PREDICTOR_COMMAND")
	if v := os.Getenv("STONE_PREDICTOR_ARGS"); v != "" {
		cfg.PredictorArgs = strings.Fields(v)
	}
	if v := os.Getenv("STONE_PREDICTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.PredictorTimeout = d
		}
	}
	if v := os.Getenv("STONE_POSITIVE_TOKEN"); v != "" {
		cfg.PositiveToken = v
	}

	// Transport
	if v := os.Getenv("STONE_HTTP_HOST"); v != "" {
		cfg.HTTPHost = v
	}
	if v := os.Getenv("STONE_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("STONE_MAX_UPLOAD_MB"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.MaxUploadMB = n
		}
	}

	// Logging
	if v := os.Getenv("STONE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STONE_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// RecordsDBPath returns the path to the records SQLite database.
func (c *LiteConfig) RecordsDBPath() string {
	return filepath.Join(c.DataDir, "records.db")
}

// UploadPath returns the directory uploads are written to.
func (c *LiteConfig) UploadPath() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.UploadPath(), 0755)
}

// ToConfig expands the lite settings into the full configuration shape so
// both deployments share server and service construction.
func (c *LiteConfig) ToConfig() *domain.Config {
	return &domain.Config{
		Server: domain.ServerConfig{
			Host:         c.HTTPHost,
			Port:         c.HTTPPort,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
			MaxUploadMB:  c.MaxUploadMB,
		},
		Database: domain.DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: c.RecordsDBPath(),
		},
		Logging: domain.LoggingConfig{
			Level:  c.LogLevel,
			Format: c.LogFormat,
			Output: "stdout",
		},
		Predictor: domain.PredictorConfig{
			Command:       c.PredictorCommand,
			Args:          c.PredictorArgs,
			Timeout:       c.PredictorTimeout,
			RateLimit:     4,
			Burst:         4,
			PositiveToken: c.PositiveToken,
			Breaker: domain.BreakerConfig{
				MaxRequests:  1,
				Interval:     time.Minute,
				Timeout:      30 * time.Second,
				MinRequests:  3,
				FailureRatio: 0.6,
			},
		},
		Storage: domain.StorageConfig{
			UploadDir:        c.UploadPath(),
			HistoryLimit:     c.HistoryLimit,
			HistoryCacheSize: c.HistoryCacheSize,
			HistoryCacheTTL:  c.HistoryCacheTTL,
		},
		MCP: domain.MCPConfig{
			ServerName:    "stone-classifier",
			ServerVersion: "1.0.0",
		},
	}
}
