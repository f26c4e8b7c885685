// Package config loads server configuration: a viper-backed Manager for the
// full deployment and an environment-only LiteConfig for standalone use.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/stone-classifier-server/internal/domain"
)

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v          *viper.Viper
	configFile string
	config     *domain.Config
}

// NewManager creates a new configuration manager
func NewManager() (*Manager, error) {
	return NewManagerWithFile("")
}

// NewManagerWithFile creates a manager reading an explicit config file.
// An empty path searches the default locations.
func NewManagerWithFile(path string) (*Manager, error) {
	m := &Manager{configFile: path}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := viper.New()

	if m.configFile != "" {
		v.SetConfigFile(m.configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stone-classifier/")
	}

	// Set environment variable prefix and enable automatic env binding
	v.SetEnvPrefix("STONE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read configuration file (optional - will use defaults and env vars if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || m.configFile != "" {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.v = v
	m.config = config
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 4002)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.max_upload_mb", 50)
	v.SetDefault("server.tls_enabled", false)

	// Database defaults
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "stone_classifier")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.sqlite_path", "./data/records.db")
	v.SetDefault("database.migrations_path", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.conn_max_idle_time", "1m")

	// Cache defaults
	v.SetDefault("cache.redis_url", "redis://localhost:6379")
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.pool_timeout", "4s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	// Predictor defaults
	v.SetDefault("predictor.command", "")
	v.SetDefault("predictor.args", []string{})
	v.SetDefault("predictor.timeout", "30s")
	v.SetDefault("predictor.rate_limit", 4)
	v.SetDefault("predictor.burst", 4)
	v.SetDefault("predictor.positive_token", "stone")
	v.SetDefault("predictor.breaker.max_requests", 1)
	v.SetDefault("predictor.breaker.interval", "60s")
	v.SetDefault("predictor.breaker.timeout", "30s")
	v.SetDefault("predictor.breaker.min_requests", 3)
	v.SetDefault("predictor.breaker.failure_ratio", 0.6)

	// Storage defaults
	v.SetDefault("storage.upload_dir", "./uploads")
	v.SetDefault("storage.history_limit", domain.DefaultHistoryLimit)
	// Off by default: writes from other processes sharing the store would
	// only show up once a cached entry expires.
	v.SetDefault("storage.history_cache_size", 0)
	v.SetDefault("storage.history_cache_ttl", "2s")

	// Notification defaults
	v.SetDefault("notify.redis_enabled", false)
	v.SetDefault("notify.redis_channel", "stone:history")

	// MCP defaults
	v.SetDefault("mcp.server_name", "stone-classifier")
	v.SetDefault("mcp.server_version", "1.0.0")
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetDatabaseConfig returns database configuration
func (m *Manager) GetDatabaseConfig() *domain.DatabaseConfig {
	return &m.config.Database
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// GetPredictorConfig returns predictor configuration
func (m *Manager) GetPredictorConfig() *domain.PredictorConfig {
	return &m.config.Predictor
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	// Validate server configuration
	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}
	if config.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("max upload size must be positive")
	}

	// Validate database configuration
	switch config.Database.Driver {
	case "postgres":
		if config.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if config.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
		if config.Database.Username == "" {
			return fmt.Errorf("database username is required")
		}
	case "sqlite":
		if config.Database.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported database driver: %s", config.Database.Driver)
	}

	// Validate predictor configuration
	if config.Predictor.Timeout <= 0 {
		return fmt.Errorf("predictor timeout must be positive")
	}
	if config.Predictor.RateLimit < 0 {
		return fmt.Errorf("predictor rate limit must not be negative")
	}
	if r := config.Predictor.Breaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("breaker failure ratio must be within (0, 1]: %v", r)
	}

	// Validate storage configuration
	if config.Storage.UploadDir == "" {
		return fmt.Errorf("upload directory is required")
	}
	if config.Storage.HistoryLimit <= 0 {
		return fmt.Errorf("history limit must be positive")
	}
	if config.Storage.HistoryCacheSize < 0 {
		return fmt.Errorf("history cache size must not be negative")
	}

	// Validate notification configuration
	if config.Notify.RedisEnabled && config.Cache.RedisURL == "" {
		return fmt.Errorf("Redis URL is required when Redis notifications are enabled")
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// GetDatabaseConnectionString returns a formatted database connection string
func (m *Manager) GetDatabaseConnectionString() string {
	db := m.config.Database
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		db.Host, db.Port, db.Username, db.Password, db.Database, db.SSLMode)
}

// GetDatabaseURL returns the database URL form used by migrations
func (m *Manager) GetDatabaseURL() string {
	db := m.config.Database
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(db.Username, db.Password),
		Host:     fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:     "/" + db.Database,
		RawQuery: "sslmode=" + url.QueryEscape(db.SSLMode),
	}
	return u.String()
}

// GetRedisConnectionString returns the Redis connection string
func (m *Manager) GetRedisConnectionString() string {
	return m.config.Cache.RedisURL
}

// UploadDir returns the absolute upload directory.
func (m *Manager) UploadDir() (string, error) {
	return filepath.Abs(m.config.Storage.UploadDir)
}

// IsProduction returns true if running in production mode
func (m *Manager) IsProduction() bool {
	return strings.ToLower(m.v.GetString("environment")) == "production"
}

// IsDevelopment returns true if running in development mode
func (m *Manager) IsDevelopment() bool {
	env := strings.ToLower(m.v.GetString("environment"))
	return env == "development" || env == "dev" || env == ""
}
