package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	MaxUploadMB  int64         `mapstructure:"max_upload_mb"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	CertFile     string        `mapstructure:"cert_file"`
	KeyFile      string        `mapstructure:"key_file"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // "postgres" or "sqlite"
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	Filename string `mapstructure:"filename"`
}

// PredictorConfig configures the external predictor process and the
// breaker and throttle wrapped around it.
type PredictorConfig struct {
	Command       string        `mapstructure:"command"` // empty disables the external predictor
	Args          []string      `mapstructure:"args"`
	WorkDir       string        `mapstructure:"work_dir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RateLimit     float64       `mapstructure:"rate_limit"` // process launches per second, 0 = unlimited
	Burst         int           `mapstructure:"burst"`
	PositiveToken string        `mapstructure:"positive_token"`
	Breaker       BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around the predictor.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// StorageConfig controls where uploads land and how history is served.
type StorageConfig struct {
	UploadDir        string        `mapstructure:"upload_dir"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	HistoryCacheSize int           `mapstructure:"history_cache_size"`
	HistoryCacheTTL  time.Duration `mapstructure:"history_cache_ttl"`
}

// NotifyConfig configures history change fan-out.
type NotifyConfig struct {
	RedisEnabled bool   `mapstructure:"redis_enabled"`
	RedisChannel string `mapstructure:"redis_channel"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
}
