package domain

import (
	"context"
)

// RecordStore is the durable table of uploaded-artifact records. No
// component above it touches storage directly.
type RecordStore interface {
	// Create inserts a record, assigning an id when none is set.
	// Returns ErrDuplicateID when the id already exists.
	Create(ctx context.Context, record *Record) (string, error)

	// Get returns the record or ErrRecordNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// SetPrediction overwrites the record's prediction (last write wins).
	// Returns ErrRecordNotFound when the id is unknown.
	SetPrediction(ctx context.Context, id string, result *ClassificationResult) error

	// ListByPatient returns at most limit records, newest upload first.
	// An unknown patient yields an empty slice.
	ListByPatient(ctx context.Context, patientID string, limit int) ([]*Record, error)

	// List returns at most limit records across all patients, newest first.
	List(ctx context.Context, limit int) ([]*Record, error)

	// Ping reports whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Classifier produces a classification for a stored artifact.
type Classifier interface {
	Classify(ctx context.Context, artifactPath, originalName string) (*ClassificationResult, error)
}

// HistoryNotifier is told about every change to a patient's history.
type HistoryNotifier interface {
	Notify(ctx context.Context, change HistoryChange) error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetPredictorConfig() *PredictorConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
