// Package records provides the embedded record stores used when no
// PostgreSQL server is configured: a SQLite store for standalone
// deployments and an in-memory store for demos and tests.
package records

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/stone-classifier-server/internal/domain"
)

// SQLiteStore implements domain.RecordStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

// NewSQLiteStore creates a new SQLite record store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// busy_timeout is per connection, so it goes in the DSN for every pooled conn
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets history reads proceed while a prediction is being written
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	store := newSQLiteStoreWithDB(db, logger)
	store.dbPath = dbPath
	return store, nil
}

func newSQLiteStoreWithDB(db *sql.DB, logger *logrus.Logger) *SQLiteStore {
	if logger == nil {
		logger = logrus.New()
	}
	return &SQLiteStore{db: db, log: logger}
}

// createSchema creates the records table and indexes.
// seq preserves insertion order for history tie-breaks; uploaded_at is
// stored as unix nanoseconds so ordering is numeric.
func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		patient_id TEXT NOT NULL,
		filename TEXT NOT NULL DEFAULT '',
		original_name TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		uploaded_at INTEGER NOT NULL,
		prediction TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_records_patient_uploaded ON records(patient_id, uploaded_at DESC, seq DESC);
	CREATE INDEX IF NOT EXISTS idx_records_uploaded ON records(uploaded_at DESC, seq DESC);
	`

	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

const recordColumns = `id, patient_id, filename, original_name, path, uploaded_at, prediction`

// scanRecord scans a row into a Record. A payload that does not decode
// leaves Prediction nil.
func (s *SQLiteStore) scanRecord(sc scanner) (*domain.Record, error) {
	rec := &domain.Record{}
	var uploadedAt int64
	var prediction string

	err := sc.Scan(
		&rec.ID, &rec.PatientID, &rec.StoredName, &rec.OriginalName,
		&rec.Path, &uploadedAt, &prediction,
	)
	if err != nil {
		return nil, err
	}

	rec.UploadedAt = time.Unix(0, uploadedAt).UTC()
	if err := rec.LoadPrediction(prediction); err != nil {
		s.log.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"error":     err,
		}).Debug("Stored prediction is not decodable")
	}
	return rec, nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, record *domain.Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.UploadedAt.IsZero() {
		record.UploadedAt = time.Now().UTC()
	}

	prediction, err := domain.EncodePrediction(record.Prediction)
	if err != nil {
		return "", err
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		record.ID,
		record.PatientID,
		record.StoredName,
		record.OriginalName,
		record.Path,
		record.UploadedAt.UnixNano(),
		prediction,
	)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"record_id":  record.ID,
			"patient_id": record.PatientID,
			"error":      err,
		}).Error("Failed to create record")
		return "", fmt.Errorf("failed to insert record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return "", fmt.Errorf("record %s: %w", record.ID, domain.ErrDuplicateID)
	}

	record.RawPrediction = prediction
	return record.ID, nil
}

// Get retrieves a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE id = ?
	`, id)

	rec, err := s.scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"record_id": id,
			"error":     err,
		}).Error("Failed to get record")
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return rec, nil
}

// SetPrediction overwrites the stored prediction in a single statement.
func (s *SQLiteStore) SetPrediction(ctx context.Context, id string, result *domain.ClassificationResult) error {
	prediction, err := domain.EncodePrediction(result)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "UPDATE records SET prediction = ? WHERE id = ?", prediction, id)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"record_id": id,
			"error":     err,
		}).Error("Failed to set prediction")
		return fmt.Errorf("failed to set prediction: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

// ListByPatient returns the most recent records for a patient.
func (s *SQLiteStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		WHERE patient_id = ?
		ORDER BY uploaded_at DESC, seq DESC
		LIMIT ?
	`, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	return s.collect(rows, limit)
}

// List returns the most recent records across all patients.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM records
		ORDER BY uploaded_at DESC, seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	return s.collect(rows, limit)
}

// maxPrealloc bounds the slice capacity reserved from a caller's limit.
const maxPrealloc = 128

func (s *SQLiteStore) collect(rows *sql.Rows, limit int) ([]*domain.Record, error) {
	result := make([]*domain.Record, 0, min(limit, maxPrealloc))
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return result, nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
