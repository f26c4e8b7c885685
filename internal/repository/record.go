// Package repository implements the PostgreSQL-backed record store.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/database"
	"github.com/stone-classifier-server/internal/domain"
)

// RecordRepository handles record persistence in PostgreSQL.
type RecordRepository struct {
	db  *database.DB
	log *logrus.Logger
}

// NewRecordRepository creates a new record repository. The repository owns
// db and closes it in Close.
func NewRecordRepository(db *database.DB, logger *logrus.Logger) *RecordRepository {
	return &RecordRepository{
		db:  db,
		log: logger,
	}
}

const recordColumns = `id, patient_id, filename, original_name, path, uploaded_at, prediction`

// maxPrealloc bounds the slice capacity reserved from a caller's limit.
const maxPrealloc = 128

// Create inserts a new record into the database
func (r *RecordRepository) Create(ctx context.Context, record *domain.Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.UploadedAt.IsZero() {
		record.UploadedAt = time.Now().UTC()
	}
	// TIMESTAMPTZ keeps microseconds; match what Get will return.
	record.UploadedAt = record.UploadedAt.Truncate(time.Microsecond)

	prediction, err := domain.EncodePrediction(record.Prediction)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.Pool.Exec(ctx, query,
		record.ID,
		record.PatientID,
		record.StoredName,
		record.OriginalName,
		record.Path,
		record.UploadedAt,
		prediction,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"record_id":  record.ID,
			"patient_id": record.PatientID,
			"error":      err,
		}).Error("Failed to create record")
		return "", fmt.Errorf("creating record: %w", err)
	}

	if result.RowsAffected() == 0 {
		return "", fmt.Errorf("record %s: %w", record.ID, domain.ErrDuplicateID)
	}

	record.RawPrediction = prediction

	r.log.WithFields(logrus.Fields{
		"record_id":  record.ID,
		"patient_id": record.PatientID,
	}).Debug("Record created")

	return record.ID, nil
}

// Get retrieves a record by its ID
func (r *RecordRepository) Get(ctx context.Context, id string) (*domain.Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE id = $1`

	rec, err := r.scanRecord(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"record_id": id,
			"error":     err,
		}).Error("Failed to get record")
		return nil, fmt.Errorf("getting record: %w", err)
	}
	return rec, nil
}

// SetPrediction overwrites the record's prediction
func (r *RecordRepository) SetPrediction(ctx context.Context, id string, result *domain.ClassificationResult) error {
	prediction, err := domain.EncodePrediction(result)
	if err != nil {
		return err
	}

	tag, err := r.db.Pool.Exec(ctx, `UPDATE records SET prediction = $1 WHERE id = $2`, prediction, id)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"record_id": id,
			"error":     err,
		}).Error("Failed to set prediction")
		return fmt.Errorf("setting prediction: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	return nil
}

// ListByPatient returns the newest records for a patient
func (r *RecordRepository) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		WHERE patient_id = $1
		ORDER BY uploaded_at DESC, seq DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, patientID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records by patient: %w", err)
	}
	return r.collect(rows, limit)
}

// List returns the newest records across all patients
func (r *RecordRepository) List(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 {
		return []*domain.Record{}, nil
	}

	query := `
		SELECT ` + recordColumns + `
		FROM records
		ORDER BY uploaded_at DESC, seq DESC
		LIMIT $1`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return r.collect(rows, limit)
}

func (r *RecordRepository) collect(rows pgx.Rows, limit int) ([]*domain.Record, error) {
	defer rows.Close()

	records := make([]*domain.Record, 0, min(limit, maxPrealloc))
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return records, nil
}

func (r *RecordRepository) scanRecord(row pgx.Row) (*domain.Record, error) {
	var rec domain.Record
	var uploadedAt time.Time
	var prediction string

	if err := row.Scan(
		&rec.ID,
		&rec.PatientID,
		&rec.StoredName,
		&rec.OriginalName,
		&rec.Path,
		&uploadedAt,
		&prediction,
	); err != nil {
		return nil, err
	}

	rec.UploadedAt = uploadedAt.UTC()
	if err := rec.LoadPrediction(prediction); err != nil {
		r.log.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"error":     err,
		}).Debug("Stored prediction is not decodable")
	}
	return &rec, nil
}

// Ping checks database reachability
func (r *RecordRepository) Ping(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Close closes the underlying pool
func (r *RecordRepository) Close() error {
	r.db.Close()
	return nil
}
