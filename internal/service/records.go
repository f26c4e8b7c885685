package service

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

// MaxRecordListLimit caps the debug record listing.
const MaxRecordListLimit = 100

// RecordService is where uploaded artifacts enter the system.
type RecordService struct {
	store     domain.RecordStore
	notifier  domain.HistoryNotifier
	uploadDir string
	log       *logrus.Logger
}

// NewRecordService creates a record service writing uploads to uploadDir.
// notifier may be nil.
func NewRecordService(store domain.RecordStore, notifier domain.HistoryNotifier, uploadDir string, logger *logrus.Logger) (*RecordService, error) {
	if logger == nil {
		logger = logrus.New()
	}
	abs, err := filepath.Abs(uploadDir)
	if err != nil {
		return nil, fmt.Errorf("resolving upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	return &RecordService{
		store:     store,
		notifier:  notifier,
		uploadDir: abs,
		log:       logger,
	}, nil
}

// Create records an artifact that has already been stored.
func (s *RecordService) Create(ctx context.Context, req domain.UploadRequest) (*domain.Record, error) {
	if err := validateUpload(&req); err != nil {
		return nil, err
	}

	rec := &domain.Record{
		ID:           req.ID,
		PatientID:    req.PatientID,
		StoredName:   req.StoredName,
		OriginalName: req.OriginalName,
		Path:         req.Path,
	}

	if _, err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating record: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"record_id":  rec.ID,
		"patient_id": rec.PatientID,
		"filename":   rec.OriginalName,
	}).Info("Record created")

	if s.notifier != nil {
		change := domain.HistoryChange{
			PatientID: rec.PatientID,
			RecordID:  rec.ID,
			Kind:      domain.ChangeRecordCreated,
			At:        time.Now().UTC(),
		}
		if err := s.notifier.Notify(ctx, change); err != nil {
			s.log.WithFields(logrus.Fields{
				"record_id": rec.ID,
				"error":     err,
			}).Warn("Failed to notify history change")
		}
	}

	return rec, nil
}

// SaveUpload writes content under the upload directory with a generated
// name and records it. The file is removed if recording fails.
func (s *RecordService) SaveUpload(ctx context.Context, patientID, originalName string, content io.Reader) (*domain.Record, error) {
	originalName = filepath.Base(strings.TrimSpace(originalName))
	if originalName == "" || originalName == "." || originalName == string(filepath.Separator) {
		return nil, domain.NewValidationError("file", "original file name is required", originalName)
	}

	storedName := uuid.New().String() + strings.ToLower(filepath.Ext(originalName))
	path := filepath.Join(s.uploadDir, storedName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating upload file: %w", err)
	}
	written, copyErr := io.Copy(f, content)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(path)
		if copyErr != nil {
			return nil, fmt.Errorf("writing upload: %w", copyErr)
		}
		return nil, fmt.Errorf("closing upload: %w", closeErr)
	}

	rec, err := s.Create(ctx, domain.UploadRequest{
		PatientID:    patientID,
		OriginalName: originalName,
		StoredName:   storedName,
		Path:         path,
	})
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"record_id": rec.ID,
		"bytes":     written,
	}).Debug("Upload stored")

	return rec, nil
}

// List returns the newest records across patients, capped at
// MaxRecordListLimit.
func (s *RecordService) List(ctx context.Context, limit int) ([]*domain.Record, error) {
	if limit <= 0 || limit > MaxRecordListLimit {
		limit = MaxRecordListLimit
	}
	records, err := s.store.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	return records, nil
}

// UploadDir returns the absolute upload directory.
func (s *RecordService) UploadDir() string {
	return s.uploadDir
}

func validateUpload(req *domain.UploadRequest) error {
	req.PatientID = strings.TrimSpace(req.PatientID)
	if req.PatientID == "" {
		req.PatientID = domain.DefaultPatientID
	}
	req.ID = strings.TrimSpace(req.ID)

	if strings.TrimSpace(req.Path) == "" {
		return domain.NewValidationError("path", "artifact path is required", req.Path)
	}
	if !filepath.IsAbs(req.Path) {
		return domain.NewValidationError("path", "artifact path must be absolute", req.Path)
	}
	if strings.TrimSpace(req.OriginalName) == "" {
		req.OriginalName = filepath.Base(req.Path)
	}
	if req.StoredName == "" {
		req.StoredName = filepath.Base(req.Path)
	}
	return nil
}
