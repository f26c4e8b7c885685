package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/logging"
	"github.com/stone-classifier-server/internal/predictor"
	"github.com/stone-classifier-server/internal/records"
)

// countingStore counts history reads and can fail prediction writes.
type countingStore struct {
	*records.MemoryStore
	listCalls   atomic.Int32
	setErr      error
	listErr     error
	corruptList bool
}

func newCountingStore() *countingStore {
	return &countingStore{MemoryStore: records.NewMemoryStore()}
}

func (s *countingStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]*domain.Record, error) {
	s.listCalls.Add(1)
	if s.listErr != nil {
		return nil, s.listErr
	}
	recs, err := s.MemoryStore.ListByPatient(ctx, patientID, limit)
	if err != nil || !s.corruptList {
		return recs, err
	}
	for _, r := range recs {
		_ = r.LoadPrediction(`{"prediction":`)
	}
	return recs, nil
}

func (s *countingStore) SetPrediction(ctx context.Context, id string, result *domain.ClassificationResult) error {
	if s.setErr != nil {
		return s.setErr
	}
	return s.MemoryStore.SetPrediction(ctx, id, result)
}

// blockingClassifier waits for release before answering.
type blockingClassifier struct {
	started chan struct{}
	release chan struct{}
}

func (c *blockingClassifier) Classify(ctx context.Context, _, _ string) (*domain.ClassificationResult, error) {
	close(c.started)
	<-c.release
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.ClassificationResult{Prediction: "LARGE", Confidence: 0.95, Category: "LARGE", StoneExists: true, Source: domain.SourcePredictor}, nil
}

type fixture struct {
	store      *countingStore
	history    *HistoryService
	records    *RecordService
	prediction *PredictionService
}

func newFixture(t *testing.T, classifier domain.Classifier) *fixture {
	t.Helper()
	log := logging.Discard()
	store := newCountingStore()

	history, err := NewHistoryService(store, HistoryConfig{CacheSize: 16}, log)
	require.NoError(t, err)

	recordSvc, err := NewRecordService(store, history, t.TempDir(), log)
	require.NoError(t, err)

	if classifier == nil {
		classifier = predictor.NewFallbackClassifier(nil, predictor.NewSimulatedClassifier("stone"), predictor.BreakerConfig{}, log)
	}

	return &fixture{
		store:      store,
		history:    history,
		records:    recordSvc,
		prediction: NewPredictionService(store, classifier, history, log),
	}
}

func (f *fixture) createRecord(t *testing.T, id, patientID, name string, at time.Time) {
	t.Helper()
	_, err := f.store.Create(context.Background(), &domain.Record{
		ID:           id,
		PatientID:    patientID,
		OriginalName: name,
		StoredName:   id + ".csv",
		Path:         "/uploads/" + id + ".csv",
		UploadedAt:   at,
	})
	require.NoError(t, err)
}

var errDiskFull = errors.New("disk full")

// writeScript writes an executable shell script standing in for a predictor.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "predict.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}
