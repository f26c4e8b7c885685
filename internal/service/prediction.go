package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

// PredictionService classifies a stored record and persists the result.
type PredictionService struct {
	store      domain.RecordStore
	classifier domain.Classifier
	notifier   domain.HistoryNotifier
	inflight   sync.WaitGroup
	log        *logrus.Logger
}

// NewPredictionService creates a prediction service. notifier may be nil.
func NewPredictionService(store domain.RecordStore, classifier domain.Classifier, notifier domain.HistoryNotifier, logger *logrus.Logger) *PredictionService {
	return &PredictionService{
		store:      store,
		classifier: classifier,
		notifier:   notifier,
		log:        logger,
	}
}

type predictOutcome struct {
	result *domain.ClassificationResult
	err    error
}

// Predict classifies the record and stores the result, overwriting any
// earlier prediction. Unknown ids fail with ErrRecordNotFound and change
// nothing.
//
// Once the record is found, classification and persistence run detached
// from ctx: if the caller goes away the work still completes and Predict
// returns ctx's error.
func (s *PredictionService) Predict(ctx context.Context, recordID string) (*domain.ClassificationResult, error) {
	recordID = strings.TrimSpace(recordID)
	if recordID == "" {
		return nil, domain.NewValidationError("file", "record id is required", recordID)
	}

	rec, err := s.store.Get(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("resolving record: %w", err)
	}

	done := make(chan predictOutcome, 1)
	detached := context.WithoutCancel(ctx)

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		result, err := s.classifyAndStore(detached, rec)
		done <- predictOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		s.log.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"error":     ctx.Err(),
		}).Info("Caller left before prediction finished; completing in background")
		return nil, ctx.Err()
	}
}

func (s *PredictionService) classifyAndStore(ctx context.Context, rec *domain.Record) (*domain.ClassificationResult, error) {
	start := time.Now()

	result, err := s.classifier.Classify(ctx, rec.Path, rec.OriginalName)
	if err != nil {
		return nil, fmt.Errorf("classifying record %s: %w", rec.ID, err)
	}

	if err := s.store.SetPrediction(ctx, rec.ID, result); err != nil {
		s.log.WithFields(logrus.Fields{
			"record_id": rec.ID,
			"error":     err,
		}).Error("Failed to persist prediction")
		return nil, fmt.Errorf("storing prediction: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"record_id":   rec.ID,
		"patient_id":  rec.PatientID,
		"duration_ms": time.Since(start).Milliseconds(),
	}).WithFields(result.LogFields()).Info("Prediction stored")

	if s.notifier != nil {
		change := domain.HistoryChange{
			PatientID:  rec.PatientID,
			RecordID:   rec.ID,
			Kind:       domain.ChangePredicted,
			Prediction: result,
			At:         time.Now().UTC(),
		}
		if err := s.notifier.Notify(ctx, change); err != nil {
			s.log.WithFields(logrus.Fields{
				"record_id": rec.ID,
				"error":     err,
			}).Warn("Failed to notify history change")
		}
	}

	return result, nil
}

// Wait blocks until predictions started by Predict have finished.
func (s *PredictionService) Wait() {
	s.inflight.Wait()
}
