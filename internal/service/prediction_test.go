package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/logging"
	"github.com/stone-classifier-server/internal/predictor"
)

func TestPredict_SimulatedPositive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone_01.csv", time.Now())

	got, err := f.prediction.Predict(ctx, "r1")

	require.NoError(t, err)
	assert.True(t, got.StoneExists)
	assert.GreaterOrEqual(t, got.Confidence, 0.80)
	assert.LessOrEqual(t, got.Confidence, 0.98)
	assert.True(t, domain.Category(got.Category).IsSeverity())

	stored, err := f.store.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, stored.Prediction)
	assert.Equal(t, *got, *stored.Prediction)
}

func TestPredict_ThenHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone_01.csv", time.Now())

	got, err := f.prediction.Predict(ctx, "r1")
	require.NoError(t, err)

	history, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "r1", history[0].ID)
	assert.Equal(t, "scan_stone_01.csv", history[0].Filename)
	require.NotNil(t, history[0].Prediction)
	assert.Equal(t, *got, *history[0].Prediction)
}

func TestPredict_UnknownRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())

	_, err := f.prediction.Predict(ctx, "nonexistent")

	assert.ErrorIs(t, err, domain.ErrRecordNotFound)

	// no store mutation
	stored, err := f.store.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, stored.Prediction)
	assert.Equal(t, 1, f.store.Len())
}

func TestPredict_EmptyID(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.prediction.Predict(context.Background(), "  ")

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestPredict_MalformedPredictorOutput(t *testing.T) {
	script := writeScript(t, `echo "not json"`)
	classifier := predictor.New(domain.PredictorConfig{Command: script, Timeout: 5 * time.Second}, logging.Discard())

	f := newFixture(t, classifier)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone_01.csv", time.Now())

	got, err := f.prediction.Predict(ctx, "r1")

	require.NoError(t, err)
	assert.Equal(t, domain.SourceSimulation, got.Source)
	assert.True(t, got.StoneExists)

	stored, err := f.store.Get(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, stored.Prediction)
	assert.Equal(t, *got, *stored.Prediction)
}

func TestPredict_StorageFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())
	f.store.setErr = errDiskFull

	_, err := f.prediction.Predict(context.Background(), "r1")

	require.Error(t, err)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestPredict_OverwritesEarlierPrediction(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())

	for i := 0; i < 3; i++ {
		got, err := f.prediction.Predict(ctx, "r1")
		require.NoError(t, err)

		stored, err := f.store.Get(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, *got, *stored.Prediction)
	}
}

func TestPredict_CallerCancelledWorkCompletes(t *testing.T) {
	classifier := &blockingClassifier{started: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, classifier)
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := f.prediction.Predict(ctx, "r1")
		errCh <- err
	}()

	<-classifier.started
	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)

	close(classifier.release)
	f.prediction.Wait()

	stored, err := f.store.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, stored.Prediction)
	assert.Equal(t, "LARGE", stored.Prediction.Prediction)
}

func TestPredict_NotifiesSubscribers(t *testing.T) {
	f := newFixture(t, nil)
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())

	changes := make(chan domain.HistoryChange, 1)
	unsubscribe := f.history.Subscribe(func(c domain.HistoryChange) { changes <- c })
	defer unsubscribe()

	got, err := f.prediction.Predict(context.Background(), "r1")
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, "p1", c.PatientID)
		assert.Equal(t, "r1", c.RecordID)
		assert.Equal(t, domain.ChangePredicted, c.Kind)
		assert.Equal(t, got, c.Prediction)
	default:
		t.Fatal("expected a history change")
	}
}
