package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/logging"
	"github.com/stone-classifier-server/internal/predictor"
	"github.com/stone-classifier-server/internal/records"
)

func TestRecentHistory_CapAndOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		f.createRecord(t, fmt.Sprintf("r%d", i), "p1", fmt.Sprintf("scan%d.csv", i), base.Add(time.Duration(i)*time.Hour))
	}

	got, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"r5", "r4", "r3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].UploadedAt.After(got[i].UploadedAt))
	}
}

func TestRecentHistory_DefaultLimit(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		f.createRecord(t, fmt.Sprintf("r%d", i), "p1", "scan.csv", time.Now().Add(time.Duration(i)*time.Second))
	}

	got, err := f.history.RecentHistory(context.Background(), "p1", 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = f.history.RecentHistory(context.Background(), "p1", -4)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRecentHistory_UnknownPatient(t *testing.T) {
	f := newFixture(t, nil)

	got, err := f.history.RecentHistory(context.Background(), "nobody", 3)

	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestRecentHistory_EmptyPatient(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.history.RecentHistory(context.Background(), " ", 3)

	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestRecentHistory_MalformedPrediction(t *testing.T) {
	f := newFixture(t, nil)
	f.createRecord(t, "r1", "p1", "scan.csv", time.Now())
	f.store.corruptList = true

	got, err := f.history.RecentHistory(context.Background(), "p1", 3)

	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.Nil(t, got[0].Prediction)
}

func TestRecentHistory_StorageFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.store.listErr = errDiskFull

	_, err := f.history.RecentHistory(context.Background(), "p1", 3)

	assert.ErrorIs(t, err, errDiskFull)
}

func TestRecentHistory_CacheInvalidatedByChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone.csv", time.Now())

	_, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	_, err = f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.listCalls.Load(), "second read is served from cache")

	// other patients' changes keep p1 cached
	require.NoError(t, f.history.Notify(ctx, domain.HistoryChange{PatientID: "p2", RecordID: "x"}))
	_, err = f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.listCalls.Load())

	_, err = f.prediction.Predict(ctx, "r1")
	require.NoError(t, err)

	got, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.store.listCalls.Load())
	require.Len(t, got, 1)
	assert.NotNil(t, got[0].Prediction, "fresh read sees the new prediction")
}

func TestRecentHistory_CachedEntriesAreCopies(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone.csv", time.Now())
	_, err := f.prediction.Predict(ctx, "r1")
	require.NoError(t, err)

	first, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	first[0].Prediction.Prediction = "TAMPERED"
	first[0].ID = "changed"

	second, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	assert.Equal(t, "r1", second[0].ID)
	assert.NotEqual(t, "TAMPERED", second[0].Prediction.Prediction)
}

func TestRecentHistory_NoCache(t *testing.T) {
	store := newCountingStore()
	history, err := NewHistoryService(store, HistoryConfig{}, nil)
	require.NoError(t, err)

	_, err = history.RecentHistory(context.Background(), "p1", 3)
	require.NoError(t, err)
	_, err = history.RecentHistory(context.Background(), "p1", 3)
	require.NoError(t, err)

	assert.Equal(t, int32(2), store.listCalls.Load())
}

// process is one server's view of a record database shared with others.
type process struct {
	store      *records.SQLiteStore
	history    *HistoryService
	prediction *PredictionService
}

func openProcess(t *testing.T, dbPath string, config HistoryConfig) *process {
	t.Helper()
	log := logging.Discard()
	store, err := records.NewSQLiteStore(dbPath, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	history, err := NewHistoryService(store, config, log)
	require.NoError(t, err)
	classifier := predictor.New(domain.PredictorConfig{PositiveToken: "stone"}, log)
	return &process{
		store:      store,
		history:    history,
		prediction: NewPredictionService(store, classifier, history, log),
	}
}

func TestRecentHistory_SharedStoreSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "records.db")
	httpSide := openProcess(t, dbPath, HistoryConfig{})
	mcpSide := openProcess(t, dbPath, HistoryConfig{})

	_, err := httpSide.store.Create(ctx, &domain.Record{
		ID:           "r1",
		PatientID:    "p1",
		OriginalName: "scan_stone_01.csv",
		Path:         "/uploads/r1.csv",
	})
	require.NoError(t, err)

	before, err := httpSide.history.RecentHistory(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Nil(t, before[0].Prediction)

	result, err := mcpSide.prediction.Predict(ctx, "r1")
	require.NoError(t, err)

	after, err := httpSide.history.RecentHistory(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	require.NotNil(t, after[0].Prediction)
	assert.Equal(t, result.Prediction, after[0].Prediction.Prediction)
}

func TestRecentHistory_CachedEntriesExpire(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "records.db")
	config := HistoryConfig{CacheSize: 16, CacheTTL: 50 * time.Millisecond}
	httpSide := openProcess(t, dbPath, config)
	mcpSide := openProcess(t, dbPath, config)

	_, err := httpSide.store.Create(ctx, &domain.Record{
		ID:           "r1",
		PatientID:    "p1",
		OriginalName: "scan_stone_01.csv",
		Path:         "/uploads/r1.csv",
	})
	require.NoError(t, err)

	_, err = httpSide.history.RecentHistory(ctx, "p1", 0)
	require.NoError(t, err)

	_, err = mcpSide.prediction.Predict(ctx, "r1")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		entries, err := httpSide.history.RecentHistory(ctx, "p1", 0)
		return err == nil && len(entries) == 1 && entries[0].Prediction != nil
	}, 2*time.Second, 20*time.Millisecond)
}

type recordingNotifier struct {
	onNotify func(domain.HistoryChange)
}

func (n *recordingNotifier) Notify(_ context.Context, change domain.HistoryChange) error {
	n.onNotify(change)
	return nil
}

func TestHistoryService_PublisherDropsCacheBeforeForwarding(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.createRecord(t, "r1", "p1", "scan_stone.csv", time.Now())

	_, err := f.history.RecentHistory(ctx, "p1", 3)
	require.NoError(t, err)
	require.Equal(t, int32(1), f.store.listCalls.Load())

	var listenerCalls int
	unsubscribe := f.history.Subscribe(func(domain.HistoryChange) { listenerCalls++ })
	defer unsubscribe()

	var forwarded []domain.HistoryChange
	next := &recordingNotifier{onNotify: func(change domain.HistoryChange) {
		forwarded = append(forwarded, change)
		// the remote hop has not happened yet, the local read must already be fresh
		_, err := f.history.RecentHistory(ctx, "p1", 3)
		require.NoError(t, err)
	}}

	change := domain.HistoryChange{PatientID: "p1", RecordID: "r1", Kind: domain.ChangePredicted}
	require.NoError(t, f.history.Publisher(next).Notify(ctx, change))

	assert.Equal(t, []domain.HistoryChange{change}, forwarded)
	assert.Equal(t, int32(2), f.store.listCalls.Load(), "cache dropped before the change was forwarded")
	assert.Zero(t, listenerCalls, "subscribers hear the change from the forwarder, not the publisher")
}

func TestNewHistoryService_NegativeCacheSize(t *testing.T) {
	_, err := NewHistoryService(newCountingStore(), HistoryConfig{CacheSize: -1}, nil)
	assert.Error(t, err)
}
