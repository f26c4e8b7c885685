package records

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stone-classifier-server/internal/domain"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "records-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "nested", "records.db")

	store, err := NewSQLiteStore(dbPath, nil)

	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Equal(t, dbPath, store.Path())
}

func TestSQLiteStore_Reopen(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "records-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	dbPath := filepath.Join(tmpDir, "records.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	id, err := store.Create(ctx, newRecord("p1", "persisted.wav", time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.SetPrediction(ctx, id, &domain.ClassificationResult{
		Prediction: "LARGE", Confidence: 0.93, Category: "LARGE", StoneExists: true,
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(dbPath, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.Prediction)
	assert.Equal(t, "LARGE", got.Prediction.Prediction)
}

func TestSQLiteStore_MalformedPrediction(t *testing.T) {
	store := createTestSQLiteStore(t).(*SQLiteStore)
	ctx := context.Background()

	id, err := store.Create(ctx, newRecord("p1", "broken.wav", time.Now()))
	require.NoError(t, err)

	_, err = store.db.ExecContext(ctx, "UPDATE records SET prediction = ? WHERE id = ?", "{not json", id)
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.Prediction)
	assert.Equal(t, "{not json", got.RawPrediction)

	history, err := store.ListByPatient(ctx, "p1", 3)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].Prediction)
}

func TestSQLiteStore_CreateDuplicateReportedByDriver(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStoreWithDB(db, nil)

	mock.ExpectExec("INSERT INTO records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := newRecord("p1", "dup.wav", time.Now())
	rec.ID = "f_dup"
	_, err = store.Create(context.Background(), rec)

	assert.ErrorIs(t, err, domain.ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_CreateStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStoreWithDB(db, nil)

	mock.ExpectExec("INSERT INTO records").
		WillReturnError(errors.New("disk I/O error"))

	_, err = store.Create(context.Background(), newRecord("p1", "a.wav", time.Now()))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NotErrorIs(t, err, domain.ErrDuplicateID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_SetPredictionStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStoreWithDB(db, nil)

	mock.ExpectExec("UPDATE records SET prediction").
		WithArgs(sqlmock.AnyArg(), "f_1").
		WillReturnError(errors.New("database is locked"))

	err = store.SetPrediction(context.Background(), "f_1", &domain.ClassificationResult{Prediction: "SMALL", Confidence: 0.8})

	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrRecordNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_ListByPatientScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStoreWithDB(db, nil)
	at := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"id", "patient_id", "filename", "original_name", "path", "uploaded_at", "prediction"}).
		AddRow("f_2", "p1", "s2", "two.wav", "/u/s2", at.Add(time.Minute).UnixNano(), `{"prediction":"SMALL","confidence":0.88,"category":"SMALL","stone_exists":true}`).
		AddRow("f_1", "p1", "s1", "one.wav", "/u/s1", at.UnixNano(), "garbage")

	mock.ExpectQuery("SELECT (.+) FROM records WHERE patient_id = \\?").
		WithArgs("p1", 3).
		WillReturnRows(rows)

	got, err := store.ListByPatient(context.Background(), "p1", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "f_2", got[0].ID)
	require.NotNil(t, got[0].Prediction)
	assert.InDelta(t, 0.88, got[0].Prediction.Confidence, 1e-9)
	assert.True(t, got[0].UploadedAt.Equal(at.Add(time.Minute)))

	assert.Equal(t, "f_1", got[1].ID)
	assert.Nil(t, got[1].Prediction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_ListQueryFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStoreWithDB(db, nil)

	mock.ExpectQuery("SELECT (.+) FROM records").
		WillReturnError(errors.New("no such table: records"))

	_, err = store.List(context.Background(), 10)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
