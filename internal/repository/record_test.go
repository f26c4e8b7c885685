package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stone-classifier-server/internal/database"
	"github.com/stone-classifier-server/internal/domain"
)

// generateTestPassword creates a secure random password for test databases
func generateTestPassword() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		return "test_fallback_password_123"
	}
	return "test_" + hex.EncodeToString(bytes)
}

func setupTestRepository(t *testing.T) *RecordRepository {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping container test in short mode")
	}
	ctx := context.Background()
	testPassword := generateTestPassword()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("PostgreSQL container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	config := database.Config{
		Host:        host,
		Port:        port.Int(),
		Database:    "testdb",
		Username:    "testuser",
		Password:    testPassword,
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: time.Minute * 30,
		SSLMode:     "disable",
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	require.NoError(t, database.Migrate(ctx, config.URL(), "", logger))

	db, err := database.NewConnection(ctx, config, logger)
	require.NoError(t, err)

	repo := NewRecordRepository(db, logger)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRecordRepository(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		rec := &domain.Record{
			PatientID:    "p_create",
			StoredName:   "1717-scan.wav",
			OriginalName: "scan.wav",
			Path:         "/uploads/1717-scan.wav",
		}
		id, err := repo.Create(ctx, rec)
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "p_create", got.PatientID)
		assert.Equal(t, "scan.wav", got.OriginalName)
		assert.Nil(t, got.Prediction)
		assert.True(t, rec.UploadedAt.Equal(got.UploadedAt), "created %v, stored %v", rec.UploadedAt, got.UploadedAt)
	})

	t.Run("CreateKeepsStoredPrecision", func(t *testing.T) {
		at := time.Date(2024, 6, 1, 9, 30, 0, 123456789, time.UTC)
		rec := &domain.Record{PatientID: "p_precision", Path: "/uploads/e", UploadedAt: at}
		id, err := repo.Create(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, 123456000, rec.UploadedAt.Nanosecond())

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.UploadedAt.Equal(got.UploadedAt), "created %v, stored %v", rec.UploadedAt, got.UploadedAt)
	})

	t.Run("Duplicate", func(t *testing.T) {
		rec := &domain.Record{ID: "f_dup", PatientID: "p_dup", Path: "/uploads/a"}
		_, err := repo.Create(ctx, rec)
		require.NoError(t, err)

		_, err = repo.Create(ctx, &domain.Record{ID: "f_dup", PatientID: "p_other", Path: "/uploads/b"})
		assert.ErrorIs(t, err, domain.ErrDuplicateID)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)

		err = repo.SetPrediction(ctx, "missing", &domain.ClassificationResult{Prediction: "SMALL", Confidence: 0.9})
		assert.ErrorIs(t, err, domain.ErrRecordNotFound)
	})

	t.Run("SetPrediction", func(t *testing.T) {
		id, err := repo.Create(ctx, &domain.Record{PatientID: "p_pred", Path: "/uploads/c"})
		require.NoError(t, err)

		result := &domain.ClassificationResult{Prediction: "MEDIUM", Confidence: 0.9123, Category: "MEDIUM", StoneExists: true, Source: domain.SourcePredictor}
		require.NoError(t, repo.SetPrediction(ctx, id, result))

		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.Prediction)
		assert.Equal(t, *result, *got.Prediction)
	})

	t.Run("MalformedPrediction", func(t *testing.T) {
		id, err := repo.Create(ctx, &domain.Record{PatientID: "p_bad", Path: "/uploads/d"})
		require.NoError(t, err)

		_, err = repo.db.Pool.Exec(ctx, "UPDATE records SET prediction = 'oops' WHERE id = $1", id)
		require.NoError(t, err)

		history, err := repo.ListByPatient(ctx, "p_bad", 3)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Nil(t, history[0].Prediction)
		assert.Equal(t, "oops", history[0].RawPrediction)
	})

	t.Run("ListByPatientOrdering", func(t *testing.T) {
		for i := 0; i < 4; i++ {
			_, err := repo.Create(ctx, &domain.Record{
				PatientID:    "p_hist",
				OriginalName: fmt.Sprintf("r%d", i),
				Path:         "/uploads/h",
				UploadedAt:   base.Add(time.Duration(i) * time.Minute),
			})
			require.NoError(t, err)
		}
		// Same timestamp as r3: inserted later, so it sorts first.
		_, err := repo.Create(ctx, &domain.Record{
			PatientID:    "p_hist",
			OriginalName: "r3-tie",
			Path:         "/uploads/h",
			UploadedAt:   base.Add(3 * time.Minute),
		})
		require.NoError(t, err)

		got, err := repo.ListByPatient(ctx, "p_hist", 3)
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, "r3-tie", got[0].OriginalName)
		assert.Equal(t, "r3", got[1].OriginalName)
		assert.Equal(t, "r2", got[2].OriginalName)

		empty, err := repo.ListByPatient(ctx, "p_unknown", 3)
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})

	t.Run("List", func(t *testing.T) {
		got, err := repo.List(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, got, 2)

		all, err := repo.List(ctx, 1<<30)
		require.NoError(t, err)
		assert.NotEmpty(t, all)
		assert.LessOrEqual(t, cap(all), max(len(all), maxPrealloc))
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, repo.Ping(ctx))
	})
}
