package records

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stone-classifier-server/internal/domain"
)

// MemoryStore is a process-local domain.RecordStore. Records are kept in
// insertion order; reads return copies so callers cannot mutate state.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*domain.Record
	index   map[string]int
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		index: make(map[string]int),
	}
}

// Create inserts a copy of record.
func (m *MemoryStore) Create(_ context.Context, record *domain.Record) (string, error) {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.UploadedAt.IsZero() {
		record.UploadedAt = time.Now().UTC()
	}

	raw, err := domain.EncodePrediction(record.Prediction)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.index[record.ID]; exists {
		return "", fmt.Errorf("record %s: %w", record.ID, domain.ErrDuplicateID)
	}

	record.RawPrediction = raw
	m.index[record.ID] = len(m.records)
	m.records = append(m.records, copyRecord(record))
	return record.ID, nil
}

// Get returns a copy of the record.
func (m *MemoryStore) Get(_ context.Context, id string) (*domain.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.index[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	return copyRecord(m.records[i]), nil
}

// SetPrediction replaces the record's prediction.
func (m *MemoryStore) SetPrediction(_ context.Context, id string, result *domain.ClassificationResult) error {
	raw, err := domain.EncodePrediction(result)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i, ok := m.index[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, domain.ErrRecordNotFound)
	}
	rec := m.records[i]
	rec.RawPrediction = raw
	rec.Prediction = copyResult(result)
	return nil
}

// ListByPatient returns up to limit records for patientID, newest first.
func (m *MemoryStore) ListByPatient(_ context.Context, patientID string, limit int) ([]*domain.Record, error) {
	return m.newest(limit, func(r *domain.Record) bool { return r.PatientID == patientID }), nil
}

// List returns up to limit records across all patients, newest first.
func (m *MemoryStore) List(_ context.Context, limit int) ([]*domain.Record, error) {
	return m.newest(limit, func(*domain.Record) bool { return true }), nil
}

// newest filters, orders by upload time descending with later inserts
// winning ties, and truncates to limit.
func (m *MemoryStore) newest(limit int, keep func(*domain.Record) bool) []*domain.Record {
	if limit <= 0 {
		return []*domain.Record{}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type ordered struct {
		seq int
		rec *domain.Record
	}
	matched := make([]ordered, 0)
	for i, r := range m.records {
		if keep(r) {
			matched = append(matched, ordered{seq: i, rec: r})
		}
	}

	sort.Slice(matched, func(a, b int) bool {
		ta, tb := matched[a].rec.UploadedAt, matched[b].rec.UploadedAt
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
		return matched[a].seq > matched[b].seq
	})

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*domain.Record, 0, len(matched))
	for _, o := range matched {
		out = append(out, copyRecord(o.rec))
	}
	return out
}

// Ping reports an error once the store has been closed.
func (m *MemoryStore) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// Close marks the store closed. Data stays readable.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

func copyRecord(r *domain.Record) *domain.Record {
	c := *r
	c.Prediction = copyResult(r.Prediction)
	return &c
}

func copyResult(r *domain.ClassificationResult) *domain.ClassificationResult {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
