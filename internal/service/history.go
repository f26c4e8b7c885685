// Package service holds the core operations: recording uploads, predicting
// a record's classification and serving a patient's recent history.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
	"github.com/stone-classifier-server/internal/notify"
)

// MaxHistoryLimit bounds a single history request.
const MaxHistoryLimit = 100

// DefaultHistoryCacheTTL bounds how long a memoized history may lag the
// store when the write happened in another process.
const DefaultHistoryCacheTTL = 2 * time.Second

// HistoryService serves the newest results for a patient and tells
// subscribers when a patient's history changes.
type HistoryService struct {
	store        domain.RecordStore
	cache        *expirable.LRU[string, []domain.HistoryEntry]
	mu           sync.Mutex // guards generation and cache fills
	generation   uint64
	listeners    *notify.Broadcaster
	defaultLimit int
	log          *logrus.Logger
}

// HistoryConfig configures a HistoryService.
type HistoryConfig struct {
	DefaultLimit int // used when a request passes limit <= 0
	CacheSize    int           // patients memoized; 0 disables the cache
	CacheTTL     time.Duration // lifetime of a memoized history; 0 means DefaultHistoryCacheTTL
}

// NewHistoryService creates a history service over store.
func NewHistoryService(store domain.RecordStore, config HistoryConfig, logger *logrus.Logger) (*HistoryService, error) {
	if config.DefaultLimit <= 0 {
		config.DefaultLimit = domain.DefaultHistoryLimit
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &HistoryService{
		store:        store,
		listeners:    notify.NewBroadcaster(logger),
		defaultLimit: config.DefaultLimit,
		log:          logger,
	}

	if config.CacheSize < 0 {
		return nil, fmt.Errorf("history cache size must not be negative: %d", config.CacheSize)
	}
	if config.CacheSize > 0 {
		if config.CacheTTL <= 0 {
			config.CacheTTL = DefaultHistoryCacheTTL
		}
		s.cache = expirable.NewLRU[string, []domain.HistoryEntry](config.CacheSize, nil, config.CacheTTL)
	}

	return s, nil
}

// RecentHistory returns at most limit entries for patientID, newest first.
// Entries whose stored prediction is unreadable carry a nil prediction.
func (s *HistoryService) RecentHistory(ctx context.Context, patientID string, limit int) ([]domain.HistoryEntry, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, domain.NewValidationError("patientId", "patient id is required", patientID)
	}
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	key := cacheKey(patientID, limit)
	if s.cache != nil {
		if entries, ok := s.cache.Get(key); ok {
			return copyEntries(entries), nil
		}
	}

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	records, err := s.store.ListByPatient(ctx, patientID, limit)
	if err != nil {
		s.log.WithFields(logrus.Fields{
			"patient_id": patientID,
			"error":      err,
		}).Error("Failed to load history")
		return nil, fmt.Errorf("loading history for %s: %w", patientID, err)
	}

	entries := make([]domain.HistoryEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, rec.ToHistoryEntry())
	}

	// A change landing during the read would make this result stale.
	if s.cache != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.cache.Add(key, copyEntries(entries))
		}
		s.mu.Unlock()
	}

	return entries, nil
}

// Subscribe registers fn for every history change and returns a function
// that removes it.
func (s *HistoryService) Subscribe(fn notify.Listener) (unsubscribe func()) {
	return s.listeners.Subscribe(fn)
}

// Notify drops cached history for the changed patient and informs
// subscribers. It implements domain.HistoryNotifier.
func (s *HistoryService) Notify(ctx context.Context, change domain.HistoryChange) error {
	s.invalidate(change.PatientID)
	return s.listeners.Notify(ctx, change)
}

// Publisher returns a notifier that drops this service's cached history for
// the changed patient before handing the change to next, so a caller reading
// right after its own write never sees the old entries.
func (s *HistoryService) Publisher(next domain.HistoryNotifier) domain.HistoryNotifier {
	return notifierFunc(func(ctx context.Context, change domain.HistoryChange) error {
		s.invalidate(change.PatientID)
		return next.Notify(ctx, change)
	})
}

type notifierFunc func(ctx context.Context, change domain.HistoryChange) error

func (f notifierFunc) Notify(ctx context.Context, change domain.HistoryChange) error {
	return f(ctx, change)
}

func (s *HistoryService) invalidate(patientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if s.cache == nil {
		return
	}
	prefix := patientID + "\x00"
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
}

func cacheKey(patientID string, limit int) string {
	return fmt.Sprintf("%s\x00%d", patientID, limit)
}

func copyEntries(in []domain.HistoryEntry) []domain.HistoryEntry {
	out := make([]domain.HistoryEntry, len(in))
	for i, e := range in {
		out[i] = e
		if e.Prediction != nil {
			p := *e.Prediction
			out[i].Prediction = &p
		}
	}
	return out
}
