// Package notify fans out history changes: in process through a
// Broadcaster and across server instances through Redis pub/sub.
package notify

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/stone-classifier-server/internal/domain"
)

// Listener receives history changes.
type Listener func(domain.HistoryChange)

// Broadcaster delivers each change to every subscribed listener in
// subscription order. It implements domain.HistoryNotifier.
type Broadcaster struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[uint64]Listener
	order     []uint64
	log       *logrus.Logger
}

// NewBroadcaster creates a broadcaster with no listeners.
func NewBroadcaster(logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		listeners: make(map[uint64]Listener),
		log:       logger,
	}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster) Subscribe(fn Listener) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.listeners[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Notify calls every listener. A panicking listener is logged and does not
// stop delivery to the others.
func (b *Broadcaster) Notify(_ context.Context, change domain.HistoryChange) error {
	b.mu.RLock()
	listeners := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		listeners = append(listeners, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range listeners {
		b.deliver(fn, change)
	}
	return nil
}

func (b *Broadcaster) deliver(fn Listener, change domain.HistoryChange) {
	defer func() {
		if r := recover(); r != nil {
			b.log.WithFields(logrus.Fields{
				"patient_id": change.PatientID,
				"record_id":  change.RecordID,
				"panic":      r,
			}).Error("History listener panicked")
		}
	}()
	fn(change)
}

// Len returns the number of subscribed listeners.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
