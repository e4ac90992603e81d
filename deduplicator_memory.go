package main

import (
	"context"
	"errors"
	"sync"
	"time"
)

var errDedupStoreClosed = errors.New("deduplication store is closed")

type processedMessage struct {
	objectKey   string
	processedAt time.Time
}

// process-local; duplicates delivered to other replicas are not caught
type InMemoryDeduplicationStore struct {
	mu        sync.RWMutex
	processed map[string]processedMessage
	now       func() time.Time
}

func NewInMemoryDeduplicationStore() *InMemoryDeduplicationStore {
	return &InMemoryDeduplicationStore{
		processed: make(map[string]processedMessage),
		now:       time.Now,
	}
}

func (m *InMemoryDeduplicationStore) IsProcessed(ctx context.Context, messageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.processed == nil {
		return false, errDedupStoreClosed
	}
	_, exists := m.processed[messageID]
	return exists, nil
}

func (m *InMemoryDeduplicationStore) MarkProcessed(ctx context.Context, messageID, objectKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.processed == nil {
		return errDedupStoreClosed
	}
	if _, exists := m.processed[messageID]; exists {
		return nil
	}
	m.processed[messageID] = processedMessage{
		objectKey:   objectKey,
		processedAt: m.now(),
	}
	return nil
}

func (m *InMemoryDeduplicationStore) Cleanup(ctx context.Context, olderThan time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	for id, msg := range m.processed {
		if msg.processedAt.Before(cutoff) {
			delete(m.processed, id)
		}
	}
	return nil
}

func (m *InMemoryDeduplicationStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.processed)
}

func (m *InMemoryDeduplicationStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed = nil
	return nil
}
