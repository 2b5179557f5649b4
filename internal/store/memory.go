package store

import (
	"context"
	"sync"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// MemoryStore is an in-memory ReadingStore for tests and local development.
// It honors the same idempotence contract as the badger engine and can be
// told to fail for a number of calls to exercise the retry policy.
type MemoryStore struct {
	mu       sync.Mutex
	readings map[string]StoredReading

	// FailNext makes the next N upserts return a retryable storage error.
	failNext int
	failErr  error
	upserts  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{readings: make(map[string]StoredReading)}
}

// FailNext arranges for the next n Upsert calls to fail with err.
func (s *MemoryStore) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failErr = err
}

// UpsertCalls returns how many Upsert attempts were made, including failures.
func (s *MemoryStore) UpsertCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts
}

// Len returns the number of distinct stored readings.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.readings)
}

func (s *MemoryStore) Upsert(ctx context.Context, reading domain.EnrichedReading) (domain.StoredReadingRef, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewStorageError(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.failNext > 0 {
		s.failNext--
		return "", domain.NewStorageError(s.failErr)
	}

	stored := toStored(reading)
	if existing, ok := s.readings[stored.ProvenanceKey]; ok {
		return existing.Ref, nil
	}
	s.readings[stored.ProvenanceKey] = stored
	return stored.Ref, nil
}

func (s *MemoryStore) Get(_ context.Context, provenanceKey string) (StoredReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.readings[provenanceKey]
	if !ok {
		return StoredReading{}, ErrNotFound
	}
	return stored, nil
}
