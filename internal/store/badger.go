package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

const readingKeyPrefix = "reading:"

// BadgerStore implements ReadingStore on an embedded BadgerDB. Readings are
// keyed by provenance, which gives upsert-by-key semantics for free: a retry
// of the same logical arrival overwrites the identical record and returns
// the same ref.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens (or creates) the store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", path, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStore wraps an already-open badger handle.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func (s *BadgerStore) Upsert(ctx context.Context, reading domain.EnrichedReading) (domain.StoredReadingRef, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.NewStorageError(err)
	}

	stored := toStored(reading)
	data, err := json.Marshal(stored)
	if err != nil {
		return "", domain.NewStorageError(fmt.Errorf("marshal reading: %w", err))
	}

	key := []byte(readingKeyPrefix + stored.ProvenanceKey)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
	if err != nil {
		return "", domain.NewStorageError(fmt.Errorf("upsert reading %s: %w", stored.ProvenanceKey, err))
	}
	return stored.Ref, nil
}

func (s *BadgerStore) Get(_ context.Context, provenanceKey string) (StoredReading, error) {
	var stored StoredReading
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(readingKeyPrefix + provenanceKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get reading: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		})
	})
	if err != nil {
		return StoredReading{}, err
	}
	return stored, nil
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
