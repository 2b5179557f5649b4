// Package deadletter is the terminal parking lot for items the pipeline
// cannot process: first-pass terminal failures (bad data, orphaned readings)
// and retryable failures that exhausted their attempts. Entries keep full
// provenance so operators can tell data-quality problems from infrastructure
// degradation.
package deadletter

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// Disposition records why an item landed here.
type Disposition string

const (
	// DispositionTerminal marks a first-pass terminal failure: the defect is
	// in the data and no retry happened.
	DispositionTerminal Disposition = "terminal"

	// DispositionExhausted marks a retryable failure that ran out of
	// attempts: infrastructure stayed down past the retry budget.
	DispositionExhausted Disposition = "exhausted"
)

// Entry is one dead-lettered item.
type Entry struct {
	Disposition Disposition        `json:"disposition"`
	Kind        domain.FailureKind `json:"kind"`
	Reason      string             `json:"reason"`
	Attempts    int                `json:"attempts"`
	Provenance  domain.Provenance  `json:"provenance"`
	Category    domain.Category    `json:"category"`
	At          time.Time          `json:"at"`
}

// Sink receives dead-lettered entries. Implementations must be safe for
// concurrent use by pipeline workers.
type Sink interface {
	Put(entry Entry) error
}

// FileSink appends entries as JSON lines to a file. One line per item keeps
// the file greppable and tail-able during incidents.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// OpenFileSink opens (or creates) the JSONL file at path for appending.
func OpenFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead-letter file %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Put(entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dead-letter entry: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append dead-letter entry: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink collects entries in memory for tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Put(entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

// Entries returns a copy of everything collected so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}
