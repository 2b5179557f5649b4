// Package store persists enriched readings behind a narrow repository
// interface. The pipeline depends only on the interface; the badger-backed
// implementation is the production engine and the memory implementation
// serves tests and local runs.
package store

import (
	"context"
	"errors"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// ErrNotFound reports a lookup for a provenance key that was never stored.
var ErrNotFound = errors.New("reading not found")

// StoredReading is the persisted form of an enriched reading.
type StoredReading struct {
	Ref            domain.StoredReadingRef `json:"ref"`
	ProvenanceKey  string                  `json:"provenance_key"`
	Category       domain.Category         `json:"category"`
	SiteID         int64                   `json:"site_id"`
	ZoneID         *int64                  `json:"zone_id,omitempty"`
	Timestamp      string                  `json:"timestamp"`
	Fields         map[string]any          `json:"fields"`
	QualityScore   *float64                `json:"quality_score,omitempty"`
	SiteDistanceKm float64                 `json:"site_distance_km"`
	Channel        string                  `json:"channel"`
	SourceRef      string                  `json:"source_ref"`
}

// ReadingStore is the storage contract the pipeline requires: idempotent
// upserts keyed by provenance. A second write for the same key must not
// create a duplicate and must return the ref of the first successful write.
// Unavailability of the underlying engine is a retryable failure.
type ReadingStore interface {
	// Upsert durably stores the reading and returns its ref. Writes are
	// idempotent under the reading's provenance key.
	Upsert(ctx context.Context, reading domain.EnrichedReading) (domain.StoredReadingRef, error)

	// Get returns the stored reading for a provenance key, or ErrNotFound.
	Get(ctx context.Context, provenanceKey string) (StoredReading, error)
}

// toStored maps an enriched reading into its persisted form. The ref equals
// the provenance key: deterministic, so replays produce identical refs
// without coordination.
func toStored(reading domain.EnrichedReading) StoredReading {
	key := reading.ProvenanceKey()
	return StoredReading{
		Ref:            domain.StoredReadingRef(key),
		ProvenanceKey:  key,
		Category:       reading.Reading.Category,
		SiteID:         reading.SiteID,
		ZoneID:         reading.ZoneID,
		Timestamp:      reading.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Fields:         reading.Reading.Fields,
		QualityScore:   reading.QualityScore,
		SiteDistanceKm: reading.SiteDistanceKm,
		Channel:        reading.Reading.Provenance.Channel,
		SourceRef:      reading.Reading.Provenance.Ref,
	}
}
