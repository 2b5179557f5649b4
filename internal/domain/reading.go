package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"
)

// Category identifies the kind of monitoring data a payload carries.
type Category string

const (
	CategorySensor Category = "sensor"
	CategoryImage  Category = "image"
	CategorySonar  Category = "sonar"
)

// Encoding is the declared wire format of a raw payload. Decode paths are
// selected by declaration, never by content sniffing.
type Encoding string

const (
	EncodingCSV    Encoding = "csv"
	EncodingJSON   Encoding = "json"
	EncodingBinary Encoding = "binary"
)

// Provenance identifies where a reading came from: the ingress channel, the
// original file name or URL, the arrival time, and, for multi-reading
// payloads such as CSV files, the position within the batch.
type Provenance struct {
	Channel    string    `json:"channel"`
	Ref        string    `json:"ref"`
	ReceivedAt time.Time `json:"received_at"`
	BatchSeq   int       `json:"batch_seq"`

	// SiteID, Latitude, and Longitude are origin-declared placement for
	// payloads whose bytes carry none of their own (images, raw sonar
	// sweeps). Adapters populate them from request parameters, feed item
	// metadata, or file name conventions; enrichment consults them after
	// the decoded fields.
	SiteID    *int64   `json:"site_id,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Key returns the deterministic idempotence key for this provenance.
// Reprocessing the same logical arrival produces the same key, which is what
// makes storage upserts and retry replays safe.
func (p Provenance) Key() string {
	input := fmt.Sprintf("%s|%s|%d", p.Channel, p.Ref, p.BatchSeq)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:12])
}

// SiteFromFileName extracts an origin-declared site from file names
// following the field equipment convention site-<id>_<rest>. Nil when the
// name carries no site marker.
func SiteFromFileName(name string) *int64 {
	rest, ok := strings.CutPrefix(path.Base(name), "site-")
	if !ok {
		return nil
	}
	digits, _, ok := strings.Cut(rest, "_")
	if !ok {
		return nil
	}
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return nil
	}
	return &id
}

// RawPayload is an immutable unit of ingested bytes plus its declared
// category, encoding, and provenance. Created by a source adapter, consumed
// and discarded by Decode.
type RawPayload struct {
	Data       []byte
	Category   Category
	Encoding   Encoding
	Provenance Provenance
}

// DecodedReading is the category-specific field mapping produced by Decode.
// Scalar fields live in Fields (float64 or string values); opaque image and
// sonar blobs live in Binary. Provenance is carried over from the RawPayload,
// with BatchSeq set to the row index for CSV-derived readings.
type DecodedReading struct {
	Category   Category
	Fields     map[string]any
	Binary     []byte
	Provenance Provenance
}

// Float returns the named field as a float64. Decoded CSV and JSON numbers
// are stored as float64; anything else reports false.
func (r DecodedReading) Float(name string) (float64, bool) {
	v, ok := r.Fields[name].(float64)
	return v, ok
}

// String returns the named field as a string.
func (r DecodedReading) String(name string) (string, bool) {
	v, ok := r.Fields[name].(string)
	return v, ok
}

// ValidationResult tags a DecodedReading as valid or invalid. Invalid
// readings never proceed past the validator. Timestamp holds the parsed
// reading time for valid results.
type ValidationResult struct {
	Reading   DecodedReading
	Timestamp time.Time
	Valid     bool
	Reason    string
}

// EnrichedReading is a valid reading resolved to a monitored site, plus any
// derived fields. QualityScore is set only when all of its inputs were
// present in the raw data; it is never defaulted.
type EnrichedReading struct {
	Reading        DecodedReading
	Timestamp      time.Time
	SiteID         int64
	ZoneID         *int64
	SiteDistanceKm float64
	QualityScore   *float64
	HealthStatus   HealthStatus
	RiskLevel      int
}

// ProvenanceKey returns the storage idempotence key for this reading.
func (e EnrichedReading) ProvenanceKey() string {
	return e.Reading.Provenance.Key()
}

// StoredReadingRef is the opaque handle returned by the reading store. Two
// writes with the same provenance key return equal refs. Callers correlate
// retries with it and never inspect its content.
type StoredReadingRef string

// AlertEvent is emitted when a stored reading or a site health re-check
// crosses the alerting thresholds. It is terminal once dispatched; the
// pipeline does not track acknowledgment.
type AlertEvent struct {
	ID         string           `json:"id"`
	SubjectID  int64            `json:"subject_id"`
	Severity   Severity         `json:"severity"`
	Reason     string           `json:"reason"`
	ReadingRef StoredReadingRef `json:"reading_ref,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}
