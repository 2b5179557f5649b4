package domain

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Decode dispatches a raw payload to the decode path selected by its declared
// category and encoding and returns the readings it contains, in input order.
//
// CSV is the only multi-output path: each data row yields one reading, with
// BatchSeq set to the zero-based row index. JSON payloads yield exactly one
// reading, as do binary image and sonar payloads, which decode to a single
// metadata-carrying reading with the raw bytes attached.
//
// Malformed input is a terminal decode failure; it is never retried.
func Decode(raw RawPayload) ([]DecodedReading, error) {
	switch {
	case raw.Category == CategoryImage:
		// Images are always opaque binary regardless of declared encoding.
		return decodeBinary(raw)
	case raw.Encoding == EncodingCSV:
		return decodeCSV(raw)
	case raw.Encoding == EncodingJSON:
		return decodeJSON(raw)
	case raw.Encoding == EncodingBinary && raw.Category == CategorySonar:
		return decodeBinary(raw)
	default:
		return nil, NewDecodeError(fmt.Errorf("no decode path for category %q encoding %q", raw.Category, raw.Encoding))
	}
}

// decodeCSV parses a header-row CSV payload into one reading per data row,
// preserving file order. Numeric-looking cells become float64 fields.
func decodeCSV(raw RawPayload) ([]DecodedReading, error) {
	reader := csv.NewReader(bytes.NewReader(raw.Data))
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, NewDecodeError(fmt.Errorf("parse csv %s: %w", raw.Provenance.Ref, err))
	}
	if len(records) == 0 {
		return nil, NewDecodeError(fmt.Errorf("csv %s has no header row", raw.Provenance.Ref))
	}
	// A header with zero data rows is a legitimate empty batch, not an error.
	header := records[0]
	readings := make([]DecodedReading, 0, len(records)-1)
	for i, row := range records[1:] {
		fields := make(map[string]any, len(header))
		for col, name := range header {
			name = strings.TrimSpace(name)
			if name == "" || col >= len(row) {
				continue
			}
			fields[name] = coerceValue(row[col])
		}
		prov := raw.Provenance
		prov.BatchSeq = i
		readings = append(readings, DecodedReading{
			Category:   raw.Category,
			Fields:     fields,
			Provenance: prov,
		})
	}
	return readings, nil
}

// decodeJSON parses a single JSON object into one reading.
func decodeJSON(raw RawPayload) ([]DecodedReading, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw.Data, &fields); err != nil {
		return nil, NewDecodeError(fmt.Errorf("parse json %s: %w", raw.Provenance.Ref, err))
	}
	return []DecodedReading{{
		Category:   raw.Category,
		Fields:     fields,
		Provenance: raw.Provenance,
	}}, nil
}

// decodeBinary wraps an opaque image or sonar blob in a single reading
// carrying file metadata. An empty payload is truncated input and terminal.
func decodeBinary(raw RawPayload) ([]DecodedReading, error) {
	if len(raw.Data) == 0 {
		return nil, NewDecodeError(fmt.Errorf("binary payload %s is empty", raw.Provenance.Ref))
	}
	name := path.Base(raw.Provenance.Ref)
	fields := map[string]any{
		"file_name":       name,
		"file_size_bytes": float64(len(raw.Data)),
	}
	if ext := strings.TrimPrefix(path.Ext(name), "."); ext != "" {
		fields["data_format"] = strings.ToLower(ext)
	}
	return []DecodedReading{{
		Category:   raw.Category,
		Fields:     fields,
		Binary:     raw.Data,
		Provenance: raw.Provenance,
	}}, nil
}

// coerceValue parses a CSV cell as float64 when possible, otherwise keeps the
// trimmed string. Empty cells stay empty strings so required-field checks can
// tell absence from zero.
func coerceValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}
	return s
}
