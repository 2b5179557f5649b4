// Package domain models reef-monitoring readings and the pure pipeline
// stages that process them: format dispatch, validation, enrichment, and
// alert severity.
//
// # Reading Categories
//
// Three categories of monitoring data arrive from the field:
//
//	sensor  - scalar water-chemistry samples (temperature, salinity, pH,
//	          dissolved oxygen, turbidity) from moored or towed instruments.
//	image   - benthic survey photographs; always opaque binary, decoded to a
//	          single metadata-carrying reading.
//	sonar   - acoustic captures; CSV/JSON summaries or opaque binary dumps.
//
// Decode paths are selected by the payload's declared category and encoding,
// never by sniffing content. CSV is the only multi-output path: each data
// row becomes one reading, in file order, with BatchSeq recording the row
// index.
//
// # Field Conventions
//
// Scalar fields use snake_case names matching the persisted schema:
//
//	timestamp             RFC3339 or "2006-01-02 15:04:05"; must not sit more
//	                      than 5 minutes in the future (clock-skew tolerance).
//	latitude, longitude   WGS-84 degrees; [-90,90] and [-180,180].
//	temperature_celsius   [-5, 40], the open-ocean surface range.
//	salinity_ppt          [0, 50].
//	ph_level              [0, 14].
//	dissolved_oxygen_mg_l [0, 20].
//	site_id               optional explicit site reference; when present it
//	                      wins over coordinate-based resolution.
//	health_status         optional categorical signal (EXCELLENT..CRITICAL).
//	bleaching_risk_level  optional integer risk (0–5).
//
// # Provenance and Idempotence
//
// Every reading carries Provenance: ingress channel, original file name or
// URL, arrival time, and batch sequence. Provenance.Key is a deterministic
// SHA-256 over channel|ref|seq; it is the storage upsert key, so replaying
// the same logical arrival can never store a duplicate. See [Provenance.Key].
//
// # Site Resolution
//
// Readings without an explicit site_id resolve to the nearest monitored site
// by exact great-circle (haversine) distance, with a 50 km cutoff. A reading
// farther than the cutoff from every site is geographically orphaned: a
// terminal failure, distinct from lookup unavailability which is retryable.
//
// # Quality Score
//
// The composite water-quality indicator is derived only when temperature,
// salinity, and pH are all present; a missing input leaves the score unset,
// never zero. The score starts at 100 and pays per-unit penalties for
// excursions outside ideal reef bands (23–29 °C, 33–36 ppt, pH 8.0–8.4),
// plus a turbidity penalty when turbidity was measured.
//
// # Alert Severity
//
// [SeverityFor] combines health status and bleaching risk worst-of-both-wins
// into LOW/MEDIUM/HIGH/CRITICAL. The function is total and monotonic in
// risk. Only CRITICAL and HIGH results are dispatched to the notification
// collaborator; MEDIUM and LOW are recorded only.
package domain
