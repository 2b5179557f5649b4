package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLookup is a fixed-answer SiteLookup for enrichment tests.
type stubLookup struct {
	site     Site
	distance float64
	err      error
}

func (s *stubLookup) SiteByID(_ context.Context, id int64) (Site, error) {
	if s.err != nil {
		return Site{}, s.err
	}
	return s.site, nil
}

func (s *stubLookup) NearestSite(_ context.Context, _, _ float64) (Site, float64, error) {
	if s.err != nil {
		return Site{}, 0, s.err
	}
	return s.site, s.distance, nil
}

func validResult(fields map[string]any) ValidationResult {
	return ValidationResult{
		Reading:   sensorReading(fields),
		Timestamp: time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC),
		Valid:     true,
	}
}

func TestEnrich_NearestSiteResolution(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 7, Name: "Osprey Reef"}, distance: 12.4}

	enriched, err := Enrich(context.Background(), validResult(map[string]any{
		"latitude":  -13.88,
		"longitude": 146.55,
	}), lookup)

	require.NoError(t, err)
	assert.Equal(t, int64(7), enriched.SiteID)
	assert.Equal(t, 12.4, enriched.SiteDistanceKm)
	assert.Nil(t, enriched.QualityScore)
	assert.Equal(t, HealthUnknown, enriched.HealthStatus)
	assert.Zero(t, enriched.RiskLevel)
}

func TestEnrich_ExplicitSiteIDWins(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 3, Name: "Ribbon Reef 5"}}

	enriched, err := Enrich(context.Background(), validResult(map[string]any{
		"site_id":  3.0,
		"latitude": -90.0, // resolvable coordinates must not be consulted
	}), lookup)

	require.NoError(t, err)
	assert.Equal(t, int64(3), enriched.SiteID)
	assert.Zero(t, enriched.SiteDistanceKm)
}

func TestEnrich_NoSiteInRangeIsTerminal(t *testing.T) {
	// Nearest site is 500 km away with a 50 km cutoff.
	lookup := &stubLookup{site: Site{ID: 9}, distance: 500.0}

	_, err := Enrich(context.Background(), validResult(map[string]any{
		"latitude":  -30.0,
		"longitude": 160.0,
	}), lookup)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSiteInRange)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, FailureResolution, KindOf(err))
}

func TestEnrich_LookupUnavailableIsRetryable(t *testing.T) {
	lookup := &stubLookup{err: errors.New("registry timeout")}

	_, err := Enrich(context.Background(), validResult(map[string]any{
		"latitude":  -18.0,
		"longitude": 147.0,
	}), lookup)

	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, FailureResolution, KindOf(err))
}

func TestEnrich_UnknownExplicitSiteIsTerminal(t *testing.T) {
	lookup := &stubLookup{err: fmt.Errorf("site 99: %w", ErrUnknownSite)}

	_, err := Enrich(context.Background(), validResult(map[string]any{
		"site_id": 99.0,
	}), lookup)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownSite)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, FailureResolution, KindOf(err))
}

func TestEnrich_ProvenanceSiteID(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 5, Name: "Hardy Reef"}}

	// Opaque payloads such as images decode to metadata only; placement
	// arrives through the provenance.
	result := validResult(map[string]any{
		"file_name":       "dive.jpg",
		"file_size_bytes": 2048.0,
	})
	siteID := int64(5)
	result.Reading.Provenance.SiteID = &siteID

	enriched, err := Enrich(context.Background(), result, lookup)
	require.NoError(t, err)
	assert.Equal(t, int64(5), enriched.SiteID)
	assert.Zero(t, enriched.SiteDistanceKm)
}

func TestEnrich_ProvenanceCoordinates(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 8, Name: "Flynn Reef"}, distance: 0.9}

	result := validResult(map[string]any{
		"file_name":       "sweep.bin",
		"file_size_bytes": 4096.0,
	})
	lat, lon := -16.72, 146.27
	result.Reading.Provenance.Latitude = &lat
	result.Reading.Provenance.Longitude = &lon

	enriched, err := Enrich(context.Background(), result, lookup)
	require.NoError(t, err)
	assert.Equal(t, int64(8), enriched.SiteID)
	assert.Equal(t, 0.9, enriched.SiteDistanceKm)
}

func TestEnrich_DecodedCoordinatesBeatProvenance(t *testing.T) {
	recorded := &coordRecordingLookup{site: Site{ID: 2}, distance: 1.5}

	result := validResult(map[string]any{
		"latitude":  -18.1,
		"longitude": 147.3,
	})
	lat, lon := -99.0, -99.0
	result.Reading.Provenance.Latitude = &lat
	result.Reading.Provenance.Longitude = &lon

	_, err := Enrich(context.Background(), result, recorded)
	require.NoError(t, err)
	assert.Equal(t, -18.1, recorded.lat)
	assert.Equal(t, 147.3, recorded.lon)
}

type coordRecordingLookup struct {
	site     Site
	distance float64
	lat, lon float64
}

func (c *coordRecordingLookup) SiteByID(context.Context, int64) (Site, error) {
	return c.site, nil
}

func (c *coordRecordingLookup) NearestSite(_ context.Context, lat, lon float64) (Site, float64, error) {
	c.lat, c.lon = lat, lon
	return c.site, c.distance, nil
}

func TestEnrich_NoCoordinatesNoSiteID(t *testing.T) {
	_, err := Enrich(context.Background(), validResult(map[string]any{
		"sensor_type": "PH",
	}), &stubLookup{})

	require.Error(t, err)
	assert.False(t, IsRetryable(err))
}

func TestEnrich_QualityScore(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 1}, distance: 1.0}

	t.Run("ideal water scores 100", func(t *testing.T) {
		enriched, err := Enrich(context.Background(), validResult(map[string]any{
			"latitude": -18.0, "longitude": 147.0,
			"temperature_celsius": 26.0,
			"salinity_ppt":        34.5,
			"ph_level":            8.2,
		}), lookup)
		require.NoError(t, err)
		require.NotNil(t, enriched.QualityScore)
		assert.Equal(t, 100.0, *enriched.QualityScore)
	})

	t.Run("excursions pay penalties", func(t *testing.T) {
		enriched, err := Enrich(context.Background(), validResult(map[string]any{
			"latitude": -18.0, "longitude": 147.0,
			"temperature_celsius": 31.0, // 2 over band: -8
			"salinity_ppt":        34.5,
			"ph_level":            7.8, // 0.2 under band: -4
			"turbidity_ntu":       2.5, // -5
		}), lookup)
		require.NoError(t, err)
		require.NotNil(t, enriched.QualityScore)
		assert.InDelta(t, 83.0, *enriched.QualityScore, 1e-9)
	})

	t.Run("missing input leaves score unset", func(t *testing.T) {
		enriched, err := Enrich(context.Background(), validResult(map[string]any{
			"latitude": -18.0, "longitude": 147.0,
			"temperature_celsius": 26.0,
			"ph_level":            8.2,
			// no salinity: score must be nil, never zero
		}), lookup)
		require.NoError(t, err)
		assert.Nil(t, enriched.QualityScore)
	})
}

func TestEnrich_HealthSignalCarriedOver(t *testing.T) {
	lookup := &stubLookup{site: Site{ID: 4}, distance: 2.0}

	enriched, err := Enrich(context.Background(), validResult(map[string]any{
		"latitude": -18.0, "longitude": 147.0,
		"health_status":        "critical",
		"bleaching_risk_level": 4.0,
		"zone_id":              11.0,
	}), lookup)

	require.NoError(t, err)
	assert.Equal(t, HealthCritical, enriched.HealthStatus)
	assert.Equal(t, 4, enriched.RiskLevel)
	require.NotNil(t, enriched.ZoneID)
	assert.Equal(t, int64(11), *enriched.ZoneID)
}
