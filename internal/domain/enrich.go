package domain

import (
	"context"
	"errors"
	"fmt"
)

// MaxSiteDistanceKm is the resolution cutoff: a reading whose coordinates
// are farther than this from every known site is geographically orphaned.
const MaxSiteDistanceKm = 50.0

// ErrNoSiteInRange reports that no monitored site lies within the cutoff of
// the reading's coordinates. Terminal: retrying will not move the reading.
var ErrNoSiteInRange = errors.New("no site within range")

// ErrUnknownSite reports that an explicit site_id references no known site.
// Also terminal: the reading carries bad data, not a transient condition.
var ErrUnknownSite = errors.New("unknown site")

// Site is the read-only view of a monitored site the enricher needs. The
// full record lives with the site registry collaborator.
type Site struct {
	ID           int64        `json:"id"`
	Name         string       `json:"name"`
	Latitude     float64      `json:"latitude"`
	Longitude    float64      `json:"longitude"`
	DepthMeters  float64      `json:"depth_meters,omitempty"`
	SiteType     string       `json:"site_type,omitempty"`
	HealthStatus HealthStatus `json:"health_status"`
	HealthScore  *float64     `json:"health_score,omitempty"`
	RiskLevel    int          `json:"risk_level"`
}

// SiteLookup resolves readings to monitored sites. Implementations may be
// remote; errors other than ErrNoSiteInRange and ErrUnknownSite are treated
// as retryable lookup unavailability.
type SiteLookup interface {
	// SiteByID returns the site with the given identifier.
	SiteByID(ctx context.Context, id int64) (Site, error)

	// NearestSite returns the site closest to the coordinates and its
	// great-circle distance in kilometers.
	NearestSite(ctx context.Context, lat, lon float64) (Site, float64, error)
}

// Enrich resolves a valid reading to its owning site and derives computed
// fields. An explicit site_id in the payload or its provenance wins;
// otherwise the nearest site by great-circle distance over the decoded or
// provenance-declared coordinates is used, failing terminally when the
// nearest site is beyond MaxSiteDistanceKm. Lookup unavailability is
// retryable; a geographically orphaned reading is not.
func Enrich(ctx context.Context, v ValidationResult, sites SiteLookup) (EnrichedReading, error) {
	r := v.Reading

	site, distance, err := resolveSite(ctx, r, sites)
	if err != nil {
		return EnrichedReading{}, err
	}

	enriched := EnrichedReading{
		Reading:        r,
		Timestamp:      v.Timestamp,
		SiteID:         site.ID,
		SiteDistanceKm: distance,
		QualityScore:   deriveQualityScore(r),
		HealthStatus:   healthStatusField(r),
		RiskLevel:      riskLevelField(r),
	}
	if zone, ok := r.Float("zone_id"); ok {
		id := int64(zone)
		enriched.ZoneID = &id
	}
	return enriched, nil
}

func resolveSite(ctx context.Context, r DecodedReading, sites SiteLookup) (Site, float64, error) {
	if id, ok := r.Float("site_id"); ok {
		return siteByID(ctx, sites, int64(id))
	}
	if r.Provenance.SiteID != nil {
		return siteByID(ctx, sites, *r.Provenance.SiteID)
	}

	// Opaque payloads carry no coordinate fields; the adapter-declared
	// placement in the provenance stands in for them.
	lat, okLat := r.Float("latitude")
	lon, okLon := r.Float("longitude")
	if !okLat || !okLon {
		if r.Provenance.Latitude == nil || r.Provenance.Longitude == nil {
			return Site{}, 0, NewResolutionError(fmt.Errorf("reading %s has no site_id and no coordinates", r.Provenance.Key()), false)
		}
		lat, lon = *r.Provenance.Latitude, *r.Provenance.Longitude
	}

	site, distance, err := sites.NearestSite(ctx, lat, lon)
	if err != nil {
		return Site{}, 0, NewResolutionError(fmt.Errorf("nearest site lookup: %w", err), true)
	}
	if distance > MaxSiteDistanceKm {
		return Site{}, 0, NewResolutionError(
			fmt.Errorf("%w: nearest site %d is %.1f km away (cutoff %.0f km)", ErrNoSiteInRange, site.ID, distance, MaxSiteDistanceKm),
			false,
		)
	}
	return site, distance, nil
}

func siteByID(ctx context.Context, sites SiteLookup, id int64) (Site, float64, error) {
	site, err := sites.SiteByID(ctx, id)
	if err != nil {
		return Site{}, 0, NewResolutionError(fmt.Errorf("site %d: %w", id, err), !errors.Is(err, ErrUnknownSite))
	}
	return site, 0, nil
}

// Ideal reef water chemistry bands used by the composite quality score.
// Deviations outside a band cost points proportionally.
const (
	idealTempLow, idealTempHigh = 23.0, 29.0 // °C
	idealSalLow, idealSalHigh   = 33.0, 36.0 // ppt
	idealPHLow, idealPHHigh     = 8.0, 8.4
)

// deriveQualityScore computes the composite water-quality indicator on a
// 0–100 scale. It requires temperature, salinity, and pH all present and
// returns nil otherwise; an absent input never becomes a zero. Turbidity,
// when present, contributes an additional penalty.
func deriveQualityScore(r DecodedReading) *float64 {
	temp, okT := r.Float("temperature_celsius")
	sal, okS := r.Float("salinity_ppt")
	ph, okP := r.Float("ph_level")
	if !okT || !okS || !okP {
		return nil
	}

	score := 100.0
	score -= 4 * bandDeviation(temp, idealTempLow, idealTempHigh)
	score -= 5 * bandDeviation(sal, idealSalLow, idealSalHigh)
	score -= 20 * bandDeviation(ph, idealPHLow, idealPHHigh)
	if turb, ok := r.Float("turbidity_ntu"); ok {
		score -= 2 * turb
	}
	if score < 0 {
		score = 0
	}
	return &score
}

// bandDeviation returns how far v sits outside [low, high], zero inside.
func bandDeviation(v, low, high float64) float64 {
	switch {
	case v < low:
		return low - v
	case v > high:
		return v - high
	default:
		return 0
	}
}

func healthStatusField(r DecodedReading) HealthStatus {
	if s, ok := r.String("health_status"); ok {
		return ParseHealthStatus(s)
	}
	return HealthUnknown
}

func riskLevelField(r DecodedReading) int {
	if v, ok := r.Float("bleaching_risk_level"); ok {
		return int(v)
	}
	return 0
}
