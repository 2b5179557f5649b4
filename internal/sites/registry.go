// Package sites is the in-memory registry of monitored reef sites. It is the
// single writer of site health state and implements the lookup interface the
// enrichment stage depends on.
package sites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

var (
	// ErrSiteNotFound is returned for lookups of unknown site IDs.
	ErrSiteNotFound = errors.New("site not found")

	// ErrNoSites is returned by NearestSite when the registry is empty.
	ErrNoSites = errors.New("no sites registered")
)

// Zone is a named sub-area of a site, such as a transect or a mooring.
type Zone struct {
	ID       int64   `json:"id"`
	SiteID   int64   `json:"site_id"`
	Name     string  `json:"name"`
	Depth    float64 `json:"depth_meters,omitempty"`
	ZoneType string  `json:"zone_type,omitempty"`
}

// ListFilter narrows and pages List results. Zero values mean no filtering;
// a zero Limit falls back to a server-side default.
type ListFilter struct {
	HealthStatus domain.HealthStatus
	SiteType     string
	Offset       int
	Limit        int
}

const defaultListLimit = 50

// HealthSummary aggregates registry state for the operations dashboard.
type HealthSummary struct {
	TotalSites int                         `json:"total_sites"`
	ByStatus   map[domain.HealthStatus]int `json:"by_status"`
	AtRisk     int                         `json:"at_risk"` // risk level 3 or higher
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// HealthUpdate is the command a refresh applies to one site. The registry is
// the only code that mutates health state.
type HealthUpdate struct {
	Status    domain.HealthStatus
	Score     float64
	RiskLevel int
}

// Registry holds the monitored sites and their zones. Safe for concurrent
// use; reads vastly outnumber writes so a single RWMutex is enough.
type Registry struct {
	mu     sync.RWMutex
	sites  map[int64]domain.Site
	zones  map[int64][]Zone
	nextID int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sites:  make(map[int64]domain.Site),
		zones:  make(map[int64][]Zone),
		nextID: 1,
	}
}

// Create registers a site. A zero ID is assigned; a caller-provided ID is
// kept, which seed loading relies on.
func (r *Registry) Create(site domain.Site) (domain.Site, error) {
	if site.Name == "" {
		return domain.Site{}, errors.New("site name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if site.ID == 0 {
		site.ID = r.nextID
	}
	if _, exists := r.sites[site.ID]; exists {
		return domain.Site{}, fmt.Errorf("site %d already exists", site.ID)
	}
	if site.ID >= r.nextID {
		r.nextID = site.ID + 1
	}
	if site.HealthStatus == "" {
		site.HealthStatus = domain.HealthUnknown
	}
	r.sites[site.ID] = site
	return site, nil
}

// Get returns a site by ID.
func (r *Registry) Get(id int64) (domain.Site, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	site, ok := r.sites[id]
	if !ok {
		return domain.Site{}, fmt.Errorf("site %d: %w", id, ErrSiteNotFound)
	}
	return site, nil
}

// Update replaces a site's descriptive fields. Health state is not touched
// here; that goes through ApplyHealthUpdate.
func (r *Registry) Update(site domain.Site) (domain.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.sites[site.ID]
	if !ok {
		return domain.Site{}, fmt.Errorf("site %d: %w", site.ID, ErrSiteNotFound)
	}
	site.HealthStatus = existing.HealthStatus
	site.HealthScore = existing.HealthScore
	site.RiskLevel = existing.RiskLevel
	r.sites[site.ID] = site
	return site, nil
}

// Delete removes a site and its zones.
func (r *Registry) Delete(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[id]; !ok {
		return fmt.Errorf("site %d: %w", id, ErrSiteNotFound)
	}
	delete(r.sites, id)
	delete(r.zones, id)
	return nil
}

// List returns sites matching the filter, ordered by ID for stable paging.
func (r *Registry) List(filter ListFilter) []domain.Site {
	r.mu.RLock()
	matched := make([]domain.Site, 0, len(r.sites))
	for _, site := range r.sites {
		if filter.HealthStatus != "" && site.HealthStatus != filter.HealthStatus {
			continue
		}
		if filter.SiteType != "" && !strings.EqualFold(site.SiteType, filter.SiteType) {
			continue
		}
		matched = append(matched, site)
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if filter.Offset >= len(matched) {
		return []domain.Site{}
	}
	end := filter.Offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end]
}

// Count returns the number of registered sites.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}

// SiteDistance pairs a site with its distance from a query point.
type SiteDistance struct {
	Site       domain.Site `json:"site"`
	DistanceKm float64     `json:"distance_km"`
}

// Nearby returns all sites within radiusKm of the point, closest first.
func (r *Registry) Nearby(lat, lon, radiusKm float64) []SiteDistance {
	r.mu.RLock()
	results := make([]SiteDistance, 0, 8)
	for _, site := range r.sites {
		d := domain.GreatCircleKm(lat, lon, site.Latitude, site.Longitude)
		if d <= radiusKm {
			results = append(results, SiteDistance{Site: site, DistanceKm: d})
		}
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].DistanceKm < results[j].DistanceKm })
	return results
}

// Summary aggregates current health state across all sites.
func (r *Registry) Summary(now time.Time) HealthSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summary := HealthSummary{
		TotalSites: len(r.sites),
		ByStatus:   make(map[domain.HealthStatus]int),
		UpdatedAt:  now.UTC(),
	}
	for _, site := range r.sites {
		summary.ByStatus[site.HealthStatus]++
		if site.RiskLevel >= 3 {
			summary.AtRisk++
		}
	}
	return summary
}

// AddZone attaches a zone to an existing site.
func (r *Registry) AddZone(zone Zone) (Zone, error) {
	if zone.Name == "" {
		return Zone{}, errors.New("zone name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sites[zone.SiteID]; !ok {
		return Zone{}, fmt.Errorf("site %d: %w", zone.SiteID, ErrSiteNotFound)
	}
	if zone.ID == 0 {
		zone.ID = r.nextID
		r.nextID++
	}
	r.zones[zone.SiteID] = append(r.zones[zone.SiteID], zone)
	return zone, nil
}

// Zones lists the zones of a site.
func (r *Registry) Zones(siteID int64) ([]Zone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sites[siteID]; !ok {
		return nil, fmt.Errorf("site %d: %w", siteID, ErrSiteNotFound)
	}
	out := make([]Zone, len(r.zones[siteID]))
	copy(out, r.zones[siteID])
	return out, nil
}

// ApplyHealthUpdate overwrites a site's health state with a refresh result.
func (r *Registry) ApplyHealthUpdate(id int64, update HealthUpdate) (domain.Site, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	site, ok := r.sites[id]
	if !ok {
		return domain.Site{}, fmt.Errorf("site %d: %w", id, ErrSiteNotFound)
	}
	score := update.Score
	site.HealthStatus = update.Status
	site.HealthScore = &score
	site.RiskLevel = update.RiskLevel
	r.sites[id] = site
	return site, nil
}

// SiteByID implements domain.SiteLookup. A missing site maps to
// domain.ErrUnknownSite so the enricher classifies it as terminal.
func (r *Registry) SiteByID(_ context.Context, id int64) (domain.Site, error) {
	site, err := r.Get(id)
	if err != nil {
		return domain.Site{}, fmt.Errorf("%w: %w", domain.ErrUnknownSite, err)
	}
	return site, nil
}

// NearestSite implements domain.SiteLookup. Distance is exact great-circle;
// the registry is small enough that a linear scan beats maintaining an index.
func (r *Registry) NearestSite(_ context.Context, lat, lon float64) (domain.Site, float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.sites) == 0 {
		return domain.Site{}, 0, ErrNoSites
	}

	var best domain.Site
	bestDist := -1.0
	for _, site := range r.sites {
		d := domain.GreatCircleKm(lat, lon, site.Latitude, site.Longitude)
		if bestDist < 0 || d < bestDist {
			best = site
			bestDist = d
		}
	}
	return best, bestDist, nil
}
