package sites

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nautilux/reef-data-ingest/internal/adapter/assess"
	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// ErrRefreshInFlight is returned when a health refresh is already running
// for the same site. The second caller is rejected, not queued; the running
// refresh will land the same result.
var ErrRefreshInFlight = errors.New("health refresh already in flight for site")

// Assessor scores a site's current health. adapter/assess.Client is the
// production implementation.
type Assessor interface {
	Assess(ctx context.Context, siteID int64) (assess.Assessment, error)
}

// AlertEvaluator receives each site's refreshed aggregate state so a site
// that degrades between readings still raises an alert. alert.Evaluator is
// the production implementation.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, subjectID int64, status domain.HealthStatus, risk int, ref domain.StoredReadingRef, reason string) domain.Severity
}

// Refresher pulls fresh health assessments and applies them to the registry.
// It is the only path that mutates site health.
type Refresher struct {
	registry *Registry
	assessor Assessor
	alerts   AlertEvaluator
	logger   *slog.Logger

	mu       sync.Mutex
	inFlight map[int64]struct{}
}

// NewRefresher creates a Refresher over the given registry.
func NewRefresher(registry *Registry, assessor Assessor, alerts AlertEvaluator, logger *slog.Logger) *Refresher {
	return &Refresher{
		registry: registry,
		assessor: assessor,
		alerts:   alerts,
		logger:   logger,
		inFlight: make(map[int64]struct{}),
	}
}

// RefreshSite fetches an assessment for one site and applies it. A refresh
// already running for the same site rejects this call with
// ErrRefreshInFlight.
func (r *Refresher) RefreshSite(ctx context.Context, siteID int64) error {
	r.mu.Lock()
	if _, busy := r.inFlight[siteID]; busy {
		r.mu.Unlock()
		return fmt.Errorf("site %d: %w", siteID, ErrRefreshInFlight)
	}
	r.inFlight[siteID] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inFlight, siteID)
		r.mu.Unlock()
	}()

	assessment, err := r.assessor.Assess(ctx, siteID)
	if err != nil {
		return fmt.Errorf("assess site %d: %w", siteID, err)
	}

	site, err := r.registry.ApplyHealthUpdate(siteID, HealthUpdate{
		Status:    assessment.Status,
		Score:     assessment.Score,
		RiskLevel: assessment.RiskLevel,
	})
	if err != nil {
		return err
	}
	r.logger.Info("site health refreshed",
		"site_id", siteID,
		"status", site.HealthStatus,
		"score", assessment.Score,
		"risk_level", site.RiskLevel)

	reason := fmt.Sprintf("health re-check: status=%s risk=%d", site.HealthStatus, site.RiskLevel)
	r.alerts.Evaluate(ctx, siteID, site.HealthStatus, site.RiskLevel, "", reason)
	return nil
}

// RefreshAll refreshes every registered site sequentially. Sites that fail
// or are already refreshing are logged and skipped; one bad site must not
// block the sweep.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, site := range r.registry.List(ListFilter{Limit: r.registry.Count()}) {
		if ctx.Err() != nil {
			return
		}
		if err := r.RefreshSite(ctx, site.ID); err != nil {
			r.logger.Warn("site health refresh failed", "site_id", site.ID, "error", err)
		}
	}
}
