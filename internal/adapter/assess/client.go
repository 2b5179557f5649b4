// Package assess calls the external reef-health assessment service. The
// service scores a site from its recent readings; results feed the site
// registry's health refresh.
package assess

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker/v2"

	"github.com/nautilux/reef-data-ingest/internal/domain"
	"github.com/nautilux/reef-data-ingest/internal/observability"
)

// Assessment is the service's verdict for one site.
type Assessment struct {
	SiteID    int64               `json:"site_id"`
	Status    domain.HealthStatus `json:"status"`
	Score     float64             `json:"score"`
	RiskLevel int                 `json:"risk_level"`
}

// Client implements sites.Assessor against the assessment HTTP API. A
// circuit breaker keeps a degraded assessment service from stalling every
// health refresh behind full timeouts.
type Client struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[Assessment]
	metrics    *observability.Metrics
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewClient creates an assessment client for the given base URL.
func NewClient(baseURL string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[Assessment](gobreaker.Settings{
		Name:    "assessment-api",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		breaker:    breaker,
		metrics:    metrics,
		clock:      clockwork.NewRealClock(),
		logger:     logger,
	}
}

// Assess fetches the current health assessment for a site.
func (c *Client) Assess(ctx context.Context, siteID int64) (Assessment, error) {
	start := c.clock.Now()
	assessment, err := c.breaker.Execute(func() (Assessment, error) {
		return c.doRequest(ctx, siteID)
	})
	c.metrics.AssessmentDuration.Observe(c.clock.Since(start).Seconds())
	if err != nil {
		c.metrics.AssessmentRequests.WithLabelValues("error").Inc()
		return Assessment{}, err
	}
	c.metrics.AssessmentRequests.WithLabelValues("success").Inc()
	return assessment, nil
}

func (c *Client) doRequest(ctx context.Context, siteID int64) (Assessment, error) {
	u := fmt.Sprintf("%s/api/v1/assessments/%d", c.baseURL, siteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Assessment{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Assessment{}, fmt.Errorf("assessment request for site %d: %w", siteID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Assessment{}, fmt.Errorf("assessment API error: status %d: %s", resp.StatusCode, body)
	}

	var assessment Assessment
	if err := json.NewDecoder(resp.Body).Decode(&assessment); err != nil {
		return Assessment{}, fmt.Errorf("decode assessment response: %w", err)
	}
	if domain.ParseHealthStatus(string(assessment.Status)) == domain.HealthUnknown && assessment.Status != domain.HealthUnknown {
		return Assessment{}, fmt.Errorf("assessment API returned unknown status %q", assessment.Status)
	}
	return assessment, nil
}
