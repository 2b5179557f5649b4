// Package external pulls observations from partner data services. Three
// feeds contribute: reef-watch (community sensor observations), image-tagging
// (annotated survey imagery), and acoustic-survey (processed sonar passes).
package external

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// Fetcher pulls the current batch of observations from one partner feed.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context) ([]domain.RawPayload, error)
}

// FeedSpec describes one partner feed.
type FeedSpec struct {
	Name     string
	URL      string
	Category domain.Category
}

// DefaultFeeds lists the partner services polled in production. URLs are
// joined onto the configured external base URL.
func DefaultFeeds(baseURL string) []FeedSpec {
	return []FeedSpec{
		{Name: "reef-watch", URL: baseURL + "/reef-watch/v1/observations", Category: domain.CategorySensor},
		{Name: "image-tagging", URL: baseURL + "/image-tagging/v1/tagged", Category: domain.CategoryImage},
		{Name: "acoustic-survey", URL: baseURL + "/acoustic-survey/v1/passes", Category: domain.CategorySonar},
	}
}

// HTTPFetcher pulls a JSON array feed over HTTP. Each feed gets its own
// circuit breaker so one degraded partner cannot consume every poll cycle's
// time budget.
type HTTPFetcher struct {
	spec       FeedSpec
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]domain.RawPayload]
	logger     *slog.Logger
}

// NewHTTPFetcher creates a fetcher for one feed.
func NewHTTPFetcher(spec FeedSpec, timeout time.Duration, logger *slog.Logger) *HTTPFetcher {
	breaker := gobreaker.NewCircuitBreaker[[]domain.RawPayload](gobreaker.Settings{
		Name:    "external-" + spec.Name,
		Timeout: 5 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &HTTPFetcher{
		spec:       spec,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    breaker,
		logger:     logger,
	}
}

func (f *HTTPFetcher) Name() string { return f.spec.Name }

// Fetch pulls the feed and wraps each item as a raw JSON payload. The item's
// own id (or a content digest when the feed provides none) keys provenance,
// so re-polling an unchanged feed re-ingests nothing.
func (f *HTTPFetcher) Fetch(ctx context.Context) ([]domain.RawPayload, error) {
	return f.breaker.Execute(func() ([]domain.RawPayload, error) {
		return f.doFetch(ctx)
	})
}

func (f *HTTPFetcher) doFetch(ctx context.Context) ([]domain.RawPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.spec.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", f.spec.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s feed error: status %d: %s", f.spec.Name, resp.StatusCode, body)
	}

	var items []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode %s feed: %w", f.spec.Name, err)
	}

	now := time.Now().UTC()
	payloads := make([]domain.RawPayload, 0, len(items))
	for _, item := range items {
		prov := domain.Provenance{
			Channel:    "external:" + f.spec.Name,
			Ref:        itemRef(item),
			ReceivedAt: now,
		}
		applyItemPlacement(item, &prov)
		payloads = append(payloads, domain.RawPayload{
			Data:       item,
			Category:   f.spec.Category,
			Encoding:   domain.EncodingJSON,
			Provenance: prov,
		})
	}
	return payloads, nil
}

// applyItemPlacement lifts the feed item's own site association into the
// provenance so image and sonar items, whose bytes decode to opaque
// metadata, still resolve to a site.
func applyItemPlacement(item json.RawMessage, prov *domain.Provenance) {
	var meta struct {
		SiteID    *int64   `json:"site_id"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if err := json.Unmarshal(item, &meta); err != nil {
		return
	}
	if meta.SiteID != nil && *meta.SiteID > 0 {
		prov.SiteID = meta.SiteID
	}
	if meta.Latitude != nil && meta.Longitude != nil {
		prov.Latitude = meta.Latitude
		prov.Longitude = meta.Longitude
	}
}

// itemRef derives a stable reference for one feed item: the feed's own id
// when present, otherwise a digest of the item bytes.
func itemRef(item json.RawMessage) string {
	var header struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(item, &header); err == nil && header.ID != "" {
		return header.ID
	}
	sum := sha256.Sum256(item)
	return hex.EncodeToString(sum[:8])
}
