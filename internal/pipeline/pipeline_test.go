package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nautilux/reef-data-ingest/internal/alert"
	"github.com/nautilux/reef-data-ingest/internal/deadletter"
	"github.com/nautilux/reef-data-ingest/internal/domain"
	"github.com/nautilux/reef-data-ingest/internal/observability"
	"github.com/nautilux/reef-data-ingest/internal/store"
)

type stubSites struct {
	site domain.Site
	dist float64
	err  error
}

func (s *stubSites) SiteByID(_ context.Context, id int64) (domain.Site, error) {
	if s.err != nil {
		return domain.Site{}, s.err
	}
	if id != s.site.ID {
		return domain.Site{}, errors.New("no such site")
	}
	return s.site, nil
}

func (s *stubSites) NearestSite(_ context.Context, _, _ float64) (domain.Site, float64, error) {
	if s.err != nil {
		return domain.Site{}, 0, s.err
	}
	return s.site, s.dist, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []domain.AlertEvent
}

func (d *recordingDispatcher) Dispatch(_ context.Context, event domain.AlertEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, event)
	return nil
}

func (d *recordingDispatcher) Events() []domain.AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]domain.AlertEvent, len(d.events))
	copy(out, d.events)
	return out
}

type harness struct {
	pipeline   *Pipeline
	readings   *store.MemoryStore
	dead       *deadletter.MemorySink
	dispatcher *recordingDispatcher
	clock      *clockwork.FakeClock
	cancel     context.CancelFunc
	done       chan struct{}
}

func newHarness(t *testing.T, sites domain.SiteLookup, opts Options) *harness {
	t.Helper()

	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	logger := observability.NewLogger("error", "text")
	readings := store.NewMemoryStore()
	dead := deadletter.NewMemorySink()
	dispatcher := &recordingDispatcher{}
	alerts := alert.NewEvaluator(dispatcher, logger, metrics, clock, 3, time.Second)

	p := New(sites, readings, alerts, dead, logger, metrics, clock, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	h := &harness{
		pipeline:   p,
		readings:   readings,
		dead:       dead,
		dispatcher: dispatcher,
		clock:      clock,
		cancel:     cancel,
		done:       done,
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func healthySite() domain.Site {
	return domain.Site{
		ID:           42,
		Name:         "North Lagoon",
		Latitude:     -18.2871,
		Longitude:    147.6992,
		HealthStatus: "GOOD",
		RiskLevel:    1,
	}
}

func criticalSite() domain.Site {
	return domain.Site{
		ID:           7,
		Name:         "Outer Shelf",
		Latitude:     -18.5,
		Longitude:    147.9,
		HealthStatus: "CRITICAL",
		RiskLevel:    5,
	}
}

func sensorPayload(body string) domain.RawPayload {
	return domain.RawPayload{
		Category: domain.CategorySensor,
		Encoding: domain.EncodingJSON,
		Data:     []byte(body),
		Provenance: domain.Provenance{
			Channel:    "http",
			Ref:        "sensor-001.json",
			ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
	}
}

const validSensorBody = `{
	"sensor_type": "multiparameter",
	"timestamp": "2026-03-10T11:58:00Z",
	"latitude": -18.2870,
	"longitude": 147.6990,
	"temperature_celsius": 26.5,
	"salinity_ppt": 35.0,
	"ph_level": 8.1
}`

func TestPipelineStoresValidReading(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.03}, Options{Workers: 2})

	accepted, err := h.pipeline.Ingest(context.Background(), sensorPayload(validSensorBody))
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)

	h.pipeline.Drain()

	assert.Equal(t, 1, h.readings.Len())
	assert.Empty(t, h.dead.Entries())
	assert.Empty(t, h.dispatcher.Events(), "healthy site must not raise an alert")

	prov := domain.Provenance{
		Channel:    "http",
		Ref:        "sensor-001.json",
		ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	actual, err := h.readings.Get(context.Background(), prov.Key())
	require.NoError(t, err)

	score := 100.0
	expected := store.StoredReading{
		Ref:           domain.StoredReadingRef(prov.Key()),
		ProvenanceKey: prov.Key(),
		Category:      domain.CategorySensor,
		SiteID:        42,
		Timestamp:     "2026-03-10T11:58:00Z",
		Fields: map[string]any{
			"sensor_type":         "multiparameter",
			"timestamp":           "2026-03-10T11:58:00Z",
			"latitude":            -18.2870,
			"longitude":           147.6990,
			"temperature_celsius": 26.5,
			"salinity_ppt":        35.0,
			"ph_level":            8.1,
		},
		QualityScore:   &score,
		SiteDistanceKm: 0.03,
		Channel:        "http",
		SourceRef:      "sensor-001.json",
	}
	if diff := cmp.Diff(expected, actual); diff != "" {
		t.Errorf("stored reading mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineStoresImageWithDeclaredPlacement(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.1}, Options{Workers: 2})

	// Image bytes carry no coordinate fields; the adapter declares the
	// camera position on the provenance.
	lat, lon := -18.2871, 147.6992
	payload := domain.RawPayload{
		Category: domain.CategoryImage,
		Encoding: domain.EncodingBinary,
		Data:     []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10},
		Provenance: domain.Provenance{
			Channel:    "directory",
			Ref:        "transects/frame_0042.jpg",
			ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			Latitude:   &lat,
			Longitude:  &lon,
		},
	}

	accepted, err := h.pipeline.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	h.pipeline.Drain()

	require.Empty(t, h.dead.Entries(), "placed image must not dead-letter")
	require.Equal(t, 1, h.readings.Len())

	actual, err := h.readings.Get(context.Background(), payload.Provenance.Key())
	require.NoError(t, err)
	assert.Equal(t, domain.CategoryImage, actual.Category)
	assert.Equal(t, int64(42), actual.SiteID)
	assert.Equal(t, 0.1, actual.SiteDistanceKm)
}

func TestPipelineStoresSonarWithDeclaredSite(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite()}, Options{Workers: 1})

	siteID := int64(42)
	payload := domain.RawPayload{
		Category: domain.CategorySonar,
		Encoding: domain.EncodingBinary,
		Data:     []byte{0x53, 0x4F, 0x4E, 0x01},
		Provenance: domain.Provenance{
			Channel:    "sftp",
			Ref:        "site-42_sweep_009.bin",
			ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			SiteID:     &siteID,
		},
	}

	accepted, err := h.pipeline.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 1, accepted)
	h.pipeline.Drain()

	require.Empty(t, h.dead.Entries())
	actual, err := h.readings.Get(context.Background(), payload.Provenance.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(42), actual.SiteID)
	assert.Zero(t, actual.SiteDistanceKm, "explicit site carries no distance")
}

func TestPipelineRaisesAlertForCriticalSite(t *testing.T) {
	h := newHarness(t, &stubSites{site: criticalSite(), dist: 0.5}, Options{Workers: 2})

	body := `{
		"sensor_type": "multiparameter",
		"timestamp": "2026-03-10T11:58:00Z",
		"latitude": -18.5,
		"longitude": 147.9,
		"temperature_celsius": 31.2,
		"health_status": "CRITICAL",
		"bleaching_risk_level": 4
	}`
	_, err := h.pipeline.Ingest(context.Background(), sensorPayload(body))
	require.NoError(t, err)
	h.pipeline.Drain()

	events := h.dispatcher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.SeverityCritical, events[0].Severity)
	assert.Equal(t, int64(7), events[0].SubjectID)
	assert.NotEmpty(t, events[0].ReadingRef)
}

func TestPipelineDecodeFailureIsTerminal(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite()}, Options{Workers: 1})

	accepted, err := h.pipeline.Ingest(context.Background(), sensorPayload(`{not json`))
	require.Error(t, err)
	assert.Zero(t, accepted)

	entries := h.dead.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.DispositionTerminal, entries[0].Disposition)
	assert.Equal(t, domain.FailureDecode, entries[0].Kind)
	assert.Zero(t, h.readings.UpsertCalls())
}

func TestPipelineValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite()}, Options{Workers: 1})

	// Missing sensor_type and timestamp.
	_, err := h.pipeline.Ingest(context.Background(), sensorPayload(`{"ph_level": 8.1}`))
	require.NoError(t, err, "payload decodes; rejection happens in the workers")
	h.pipeline.Drain()

	entries := h.dead.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.DispositionTerminal, entries[0].Disposition)
	assert.Equal(t, domain.FailureValidation, entries[0].Kind)
	assert.Zero(t, entries[0].Attempts, "terminal failures never retry")
	assert.Zero(t, h.readings.UpsertCalls())
}

func TestPipelineRetriesTransientStorageFailure(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.03}, Options{
		Workers:     1,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	})
	h.readings.FailNext(2, errors.New("badger: connection refused"))

	_, err := h.pipeline.Ingest(context.Background(), sensorPayload(validSensorBody))
	require.NoError(t, err)

	// Redeliveries land after 1s and 2s. Advance in steps: the per-item
	// deadline holds its own timer on the same clock, so a single jump
	// cannot be aimed at the retry timer alone.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return h.readings.UpsertCalls() == 3
	}, 5*time.Second, time.Millisecond, "initial attempt plus two redeliveries")
	h.pipeline.Drain()
	assert.Equal(t, 1, h.readings.Len())
	assert.Empty(t, h.dead.Entries())
}

func TestPipelineExhaustsRetryBudget(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.03}, Options{
		Workers:     1,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	})
	h.readings.FailNext(100, errors.New("badger: disk full"))

	_, err := h.pipeline.Ingest(context.Background(), sensorPayload(validSensorBody))
	require.NoError(t, err)

	// Delays 1s, 2s, 4s; stepwise advancing fires each as it is scheduled.
	require.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		return len(h.dead.Entries()) == 1
	}, 5*time.Second, time.Millisecond)
	h.pipeline.Drain()

	assert.Equal(t, 4, h.readings.UpsertCalls(), "initial delivery plus three redeliveries")
	assert.Zero(t, h.readings.Len())

	entries := h.dead.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.DispositionExhausted, entries[0].Disposition)
	assert.Equal(t, domain.FailureStorage, entries[0].Kind)
	assert.Equal(t, 3, entries[0].Attempts)
}

// stallingStore blocks the first remain Upsert calls until their context is
// cut off, then delegates normally.
type stallingStore struct {
	*store.MemoryStore
	stalls atomic.Int32
	remain atomic.Int32
}

func (s *stallingStore) Upsert(ctx context.Context, reading domain.EnrichedReading) (domain.StoredReadingRef, error) {
	if s.remain.Add(-1) >= 0 {
		s.stalls.Add(1)
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.MemoryStore.Upsert(ctx, reading)
}

func TestPipelineTimesOutStalledStore(t *testing.T) {
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	logger := observability.NewLogger("error", "text")
	stalling := &stallingStore{MemoryStore: store.NewMemoryStore()}
	stalling.remain.Store(1)
	dead := deadletter.NewMemorySink()
	alerts := alert.NewEvaluator(&recordingDispatcher{}, logger, metrics, clock, 3, time.Second)

	p := New(&stubSites{site: healthySite(), dist: 0.03}, stalling, alerts, dead, logger, metrics, clock, Options{
		Workers:     1,
		ItemTimeout: 5 * time.Second,
		MaxAttempts: 3,
		BaseDelay:   time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	_, err := p.Ingest(context.Background(), sensorPayload(validSensorBody))
	require.NoError(t, err)

	// The stalled Upsert holds the item open until the deadline fires.
	clock.BlockUntil(1)
	clock.Advance(5 * time.Second)

	// The timeout is retryable: redelivery lands after the base delay and
	// the store behaves on the second attempt.
	clock.BlockUntil(1)
	clock.Advance(time.Second)
	p.Drain()

	assert.Equal(t, int32(1), stalling.stalls.Load(), "exactly one attempt hit the deadline")
	assert.Equal(t, 1, stalling.Len())
	assert.Empty(t, dead.Entries())
}

func TestPipelineCSVFansOutPerRow(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.03}, Options{Workers: 4})

	payload := domain.RawPayload{
		Category: domain.CategorySensor,
		Encoding: domain.EncodingCSV,
		Data: []byte("sensor_type,timestamp,latitude,longitude,temperature_celsius\n" +
			"ctd,2026-03-10T11:50:00Z,-18.287,147.699,26.1\n" +
			"ctd,2026-03-10T11:55:00Z,-18.287,147.699,26.3\n" +
			"ctd,2026-03-10T12:00:00Z,-18.287,147.699,26.2\n"),
		Provenance: domain.Provenance{
			Channel:    "directory",
			Ref:        "batch-07.csv",
			ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
	}

	accepted, err := h.pipeline.Ingest(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, 3, accepted)
	h.pipeline.Drain()

	assert.Equal(t, 3, h.readings.Len(), "each row stores under its own provenance key")
	assert.Empty(t, h.dead.Entries())
}

func TestPipelineIngestReportsPartialEnqueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	logger := observability.NewLogger("error", "text")
	alerts := alert.NewEvaluator(&recordingDispatcher{}, logger, metrics, clock, 3, time.Second)

	// Run is never started, so the queue fills and the enqueue blocks.
	p := New(&stubSites{site: healthySite(), dist: 0.03}, store.NewMemoryStore(), alerts,
		deadletter.NewMemorySink(), logger, metrics, clock, Options{Workers: 1})

	var sb strings.Builder
	sb.WriteString("sensor_type,timestamp,latitude,longitude\n")
	for i := 0; i < cap(p.queue)+4; i++ {
		fmt.Fprintf(&sb, "ctd,2026-03-10T11:%02d:00Z,-18.287,147.699\n", i)
	}
	payload := domain.RawPayload{
		Category: domain.CategorySensor,
		Encoding: domain.EncodingCSV,
		Data:     []byte(sb.String()),
		Provenance: domain.Provenance{
			Channel:    "directory",
			Ref:        "burst.csv",
			ReceivedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	var accepted int
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		accepted, err = p.Ingest(ctx, payload)
	}()

	require.Eventually(t, func() bool { return len(p.queue) == cap(p.queue) },
		time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, cap(p.queue), accepted,
		"the caller must learn how many readings are already in flight")
}

func TestPipelineReplayIsIdempotent(t *testing.T) {
	h := newHarness(t, &stubSites{site: healthySite(), dist: 0.03}, Options{Workers: 1})

	for i := 0; i < 2; i++ {
		_, err := h.pipeline.Ingest(context.Background(), sensorPayload(validSensorBody))
		require.NoError(t, err)
		h.pipeline.Drain()
	}

	assert.Equal(t, 2, h.readings.UpsertCalls())
	assert.Equal(t, 1, h.readings.Len(), "same provenance must not duplicate the reading")
}

func TestPipelineNoSiteInRangeIsTerminal(t *testing.T) {
	far := healthySite()
	h := newHarness(t, &stubSites{site: far, dist: 180.0}, Options{Workers: 1})

	_, err := h.pipeline.Ingest(context.Background(), sensorPayload(validSensorBody))
	require.NoError(t, err)
	h.pipeline.Drain()

	entries := h.dead.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.DispositionTerminal, entries[0].Disposition)
	assert.Equal(t, domain.FailureResolution, entries[0].Kind)
}

func TestPipelineReadiness(t *testing.T) {
	sites := &stubSites{site: healthySite()}
	clock := clockwork.NewFakeClock()
	metrics := observability.NewMetricsForTesting()
	logger := observability.NewLogger("error", "text")
	alerts := alert.NewEvaluator(&recordingDispatcher{}, logger, metrics, clock, 3, time.Second)
	p := New(sites, store.NewMemoryStore(), alerts, deadletter.NewMemorySink(), logger, metrics, clock, Options{Workers: 1})

	assert.Error(t, p.CheckReadiness(context.Background()), "not ready before Run")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = p.Run(ctx)
	}()

	assert.Eventually(t, func() bool {
		return p.CheckReadiness(context.Background()) == nil
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Error(t, p.CheckReadiness(context.Background()), "not ready after shutdown")
}
