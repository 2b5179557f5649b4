package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nautilux/reef-data-ingest/internal/alert"
	"github.com/nautilux/reef-data-ingest/internal/deadletter"
	"github.com/nautilux/reef-data-ingest/internal/domain"
	"github.com/nautilux/reef-data-ingest/internal/observability"
	"github.com/nautilux/reef-data-ingest/internal/store"
)

// Options parameterize the orchestrator.
type Options struct {
	// Workers bounds how many payloads are in flight at once.
	Workers int

	// ItemTimeout is the overall per-item processing deadline; exceeding it
	// abandons the item as a retryable timeout.
	ItemTimeout time.Duration

	// MaxAttempts caps redeliveries of a retryable failure before the item
	// moves to dead-letter. The initial delivery is not counted.
	MaxAttempts int

	// BaseDelay is the first redelivery delay; each redelivery doubles it.
	BaseDelay time.Duration
}

// Pipeline wires decode, validate, enrich, store, and alert into one flow
// and applies the error/retry policy. Source adapters feed it via Ingest;
// Run owns the worker pool.
type Pipeline struct {
	sites    domain.SiteLookup
	readings store.ReadingStore
	alerts   *alert.Evaluator
	dead     deadletter.Sink
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
	opts     Options

	queue   chan envelope
	ready   atomic.Bool
	pending sync.WaitGroup // in-flight items, including scheduled redeliveries
}

// New creates a Pipeline. The queue is sized to keep adapters from stalling
// on short bursts while still applying backpressure.
func New(sites domain.SiteLookup, readings store.ReadingStore, alerts *alert.Evaluator, dead deadletter.Sink, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.ItemTimeout <= 0 {
		opts.ItemTimeout = 30 * time.Second
	}
	return &Pipeline{
		sites:    sites,
		readings: readings,
		alerts:   alerts,
		dead:     dead,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		opts:     opts,
		queue:    make(chan envelope, opts.Workers*16),
	}
}

// CheckReadiness returns nil once the worker pool is running.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline workers not started")
	}
	return nil
}

// Ingest decodes a raw payload and enqueues its readings for asynchronous
// processing. The returned count is how many readings were accepted; a
// decode failure is terminal, dead-lettered here, and reported to the caller
// so adapters can route the original file appropriately. A cancelled enqueue
// returns the count accepted before the cut-off alongside the context error.
// Acceptance means decoded, not stored.
func (p *Pipeline) Ingest(ctx context.Context, raw domain.RawPayload) (int, error) {
	p.metrics.PayloadsIngested.WithLabelValues(raw.Provenance.Channel, string(raw.Category)).Inc()

	readings, err := domain.Decode(raw)
	if err != nil {
		p.metrics.DecodeErrors.Inc()
		p.deadLetter(deadletter.Entry{
			Disposition: deadletter.DispositionTerminal,
			Kind:        domain.FailureDecode,
			Reason:      err.Error(),
			Provenance:  raw.Provenance,
			Category:    raw.Category,
		})
		p.logger.Warn("payload rejected at decode",
			"channel", raw.Provenance.Channel, "ref", raw.Provenance.Ref, "error", err)
		return 0, err
	}
	p.metrics.ReadingsDecoded.Add(float64(len(readings)))

	for i, reading := range readings {
		env := envelope{Reading: reading}
		p.pending.Add(1)
		select {
		case p.queue <- env:
		case <-ctx.Done():
			p.pending.Done()
			// Earlier readings are already in flight, so the caller must
			// see the true count to route the source correctly.
			return i, ctx.Err()
		}
	}
	return len(readings), nil
}

// Run starts the worker pool and blocks until the context is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "workers", p.opts.Workers, "max_attempts", p.opts.MaxAttempts)
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)
	p.ready.Store(true)
	defer p.ready.Store(false)

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx)
		}()
	}

	<-ctx.Done()
	p.logger.Info("pipeline stopping", "reason", ctx.Err())
	wg.Wait()
	return nil
}

// Drain blocks until every accepted item has settled: stored, dead-lettered,
// or dropped. Tests and graceful shutdown use it.
func (p *Pipeline) Drain() {
	p.pending.Wait()
}

func (p *Pipeline) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.queue:
			p.handle(ctx, env)
		}
	}
}

// handle runs one envelope through the stages and settles the outcome:
// success, terminal dead-letter, scheduled redelivery, or exhaustion.
func (p *Pipeline) handle(ctx context.Context, env envelope) {
	start := p.clock.Now()

	// The deadline runs on the injected clock so a stalled stage is cut off
	// on the same timeline the retry delays use.
	itemCtx, cancel := clockwork.WithTimeout(ctx, p.clock, p.opts.ItemTimeout)
	err := p.process(itemCtx, env.Reading)
	cancel()

	if err == nil {
		p.metrics.ItemProcessingDuration.Observe(p.clock.Since(start).Seconds())
		p.pending.Done()
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.NewTimeoutError(fmt.Errorf("item processing deadline exceeded: %w", err))
	}

	if !domain.IsRetryable(err) {
		p.deadLetter(deadletter.Entry{
			Disposition: deadletter.DispositionTerminal,
			Kind:        domain.KindOf(err),
			Reason:      err.Error(),
			Attempts:    env.Attempts,
			Provenance:  env.Reading.Provenance,
			Category:    env.Reading.Category,
		})
		p.logger.Warn("reading dead-lettered: terminal failure",
			"kind", domain.KindOf(err),
			"channel", env.Reading.Provenance.Channel,
			"ref", env.Reading.Provenance.Ref,
			"seq", env.Reading.Provenance.BatchSeq,
			"error", err)
		p.pending.Done()
		return
	}

	p.retryOrExhaust(ctx, env, err)
}

// process runs validate-enrich-store-alert for one reading. Every failure
// is classified before it crosses back to handle.
func (p *Pipeline) process(ctx context.Context, reading domain.DecodedReading) error {
	result := domain.Validate(reading)
	if !result.Valid {
		p.metrics.ValidationFailures.Inc()
		return domain.NewValidationError(result.Reason)
	}

	enriched, err := domain.Enrich(ctx, result, p.sites)
	if err != nil {
		return err
	}

	ref, err := p.readings.Upsert(ctx, enriched)
	if err != nil {
		return err
	}
	p.metrics.ReadingsStored.Inc()
	p.logger.Debug("reading stored",
		"ref", ref, "site_id", enriched.SiteID, "category", reading.Category)

	reason := fmt.Sprintf("reading %s: status=%s risk=%d", ref, enriched.HealthStatus, enriched.RiskLevel)
	p.alerts.Evaluate(ctx, enriched.SiteID, enriched.HealthStatus, enriched.RiskLevel, ref, reason)
	return nil
}

func (p *Pipeline) deadLetter(entry deadletter.Entry) {
	entry.At = p.clock.Now().UTC()
	p.metrics.DeadLettered.WithLabelValues(string(entry.Disposition)).Inc()
	if err := p.dead.Put(entry); err != nil {
		// The sink itself failing must not take the pipeline down; the entry
		// survives in the log line.
		p.logger.Error("dead-letter sink write failed",
			"ref", entry.Provenance.Ref, "reason", entry.Reason, "error", err)
	}
}
