package pipeline

import (
	"context"

	"github.com/nautilux/reef-data-ingest/internal/deadletter"
	"github.com/nautilux/reef-data-ingest/internal/domain"
)

// retryOrExhaust applies the redelivery policy to a retryable failure.
// Delays grow as base, 2x base, 4x base up to the attempt cap, after which
// the item dead-letters as exhausted. Each redelivery schedules on its own
// timer, so a failing item never holds up unrelated work.
func (p *Pipeline) retryOrExhaust(ctx context.Context, env envelope, cause error) {
	if env.Attempts >= p.opts.MaxAttempts {
		p.deadLetter(deadletter.Entry{
			Disposition: deadletter.DispositionExhausted,
			Kind:        domain.KindOf(cause),
			Reason:      cause.Error(),
			Attempts:    env.Attempts,
			Provenance:  env.Reading.Provenance,
			Category:    env.Reading.Category,
		})
		p.logger.Error("reading dead-lettered: redeliveries exhausted",
			"kind", domain.KindOf(cause),
			"attempts", env.Attempts,
			"channel", env.Reading.Provenance.Channel,
			"ref", env.Reading.Provenance.Ref,
			"seq", env.Reading.Provenance.BatchSeq,
			"error", cause)
		p.pending.Done()
		return
	}

	delay := p.opts.BaseDelay << env.Attempts
	next := envelope{
		Reading:     env.Reading,
		Attempts:    env.Attempts + 1,
		NextAttempt: p.clock.Now().Add(delay),
		LastError:   cause.Error(),
	}
	p.metrics.RetriesScheduled.Inc()
	p.logger.Warn("retryable failure, redelivery scheduled",
		"kind", domain.KindOf(cause),
		"attempt", next.Attempts,
		"delay", delay,
		"ref", env.Reading.Provenance.Ref,
		"error", cause)

	go func() {
		select {
		case <-ctx.Done():
			p.pending.Done()
		case <-p.clock.After(delay):
			select {
			case p.queue <- next:
			case <-ctx.Done():
				p.pending.Done()
			}
		}
	}()
}
