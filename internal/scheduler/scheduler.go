// Package scheduler drives the service's periodic work: the site health
// re-check and the external feed sweep. One place owns the tickers so jobs
// never grow competing timing logic.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job is one periodic task. Jobs handle their own errors and overlap
// suppression; the scheduler only provides cadence.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler runs registered jobs on their intervals until cancelled.
type Scheduler struct {
	jobs   []Job
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a scheduler over the given jobs.
func New(jobs []Job, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	return &Scheduler{jobs: jobs, clock: clock, logger: logger}
}

// Run blocks until the context is cancelled. Each job ticks independently;
// a slow job delays only its own next run, never its neighbors'.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, job := range s.jobs {
		s.logger.Info("scheduled job registered", "job", job.Name, "interval", job.Interval)
		go s.runJob(ctx, job)
	}
	<-ctx.Done()
	s.logger.Info("scheduler stopping")
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, job Job) {
	ticker := s.clock.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			start := s.clock.Now()
			job.Run(ctx)
			s.logger.Debug("scheduled job finished",
				"job", job.Name, "elapsed", s.clock.Since(start))
		}
	}
}
