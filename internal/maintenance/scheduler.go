// Package maintenance runs the periodic sweeps that keep long-lived state
// bounded: idle conversations, lapsed managed-AV sessions, and archive
// retention.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ringdown/ringdown/internal/observability"
)

// cronParser accepts standard five-field expressions, an optional seconds
// field, and descriptors like @every 5m or @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Job is one named sweep. Run must be safe to invoke repeatedly; overlapping
// runs are prevented by the scheduler's single dispatch goroutine.
type Job struct {
	Name string
	Run  func(ctx context.Context)
}

// Scheduler drives jobs on cron schedules. Zero value is not usable; call
// NewScheduler.
type Scheduler struct {
	cron   *cron.Cron
	logger *observability.Logger
}

// NewScheduler builds an idle scheduler. Start begins dispatch.
func NewScheduler(logger *observability.Logger) *Scheduler {
	if logger == nil {
		logger = observability.NewDiscardLogger()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithParser(cronParser)),
		logger: logger.WithComponent("maintenance"),
	}
}

// Add schedules a job on a cron expression (descriptors like @hourly work).
func (s *Scheduler) Add(spec string, job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("maintenance: job requires a name and a run func")
	}
	if _, err := s.cron.AddFunc(spec, s.wrap(job)); err != nil {
		return fmt.Errorf("maintenance: schedule %s: %w", job.Name, err)
	}
	s.logger.Info(context.Background(), "job scheduled", "job", job.Name, "spec", spec)
	return nil
}

// wrap isolates one job run: panics are contained and every run is timed.
func (s *Scheduler) wrap(job Job) func() {
	return func() {
		ctx := context.Background()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error(ctx, "maintenance job panicked",
					"job", job.Name, "panic", fmt.Sprint(r))
			}
		}()

		start := time.Now()
		job.Run(ctx)
		s.logger.Debug(ctx, "maintenance job finished",
			"job", job.Name, "duration", time.Since(start))
	}
}

// Start begins dispatching in a background goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch and waits for running jobs, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
