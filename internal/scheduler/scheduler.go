package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"

	"census-climate/pkg/logging"
)

// Job is the work run on every tick
type Job func(ctx context.Context) error

// Scheduler runs a Job once a day at a fixed UTC time.
type Scheduler struct {
	scheduler *gocron.Scheduler
	at        string
	timeout   time.Duration
	job       Job
	logger    *logging.StructuredLogger
}

// New creates a Scheduler that runs job daily at at ("HH:MM", UTC). Each
// run is bounded by timeout.
func New(at string, timeout time.Duration, job Job, logger *logging.StructuredLogger) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	return &Scheduler{
		scheduler: s,
		at:        at,
		timeout:   timeout,
		job:       job,
		logger:    logger,
	}
}

// Start schedules the daily job and starts the underlying scheduler.
func (s *Scheduler) Start() error {
	job, err := s.scheduler.Every(1).Day().At(s.at).Do(s.run)
	if err != nil {
		return fmt.Errorf("failed to schedule daily job at %q: %w", s.at, err)
	}

	s.scheduler.StartAsync()
	s.logger.Info(context.Background(), "[SCHEDULER_START] Daily job scheduled", logging.Fields{
		"at":       s.at,
		"next_run": job.NextRun().Format(time.RFC3339),
	})
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

func (s *Scheduler) run() {
	ctx := context.Background()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	s.logger.Info(ctx, "[SCHEDULER_RUN] Running daily job", logging.Fields{})
	if err := s.job(ctx); err != nil {
		s.logger.Error(ctx, "[SCHEDULER_ERROR] Daily job failed", logging.Fields{
			"duration_ms": time.Since(start).Milliseconds(),
		}, err)
		return
	}
	s.logger.Info(ctx, "[SCHEDULER_COMPLETE] Daily job completed", logging.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
	})
}
