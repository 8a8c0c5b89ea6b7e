// Package scheduling runs the bridge's recurring maintenance work:
// the config refresh sweep that pushes changed snapshots to connected
// devices and the reaper that drops roster entries for devices not
// seen within the stale window.
package scheduling

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job identifies a type of scheduled bridge job.
type Job string

const (
	JobConfigRefresh Job = "config_refresh"
	JobStaleReap     Job = "stale_reap"
)

// Scheduler runs jobs on a recurring schedule using cron expressions or durations.
type Scheduler struct {
	cron    *cron.Cron
	actions map[Job]func(ctx context.Context) error
	logger  *slog.Logger
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		actions: make(map[Job]func(ctx context.Context) error),
		logger:  logger,
	}
}

// RegisterAction registers the handler for a job type.
func (s *Scheduler) RegisterAction(job Job, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[job] = fn
}

// AddJob schedules a registered job. The schedule can be a cron
// expression ("*/5 * * * *") or a duration string ("30s").
func (s *Scheduler) AddJob(job Job, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn, ok := s.actions[job]
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", job)
	}

	sched, err := parseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for job %q: %w", schedule, job, err)
	}

	logger := s.logger
	s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.ctx
		s.mu.Unlock()

		if ctx == nil {
			logger.Debug("scheduler stopped, skipping job", "job", string(job))
			return
		}

		jobCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()

		start := time.Now()
		if err := fn(jobCtx); err != nil {
			logger.Warn("scheduled job failed", "job", string(job), "error", err, "duration", time.Since(start))
		} else {
			logger.Debug("scheduled job completed", "job", string(job), "duration", time.Since(start))
		}
	}))

	logger.Info("job scheduled", "job", string(job), "schedule", schedule)
	return nil
}

// Start begins running the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	s.started = true
}

// Stop signals the scheduler to stop and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.started = false
}

// parseSchedule tries a cron expression first, then time.ParseDuration.
func parseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, fmt.Errorf("empty schedule")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	dur, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return &constantDelay{delay: dur}, nil
}

// constantDelay implements cron.Schedule for a fixed interval.
// Unlike cron.Every(), it supports sub-second durations.
type constantDelay struct {
	delay time.Duration
}

func (d *constantDelay) Next(t time.Time) time.Time {
	return t.Add(d.delay)
}
