// Package cron runs the periodic housekeeping jobs of the daemon on cron
// schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@daily" or "@every 15m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one named periodic task.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Config holds the scheduler's jobs.
type Config struct {
	Jobs   []Job
	Logger *slog.Logger
	// RunOnStart fires every job once when the scheduler starts.
	RunOnStart bool
}

// Scheduler fires jobs on their schedules until stopped. A job never
// overlaps with itself; a tick that finds it still running is skipped.
type Scheduler struct {
	jobs       []Job
	logger     *slog.Logger
	runOnStart bool
	cron       *cronlib.Cron

	mu      sync.Mutex
	running map[string]bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler validates every job's schedule.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, j := range cfg.Jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("cron job %q: nil run func", j.Name)
		}
		if _, err := cronParser.Parse(j.Schedule); err != nil {
			return nil, fmt.Errorf("cron job %q: invalid schedule %q: %w", j.Name, j.Schedule, err)
		}
	}
	return &Scheduler{
		jobs:       cfg.Jobs,
		logger:     logger,
		runOnStart: cfg.RunOnStart,
		cron:       cronlib.New(cronlib.WithParser(cronParser)),
		running:    make(map[string]bool),
	}, nil
}

// Start registers the jobs and starts the cron runner. Jobs run with a
// context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		if _, err := s.cron.AddFunc(j.Schedule, func() { s.run(ctx, j) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %q: %w", j.Name, err)
		}
	}
	s.cron.Start()
	if s.runOnStart {
		for _, j := range s.jobs {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.run(ctx, j)
			}()
		}
	}
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// RunNow fires the named job synchronously.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if j.Name == name {
			return s.run(ctx, j)
		}
	}
	return fmt.Errorf("cron job %q not found", name)
}

func (s *Scheduler) run(ctx context.Context, j Job) error {
	s.mu.Lock()
	if s.running[j.Name] {
		s.mu.Unlock()
		s.logger.Debug("cron: job still running, skipping", "job", j.Name)
		return nil
	}
	s.running[j.Name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, j.Name)
		s.mu.Unlock()
	}()

	start := time.Now()
	if err := j.Run(ctx); err != nil {
		s.logger.Error("cron: job failed", "job", j.Name, "error", err)
		return err
	}
	s.logger.Debug("cron: job finished", "job", j.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
