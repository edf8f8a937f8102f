// Package scheduler runs the recurring jobs of `dmclaw serve` on cron
// expressions (robfig/cron). A job never overlaps itself: a tick that fires
// while the previous run is still active is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds one run when a job sets no timeout.
const DefaultJobTimeout = 5 * time.Minute

// minJobInterval is the minimum time between consecutive runs of the same
// job. Prevents a spin loop when cron fires twice at the same boundary.
const minJobInterval = 2 * time.Second

// Func is the body of a job.
type Func func(ctx context.Context) error

// Job is a named recurring task.
type Job struct {
	// ID is the unique job identifier (e.g. "respond").
	ID string

	// Schedule is a 5-field cron expression or a descriptor such as
	// "@every 1m" or "@hourly".
	Schedule string

	// Timeout overrides DefaultJobTimeout.
	Timeout time.Duration

	Run Func

	lastRunAt *time.Time
	lastError string
	runCount  int
}

// Status is a point-in-time view of a job.
type Status struct {
	ID        string
	Schedule  string
	LastRunAt *time.Time
	LastError string
	RunCount  int
	Running   bool
}

// Scheduler owns the cron runner and the registered jobs.
type Scheduler struct {
	jobs    map[string]*Job
	order   []string
	running map[string]bool

	cron   *cron.Cron
	parser cron.Parser

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		jobs:    make(map[string]*Job),
		running: make(map[string]bool),
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		logger: logger.With("component", "scheduler"),
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case job.ID == "":
		return fmt.Errorf("job ID is required")
	case job.Schedule == "":
		return fmt.Errorf("job %q: schedule is required", job.ID)
	case job.Run == nil:
		return fmt.Errorf("job %q: no run func", job.ID)
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already exists", job.ID)
	}
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return fmt.Errorf("job %q: invalid schedule %q: %w", job.ID, job.Schedule, err)
	}
	if s.cron != nil {
		return fmt.Errorf("job %q: scheduler already started", job.ID)
	}

	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	s.logger.Info("job added", "id", job.ID, "schedule", job.Schedule)
	return nil
}

// Start schedules every registered job.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	c := cron.New(cron.WithParser(s.parser))
	for _, id := range s.order {
		job := s.jobs[id]
		if _, err := c.AddFunc(job.Schedule, func() { s.execute(job) }); err != nil {
			s.cancel()
			return fmt.Errorf("schedule %q: %w", id, err)
		}
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop halts scheduling, waits up to 10s for running jobs, then cancels
// their context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	if c != nil {
		done := c.Stop()
		select {
		case <-done.Done():
		case <-time.After(10 * time.Second):
			s.logger.Warn("scheduler stop timed out")
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunNow executes a job immediately, honoring the overlap guard. serve uses
// it to process the backlog at startup.
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	started := s.ctx != nil
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", id)
	}
	if !started {
		return fmt.Errorf("scheduler not started")
	}
	s.execute(job)
	return nil
}

// Jobs returns the status of every job in registration order.
func (s *Scheduler) Jobs() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, id := range s.order {
		j := s.jobs[id]
		out = append(out, Status{
			ID:        j.ID,
			Schedule:  j.Schedule,
			LastRunAt: j.lastRunAt,
			LastError: j.lastError,
			RunCount:  j.runCount,
			Running:   s.running[j.ID],
		})
	}
	return out
}

// execute runs one job with the overlap and spin guards, a timeout and panic
// recovery.
func (s *Scheduler) execute(job *Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("skipping job (already running)", "id", job.ID)
		return
	}
	if job.lastRunAt != nil && time.Since(*job.lastRunAt) < minJobInterval {
		s.mu.Unlock()
		s.logger.Debug("skipping job (ran too recently)", "id", job.ID)
		return
	}
	s.running[job.ID] = true
	now := time.Now()
	job.lastRunAt = &now
	job.runCount++
	parent := s.ctx
	s.mu.Unlock()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled job panicked", "id", job.ID, "panic", r)
		}
		s.mu.Lock()
		delete(s.running, job.ID)
		if err != nil {
			job.lastError = err.Error()
		} else {
			job.lastError = ""
		}
		s.mu.Unlock()
	}()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	start := time.Now()
	err = job.Run(ctx)
	if err != nil {
		s.logger.Error("scheduled job failed", "id", job.ID, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job completed", "id", job.ID, "duration", time.Since(start))
}
