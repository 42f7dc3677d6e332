// Package scheduler triggers fetch runs periodically, one job per source.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/crimson-sun/tributary/internal/logging"
	"github.com/crimson-sun/tributary/internal/model"
	"github.com/crimson-sun/tributary/internal/pipeline"
	"github.com/crimson-sun/tributary/internal/window"
)

// JobInfo describes a registered job for the trigger surface.
type JobInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	LastRun  time.Time `json:"last_run,omitempty"`
	NextRun  time.Time `json:"next_run,omitempty"`
}

// Scheduler wraps a gocron scheduler with named jobs.
type Scheduler struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job // name → job
	schedules map[string]string     // name → human-readable schedule
	logger    *slog.Logger
}

// New creates a stopped scheduler running jobs in UTC.
func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		schedules: make(map[string]string),
		logger:    logging.Default(logger).With("component", "scheduler"),
	}, nil
}

// ValidateCron checks a 5- or 6-field cron expression.
func ValidateCron(expr string) error {
	if err := gocron.NewDefaultCron(true).IsValid(expr, time.UTC, time.Now()); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// AddCron registers fn under name on a cron schedule.
func (s *Scheduler) AddCron(name, cronExpr string, fn func()) error {
	return s.add(name, cronExpr, gocron.CronJob(cronExpr, true), fn)
}

// AddInterval registers fn under name to run every d, first after one period.
func (s *Scheduler) AddInterval(name string, d time.Duration, fn func()) error {
	return s.add(name, "every "+d.String(), gocron.DurationJob(d), fn)
}

func (s *Scheduler) add(name, schedule string, def gocron.JobDefinition, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduled job already exists: %s", name)
	}

	// A source never runs twice at once: a slow run pushes the next one back.
	j, err := s.scheduler.NewJob(def, gocron.NewTask(fn),
		gocron.WithName(name), gocron.WithSingletonMode(gocron.LimitModeReschedule))
	if err != nil {
		return fmt.Errorf("create scheduled job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.schedules[name] = schedule
	s.logger.Info("scheduled job added", "name", name, "schedule", schedule)
	return nil
}

// ListJobs returns info about all registered jobs, sorted by name.
func (s *Scheduler) ListJobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]JobInfo, 0, len(s.jobs))
	for name, j := range s.jobs {
		info := JobInfo{
			ID:       j.ID().String(),
			Name:     name,
			Schedule: s.schedules[name],
		}
		if lr, err := j.LastRun(); err == nil {
			info.LastRun = lr
		}
		if nr, err := j.NextRun(); err == nil {
			info.NextRun = nr
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Start begins executing all registered jobs.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// Submitter queues a fetch run. *pipeline.Orchestrator implements it.
type Submitter interface {
	Submit(ctx context.Context, req pipeline.RunRequest) (model.Task, error)
}

// SourceJob is the schedule of one source. Every run fetches the lagging
// window of IntervalMinutes; with no Cron the job also runs every
// IntervalMinutes so consecutive windows tile.
type SourceJob struct {
	Source          string
	IntervalMinutes int
	Cron            string
	Dataset         string
	Namespace       string
}

// AddSource registers a periodic fetch of job.Source through sub.
func (s *Scheduler) AddSource(ctx context.Context, sub Submitter, job SourceJob) error {
	if job.IntervalMinutes <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive, got %d", job.Source, job.IntervalMinutes)
	}
	req := pipeline.RunRequest{
		Source:    job.Source,
		Window:    window.Params{Interval: job.IntervalMinutes},
		Dataset:   job.Dataset,
		Namespace: job.Namespace,
	}
	fn := func() {
		task, err := sub.Submit(ctx, req)
		if err != nil {
			s.logger.Error("scheduled run not submitted", "source", job.Source, "error", err)
			return
		}
		s.logger.Info("scheduled run submitted", "source", job.Source, "task_id", task.ID)
	}

	name := pipeline.FetchTaskName(job.Source)
	if job.Cron != "" {
		return s.AddCron(name, job.Cron, fn)
	}
	return s.AddInterval(name, time.Duration(job.IntervalMinutes)*time.Minute, fn)
}
