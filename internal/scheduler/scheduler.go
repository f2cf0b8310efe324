// Package scheduler runs the pipeline's periodic jobs: aggregation refresh,
// the daily reward run, and the maintenance sweep. Jobs must be idempotent;
// the pipeline's deterministic keys are what make re-runs safe, not the
// scheduler.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/AeroSense-Network/data_pipeline/internal/errdefs"
	"github.com/AeroSense-Network/data_pipeline/pkg/logger"
)

// historyLimit bounds retained executions per job.
const historyLimit = 50

// Job is one named periodic task.
type Job struct {
	// Name identifies the job for triggering and history queries.
	Name string
	// Spec is a standard five-field cron expression.
	Spec string
	// Run executes the job.
	Run func(ctx context.Context) error
}

// Execution records one run of a job.
type Execution struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
}

// Scheduler owns the cron runner and per-job execution history.
type Scheduler struct {
	mu      sync.RWMutex
	cron    *cron.Cron
	jobs    map[string]Job
	history map[string][]Execution
	log     *logger.Logger
	started bool
}

// New creates an empty scheduler.
func New(log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Scheduler{
		cron:    cron.New(),
		jobs:    make(map[string]Job),
		history: make(map[string][]Execution),
		log:     log.ForService("scheduler"),
	}
}

// Register adds a job. Registration after Start is an error.
func (s *Scheduler) Register(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errdefs.Config("scheduler already started")
	}
	if job.Name == "" || job.Run == nil {
		return errdefs.Config("scheduler job needs a name and a run function")
	}
	if _, exists := s.jobs[job.Name]; exists {
		return errdefs.Config("scheduler job already registered: " + job.Name)
	}

	name := job.Name
	if _, err := s.cron.AddFunc(job.Spec, func() { s.execute(name) }); err != nil {
		return errdefs.Config("invalid cron spec for job " + job.Name).WithCause(err)
	}

	s.jobs[job.Name] = job
	return nil
}

// Start begins cron dispatch.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts dispatch and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	c := s.cron
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Trigger runs a job immediately, outside its cadence.
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	_, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("no such job: " + name)
	}
	return s.execute(name)
}

// History returns the retained executions for a job, oldest first.
func (s *Scheduler) History(name string) []Execution {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Execution(nil), s.history[name]...)
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

func (s *Scheduler) execute(name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return errdefs.NotFound("no such job: " + name)
	}

	started := time.Now().UTC()
	err := job.Run(context.Background())
	exec := Execution{Started: started, Duration: time.Since(started)}
	if err != nil {
		exec.Err = err.Error()
		s.log.Error("job failed", "job", name, "duration", exec.Duration, "error", err)
	} else {
		s.log.Info("job completed", "job", name, "duration", exec.Duration)
	}

	s.mu.Lock()
	runs := append(s.history[name], exec)
	if len(runs) > historyLimit {
		runs = runs[len(runs)-historyLimit:]
	}
	s.history[name] = runs
	s.mu.Unlock()

	return err
}
