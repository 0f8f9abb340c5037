package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lodeworks/ferrite/internal/handler"
)

// tickPeriod is the scheduler's wake interval; stop latency is at most one
// period.
const tickPeriod = 1 * time.Second

// defaultJobTimeoutS bounds a run when the job config leaves it unset.
const defaultJobTimeoutS = 30

// JobFunc is the work a job performs. The returned payload, when non-nil,
// rides on the job's declared triggers.
type JobFunc func(ctx context.Context) (json.RawMessage, error)

// EmitFunc publishes one event after a successful run.
type EmitFunc func(ctx context.Context, eventName string, payload json.RawMessage) error

// Scheduler drives jobs from a single tick loop. Execution identity is by
// job name: RegisterHandler maps a name to its work, last registration wins.
// There is no overlap guard; a slow job can run concurrently with its next
// firing.
type Scheduler struct {
	logger *slog.Logger
	emit   EmitFunc

	mu       sync.RWMutex
	jobs     map[string]*Job
	handlers map[string]JobFunc

	running atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
}

// NewScheduler creates an idle scheduler. emit may be nil when no trigger
// fan-out is wanted.
func NewScheduler(emit EmitFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		logger:   logger,
		emit:     emit,
		jobs:     make(map[string]*Job),
		handlers: make(map[string]JobFunc),
	}
}

// AddJob validates the expression eagerly and computes the initial next-run.
// Returns the job id.
func (s *Scheduler) AddJob(cfg JobConfig) (string, error) {
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", handler.ErrInvalidExpression, cfg.Schedule, err)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultJobTimeoutS
	}

	job := newJob(cfg, schedule, time.Now())

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.Info("cron job added",
		"job_id", job.ID,
		"name", cfg.Name,
		"schedule", cfg.Schedule,
		"enabled", cfg.Enabled,
	)
	return job.ID, nil
}

// RemoveJob deletes a job by id.
func (s *Scheduler) RemoveJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("%w: %q", handler.ErrJobNotFound, jobID)
	}
	delete(s.jobs, jobID)
	return nil
}

// RegisterHandler binds a job name to its work. Colliding names overwrite.
func (s *Scheduler) RegisterHandler(name string, fn JobFunc) {
	s.mu.Lock()
	_, existed := s.handlers[name]
	s.handlers[name] = fn
	s.mu.Unlock()

	if existed {
		s.logger.Info("cron handler re-registered", "name", name)
	}
}

// ListJobs returns all jobs sorted by name.
func (s *Scheduler) ListJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].Name < jobs[b].Name })
	return jobs
}

// JobStatus reports the job's current state.
func (s *Scheduler) JobStatus(jobID string) (Status, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", handler.ErrJobNotFound, jobID)
	}
	return job.Status(), nil
}

// LastExecution returns the job's most recent run record.
func (s *Scheduler) LastExecution(jobID string) (ExecutionRecord, error) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return ExecutionRecord{}, fmt.Errorf("%w: %q", handler.ErrJobNotFound, jobID)
	}
	rec, ok := job.LastExecution()
	if !ok {
		return ExecutionRecord{JobID: jobID, JobName: job.Name, Status: StatusScheduled}, nil
	}
	return rec, nil
}

// Start launches the tick loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopped.Store(false)
	s.done = make(chan struct{})
	go s.loop(s.done)
	s.logger.Info("cron scheduler started", "tick", tickPeriod.String())
}

// Stop flips the stop flag; the loop observes it on its next wake, at most
// one tick later.
func (s *Scheduler) Stop() {
	if !s.running.Load() {
		return
	}
	s.stopped.Store(true)
	<-s.done
	s.running.Store(false)
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if s.stopped.Load() {
			return
		}
		s.tick(time.Now())
	}
}

// tick snapshots jobs and handlers under the read lock and spawns a run for
// every enabled job that is due.
func (s *Scheduler) tick(now time.Time) {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	handlers := make(map[string]JobFunc, len(s.handlers))
	for name, fn := range s.handlers {
		handlers[name] = fn
	}
	s.mu.RUnlock()

	for _, job := range jobs {
		if !job.Enabled || !job.due(now) {
			continue
		}

		fn, ok := handlers[job.Name]
		if !ok {
			s.logger.Warn("cron job has no registered handler", "name", job.Name)
			continue
		}
		go s.executeJob(job, fn)
	}
}

// executeJob runs one firing under the job's timeout. A timed-out run is
// recorded Failed at the timeout mark and abandoned; the work itself is not
// preempted.
func (s *Scheduler) executeJob(job *Job, fn JobFunc) {
	job.beginRun()
	start := time.Now()
	timeout := time.Duration(job.TimeoutSeconds) * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	type jobResult struct {
		payload json.RawMessage
		err     error
	}
	ch := make(chan jobResult, 1)
	go func() {
		payload, err := fn(ctx)
		ch <- jobResult{payload, err}
	}()

	rec := ExecutionRecord{
		JobID:     job.ID,
		JobName:   job.Name,
		StartedAt: start.UTC().Format(time.RFC3339Nano),
	}

	select {
	case res := <-ch:
		rec.DurationMS = time.Since(start).Milliseconds()
		if res.err != nil {
			rec.Status = StatusFailed
			rec.Error = res.err.Error()
		} else {
			rec.Status = StatusCompleted
			s.emitTriggers(job, res.payload)
		}
	case <-ctx.Done():
		rec.DurationMS = time.Since(start).Milliseconds()
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("%v: job timed out after %s", handler.ErrTimeout, timeout)
	}

	rec.CompletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	job.endRun(rec)

	jobRunsTotal.WithLabelValues(job.Name, string(rec.Status)).Inc()
	jobDuration.WithLabelValues(job.Name).Observe(float64(rec.DurationMS) / 1000)

	if rec.Status == StatusFailed {
		s.logger.Warn("cron job failed", "name", job.Name, "error", rec.Error, "duration_ms", rec.DurationMS)
	} else {
		s.logger.Debug("cron job completed", "name", job.Name, "duration_ms", rec.DurationMS)
	}
}

// emitTriggers publishes every job-declared trigger with the run's payload,
// or an empty object when the job returned none.
func (s *Scheduler) emitTriggers(job *Job, payload json.RawMessage) {
	if s.emit == nil || len(job.Triggers) == 0 {
		return
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	for _, name := range job.Triggers {
		if err := s.emit(context.Background(), name, payload); err != nil {
			s.logger.Warn("cron trigger emit failed", "job", job.Name, "event", name, "error", err)
		}
	}
}
