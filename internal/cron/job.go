// Package cron schedules named jobs against six-field cron expressions
// (seconds included) on a one-second tick loop.
package cron

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// parser accepts six-field expressions: second minute hour day-of-month
// month day-of-week.
var parser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Status is the lifecycle state reported for a job or recorded on one run.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDisabled  Status = "disabled"
)

// ExecutionRecord is the outcome of one job run.
type ExecutionRecord struct {
	JobID       string `json:"job_id"`
	JobName     string `json:"job_name"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	Status      Status `json:"status"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

// JobConfig describes a job to add.
type JobConfig struct {
	Name           string
	Schedule       string
	Enabled        bool
	TimeoutSeconds int
	Triggers       []string
}

// Job is one scheduled unit. The parsed schedule is immutable; nextRun and
// the last record change under the scheduler's lock.
type Job struct {
	ID             string
	Name           string
	Expression     string
	Enabled        bool
	TimeoutSeconds int
	Triggers       []string

	schedule cron.Schedule

	mu       sync.Mutex
	nextRun  time.Time
	last     *ExecutionRecord
	inFlight int
}

func newJob(cfg JobConfig, schedule cron.Schedule, now time.Time) *Job {
	return &Job{
		ID:             uuid.NewString(),
		Name:           cfg.Name,
		Expression:     cfg.Schedule,
		Enabled:        cfg.Enabled,
		TimeoutSeconds: cfg.TimeoutSeconds,
		Triggers:       cfg.Triggers,
		schedule:       schedule,
		nextRun:        schedule.Next(now),
	}
}

// due reports whether the job should fire at now, and if so advances nextRun
// from now. Missed ticks are not backfilled.
func (j *Job) due(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if now.Before(j.nextRun) {
		return false
	}
	j.nextRun = j.schedule.Next(now)
	return true
}

// NextRun returns the cached next fire time.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

// LastExecution returns the most recent run record, if any.
func (j *Job) LastExecution() (ExecutionRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.last == nil {
		return ExecutionRecord{}, false
	}
	return *j.last, true
}

// Status reports the job's current state: disabled, running when a run is in
// flight, the last record's status, or scheduled before the first run.
func (j *Job) Status() Status {
	if !j.Enabled {
		return StatusDisabled
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.inFlight > 0 {
		return StatusRunning
	}
	if j.last != nil {
		return j.last.Status
	}
	return StatusScheduled
}

func (j *Job) beginRun() {
	j.mu.Lock()
	j.inFlight++
	j.mu.Unlock()
}

func (j *Job) endRun(rec ExecutionRecord) {
	j.mu.Lock()
	j.inFlight--
	j.last = &rec
	j.mu.Unlock()
}
