package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

const (
	// tickInterval is the scheduler resolution. Past-due jobs (including
	// those due while the process was down) fire on the next tick.
	tickInterval = 15 * time.Second

	jobsFileName = "jobs.json"

	// cronFallback is returned when the evaluator finds no match within
	// cronSearchBound.
	cronFallback = 24 * time.Hour

	// cronSearchBound caps the next-run search at roughly a year of
	// candidates.
	cronSearchBound = 366 * 24 * time.Hour
)

// TriggerFunc is invoked for each fired job. Panics are recovered and
// logged; triggers are not retried.
type TriggerFunc func(job Job)

// JobSpec is the input to AddJob.
type JobSpec struct {
	Name      string
	Prompt    string
	Kind      PayloadKind
	Schedule  Schedule
	SessionID string
}

// Scheduler owns the persistent job store and the tick loop. Jobs fire in
// insertion order within a tick.
type Scheduler struct {
	mu   sync.Mutex
	jobs []*Job
	dir  string

	trigger TriggerFunc

	stop    chan struct{}
	stopped sync.Once
	running bool
}

// NewScheduler creates a scheduler persisting to <dir>/jobs.json and loads
// any stored jobs. A corrupt jobs file yields an empty list.
func NewScheduler(dir string, trigger TriggerFunc) *Scheduler {
	s := &Scheduler{
		dir:     dir,
		trigger: trigger,
		stop:    make(chan struct{}),
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("cron: failed to create directory", "dir", dir, "error", err)
		}
		s.load()
	}
	return s
}

// SetTrigger replaces the trigger callback.
func (s *Scheduler) SetTrigger(fn TriggerFunc) {
	s.mu.Lock()
	s.trigger = fn
	s.mu.Unlock()
}

// AddJob validates the schedule, computes the first run, persists, and
// returns the stored job. Interval schedules with every <= 0 and once
// schedules without an instant are rejected without side effects. An
// unparseable cron expression leaves nextRun undefined but still persists
// the job.
func (s *Scheduler) AddJob(spec JobSpec) (Job, error) {
	if spec.Name == "" {
		return Job{}, fmt.Errorf("cron: job name required")
	}
	if spec.Kind == "" {
		spec.Kind = KindPrompt
	}

	now := time.Now()
	job := &Job{
		ID:        uuid.NewString(),
		Name:      spec.Name,
		Prompt:    spec.Prompt,
		Kind:      spec.Kind,
		Schedule:  spec.Schedule,
		SessionID: spec.SessionID,
		Enabled:   true,
		Created:   now,
	}

	switch spec.Schedule.Type {
	case TypeOnce:
		if spec.Schedule.At == nil {
			return Job{}, fmt.Errorf("cron: once schedule needs an instant")
		}
		at := *spec.Schedule.At
		job.NextRun = &at
	case TypeInterval:
		if spec.Schedule.EveryMs <= 0 {
			return Job{}, fmt.Errorf("cron: interval must be positive, got %dms", spec.Schedule.EveryMs)
		}
		next := now.Add(time.Duration(spec.Schedule.EveryMs) * time.Millisecond)
		job.NextRun = &next
	case TypeCron:
		if err := ValidateCronExpr(spec.Schedule.Expression); err != nil {
			slog.Warn("cron: invalid expression, job stored without next run",
				"name", spec.Name, "expression", spec.Schedule.Expression, "error", err)
		} else if next, ok := s.nextCronRun(spec.Schedule.Expression, now); ok {
			job.NextRun = &next
		}
	default:
		return Job{}, fmt.Errorf("cron: unknown schedule type %q", spec.Schedule.Type)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.persistLocked()
	s.mu.Unlock()

	return *job, nil
}

// nextCronRun computes the next match strictly after t, falling back to
// t+24h when the evaluator exhausts its search bound. Candidates are
// accepted only when day-of-month and day-of-week both match, so an
// expression restricting both day fields fires on their intersection
// rather than Vixie cron's union.
func (s *Scheduler) nextCronRun(expr string, t time.Time) (time.Time, bool) {
	if err := ValidateCronExpr(expr); err != nil {
		return time.Time{}, false
	}
	dom, dow := cronDaySets(expr)
	bound := t.Add(cronSearchBound)
	cursor := t
	for {
		next, err := gronx.NextTickAfter(expr, cursor, false)
		if err != nil || next.After(bound) {
			slog.Warn("cron: next-run search exhausted, using 24h fallback", "expression", expr, "error", err)
			return t.Add(cronFallback), true
		}
		if dom[next.Day()] && dow[int(next.Weekday())] {
			return next, true
		}
		cursor = next
	}
}

// RemoveJob deletes a job by id. Returns false when unknown.
func (s *Scheduler) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, j := range s.jobs {
		if j.ID == id {
			s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
			s.persistLocked()
			return true
		}
	}
	return false
}

// EnableJob re-enables a job and recomputes its next run.
func (s *Scheduler) EnableJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(id)
	if j == nil {
		return false
	}
	j.Enabled = true
	now := time.Now()
	switch j.Schedule.Type {
	case TypeOnce:
		if j.Schedule.At != nil {
			at := *j.Schedule.At
			j.NextRun = &at
		}
	case TypeInterval:
		base := now
		if j.LastRun != nil {
			base = *j.LastRun
		}
		next := base.Add(time.Duration(j.Schedule.EveryMs) * time.Millisecond)
		j.NextRun = &next
	case TypeCron:
		if next, ok := s.nextCronRun(j.Schedule.Expression, now); ok {
			j.NextRun = &next
		}
	}
	s.persistLocked()
	return true
}

// DisableJob disables a job without removing it.
func (s *Scheduler) DisableJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.findLocked(id)
	if j == nil {
		return false
	}
	j.Enabled = false
	s.persistLocked()
	return true
}

// GetJob returns a job by id.
func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.findLocked(id); j != nil {
		return *j, true
	}
	return Job{}, false
}

// FindJobByName returns the first job with the given name.
func (s *Scheduler) FindJobByName(name string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == name {
			return *j, true
		}
	}
	return Job{}, false
}

// ListJobs returns all jobs in insertion order.
func (s *Scheduler) ListJobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.jobs))
	for i, j := range s.jobs {
		out[i] = *j
	}
	return out
}

func (s *Scheduler) findLocked(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

// Start launches the tick loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run()
}

// Stop terminates the tick loop.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick fires every enabled job whose next run has arrived. State is
// updated and persisted before triggers run; trigger failures are logged
// and never retried.
func (s *Scheduler) Tick(now time.Time) {
	s.mu.Lock()
	var due []Job
	for _, j := range s.jobs {
		if !j.Enabled || j.NextRun == nil || j.NextRun.After(now) {
			continue
		}
		runAt := now
		j.LastRun = &runAt
		j.RunCount++
		switch j.Schedule.Type {
		case TypeOnce:
			j.Enabled = false
			j.NextRun = nil
		case TypeInterval:
			next := now.Add(time.Duration(j.Schedule.EveryMs) * time.Millisecond)
			j.NextRun = &next
		case TypeCron:
			if next, ok := s.nextCronRun(j.Schedule.Expression, now); ok {
				j.NextRun = &next
			} else {
				j.NextRun = nil
			}
		}
		due = append(due, *j)
	}
	if len(due) > 0 {
		s.persistLocked()
	}
	trigger := s.trigger
	s.mu.Unlock()

	if trigger == nil {
		return
	}
	for _, job := range due {
		s.invoke(trigger, job)
	}
}

func (s *Scheduler) invoke(trigger TriggerFunc, job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("cron: trigger panicked", "job", job.Name, "panic", r)
		}
	}()
	trigger(job)
}

// persistLocked writes the whole jobs list. Caller holds the lock.
func (s *Scheduler) persistLocked() {
	if s.dir == "" {
		return
	}
	data, err := json.MarshalIndent(s.jobs, "", "  ")
	if err != nil {
		slog.Warn("cron: failed to marshal jobs", "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(s.dir, jobsFileName), data, 0o644); err != nil {
		slog.Warn("cron: failed to persist jobs", "error", err)
	}
}

// load reads jobs.json; corrupt content yields an empty list.
func (s *Scheduler) load() {
	data, err := os.ReadFile(filepath.Join(s.dir, jobsFileName))
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		slog.Warn("cron: dropped corrupt jobs file", "dir", s.dir, "error", err)
		return
	}
	s.jobs = jobs
}
