package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/pkg/jobs"
)

// Dispatch modes a task may declare.
const (
	ModePrompt = "prompt"
	ModeJob    = "job"
)

const defaultTickInterval = 30 * time.Second

// Dispatcher accepts prompt-mode fires. The session spawner implements
// it; fires never block the tick loop, a full queue is an outcome.
type Dispatcher interface {
	TryEnqueue(req session.Request) error
}

// Scheduler drives one butler's scheduled_tasks table: a periodic tick
// claims due tasks one at a time and fires them. Claiming and advancing
// happen in one transaction, so a fire is decided exactly once even with
// competing scheduler processes.
type Scheduler struct {
	butler   string
	location *time.Location
	tasks    *store.ScheduleStore
	spawner  Dispatcher
	jobs     *jobs.Registry
	metrics  *metrics.Metrics
	bus      bus.Emitter
	interval time.Duration
	logger   *log.Logger
	now      func() time.Time
}

func New(butler string, loc *time.Location, tasks *store.ScheduleStore, spawner Dispatcher, registry *jobs.Registry, m *metrics.Metrics, emitter bus.Emitter, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		butler:   butler,
		location: loc,
		tasks:    tasks,
		spawner:  spawner,
		jobs:     registry,
		metrics:  m,
		bus:      emitter,
		interval: interval,
		logger:   log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Run ticks until the context ends. The first tick fires immediately so
// restarts pick up overdue work without waiting an interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Printf("🚀 %s scheduler running (tick %s, tz %s)", s.butler, s.interval, s.location)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("🧹 %s scheduler stopped", s.butler)
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick visits every due task once. Exported so the tick tool and tests
// can force a pass outside the timer.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	ids, err := s.tasks.DueTaskIDs(ctx, now)
	if err != nil {
		s.logger.Printf("❌ list due tasks: %v", err)
		return
	}

	for _, id := range ids {
		task, fired, err := s.tasks.Advance(ctx, id, now, func(t store.Task) store.TaskAdvance {
			return ComputeAdvance(t, now, s.location)
		})
		if err != nil {
			s.logger.Printf("❌ advance task %d: %v", id, err)
			continue
		}
		if task == nil {
			// a peer claimed it between DueTaskIDs and Advance
			s.metrics.SchedulerSkips.WithLabelValues(s.butler, "disabled_race").Inc()
			continue
		}
		if !fired {
			s.logger.Printf("⏳ task %q expired without firing", task.Name)
			s.metrics.SchedulerSkips.WithLabelValues(s.butler, "expired").Inc()
			continue
		}
		s.dispatch(ctx, task)
	}
}

// ComputeAdvance is the pure fire-or-expire decision for one claimed
// task. An until_at in the past disables the task without firing; the
// boundary instant itself is already expired.
func ComputeAdvance(t store.Task, now time.Time, loc *time.Location) store.TaskAdvance {
	if t.UntilAt != nil && !now.Before(*t.UntilAt) {
		return store.TaskAdvance{Fire: false, Disable: true, LastResult: "expired"}
	}

	next, oneShot, err := NextRun(t.Spec, loc, now)
	if err != nil {
		return store.TaskAdvance{Fire: false, Disable: true, LastResult: "invalid spec: " + err.Error()}
	}
	if oneShot {
		return store.TaskAdvance{Fire: true, Disable: true, LastResult: "fired"}
	}
	return store.TaskAdvance{Fire: true, NextRunAt: next, LastResult: "fired"}
}

// NextRun computes the occurrence after `after` for a schedule spec.
// A spec that parses as RFC3339 is a one-shot instant; anything else
// must be a standard 5-field cron expression evaluated in loc.
func NextRun(spec string, loc *time.Location, after time.Time) (*time.Time, bool, error) {
	if at, err := time.Parse(time.RFC3339, spec); err == nil {
		return &at, true, nil
	}

	sched, err := cron.ParseStandard(fmt.Sprintf("TZ=%s %s", loc.String(), spec))
	if err != nil {
		return nil, false, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return nil, false, fmt.Errorf("spec %q yields no future occurrence", spec)
	}
	return &next, false, nil
}

// InitialRun computes the first next_run_at for a new task, rejecting
// one-shot instants already in the past.
func InitialRun(spec string, loc *time.Location, now time.Time) (*time.Time, error) {
	next, oneShot, err := NextRun(spec, loc, now)
	if err != nil {
		return nil, fault.Wrap(fault.CodeToolError, "bad schedule spec", err)
	}
	if oneShot && !next.After(now) {
		return nil, fault.Newf(fault.CodeToolError, "one-shot instant %s is in the past", spec)
	}
	return next, nil
}

func (s *Scheduler) dispatch(ctx context.Context, task *store.Task) {
	s.metrics.SchedulerFires.WithLabelValues(s.butler, task.DispatchMode).Inc()
	s.bus.Emit(bus.TypeScheduleFired, "scheduler", task.Name, map[string]interface{}{
		"butler":        s.butler,
		"dispatch_mode": task.DispatchMode,
	})

	switch task.DispatchMode {
	case ModePrompt:
		// Each fire enqueues; no coalescing. A backlog of fires means a
		// backlog of sessions, which the queue bound surfaces honestly.
		err := s.spawner.TryEnqueue(session.Request{
			TriggerSource: session.TriggerSchedule,
			Prompt:        task.Prompt,
		})
		if err != nil {
			s.logger.Printf("⚠️ task %q enqueue failed: %v", task.Name, err)
			s.recordResult(ctx, task.Name, "enqueue failed: "+string(fault.CodeOf(err)))
			return
		}
		s.logger.Printf("🔔 task %q fired (prompt)", task.Name)

	case ModeJob:
		fn, ok := s.jobs.Get(task.JobName)
		if !ok {
			s.logger.Printf("⚠️ task %q names unknown job %q", task.Name, task.JobName)
			s.metrics.SchedulerSkips.WithLabelValues(s.butler, "job_missing").Inc()
			s.recordResult(ctx, task.Name, fmt.Sprintf("job %q not registered", task.JobName))
			return
		}
		result, err := fn(ctx, task.JobArgs)
		if err != nil {
			s.logger.Printf("❌ task %q job %q failed: %v", task.Name, task.JobName, err)
			s.recordResult(ctx, task.Name, "job failed: "+err.Error())
			return
		}
		s.logger.Printf("🔔 task %q fired (job %s): %s", task.Name, task.JobName, result)
		s.recordResult(ctx, task.Name, result)

	default:
		s.logger.Printf("❌ task %q has unknown dispatch mode %q", task.Name, task.DispatchMode)
		s.recordResult(ctx, task.Name, "unknown dispatch mode "+task.DispatchMode)
	}
}

func (s *Scheduler) recordResult(ctx context.Context, name, result string) {
	if err := s.tasks.RecordResult(ctx, name, result); err != nil {
		s.logger.Printf("⚠️ record result for %q: %v", name, err)
	}
}

// CreateTask validates and inserts a new schedule with its first
// next_run_at computed in the butler's timezone.
func (s *Scheduler) CreateTask(ctx context.Context, t store.Task) (*store.Task, error) {
	if t.DispatchMode != ModePrompt && t.DispatchMode != ModeJob {
		return nil, fault.Newf(fault.CodeToolError, "dispatch_mode must be %q or %q", ModePrompt, ModeJob)
	}
	next, err := InitialRun(t.Spec, s.location, s.now())
	if err != nil {
		return nil, err
	}
	t.Enabled = true
	t.NextRunAt = next
	created, err := s.tasks.Create(ctx, t)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("🆕 task %q created, first run %s", created.Name, next.Format(time.RFC3339))
	return created, nil
}

// EnsureSeeds creates any declared tasks that do not exist yet. Seeds
// never overwrite live rows, so operator edits survive restarts.
func (s *Scheduler) EnsureSeeds(ctx context.Context, seeds []config.TaskSeed) {
	for _, seed := range seeds {
		task := store.Task{
			Name:         seed.Name,
			Spec:         seed.Spec,
			DispatchMode: seed.DispatchMode,
			Prompt:       seed.Prompt,
			JobName:      seed.JobName,
		}
		if task.DispatchMode == "" {
			if task.JobName != "" {
				task.DispatchMode = ModeJob
			} else {
				task.DispatchMode = ModePrompt
			}
		}
		if seed.JobArgs != "" {
			task.JobArgs = []byte(seed.JobArgs)
		}
		if seed.UntilAt != "" {
			until, err := time.Parse(time.RFC3339, seed.UntilAt)
			if err != nil {
				s.logger.Printf("⚠️ seed %q has bad until_at: %v", seed.Name, err)
				continue
			}
			task.UntilAt = &until
		}

		if _, err := s.CreateTask(ctx, task); err != nil {
			if fault.CodeOf(err) == fault.CodeNotPermitted {
				continue // already exists
			}
			s.logger.Printf("⚠️ seed %q: %v", seed.Name, err)
		}
	}
}
