// Package scheduler runs the clock-driven side of the engine: cron
// schedules that start new instances, and the sweep that fires persisted
// timer waits whose due time has passed. The sweep is what makes timer
// suspensions survive a restart; while the process lives, the engine's own
// armed timers usually fire first and the sweep finds nothing.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/loomrun/loom/internal/store"
	"github.com/loomrun/loom/pkg/schema"
)

const (
	tickInterval = 15 * time.Second
	sweepBatch   = 100
)

// InstanceDriver is the slice of the engine the scheduler drives.
// Satisfied by *engine.Engine.
type InstanceDriver interface {
	StartAsync(ctx context.Context, name, version string, input, meta map[string]any) (string, error)
	FireTimer(ctx context.Context, instanceID, stepID string) (*schema.WorkflowInstance, error)
}

// Scheduler polls the store for due schedules and timer waits.
type Scheduler struct {
	store  store.Store
	driver InstanceDriver
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, driver InstanceDriver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		driver:   driver,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", "interval", tickInterval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately so restarts pick up overdue work.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.sweepTimers(ctx)
	s.runDueSchedules(ctx)
}

// sweepTimers fires persisted timer waits whose due time has passed. The
// engine races us with its in-process timers; whoever loses gets an
// INVALID_TRANSITION and drops it.
func (s *Scheduler) sweepTimers(ctx context.Context) {
	due, err := s.store.DueTimers(ctx, time.Now().UTC(), sweepBatch)
	if err != nil {
		s.logger.Error("list due timers", slog.String("error", err.Error()))
		return
	}

	for _, t := range due {
		key := "timer:" + t.InstanceID + "/" + t.StepID
		if !s.tryAcquire(key) {
			continue
		}
		go func(t store.TimerWait, key string) {
			defer s.release(key)
			if _, err := s.driver.FireTimer(ctx, t.InstanceID, t.StepID); err != nil {
				if schema.IsInvalidTransition(err) || schema.IsNotFound(err) {
					return
				}
				s.logger.Error("fire timer",
					slog.String("instance_id", t.InstanceID),
					slog.String("step_id", t.StepID),
					slog.String("error", err.Error()),
				)
			}
		}(t, key)
	}
}

// runDueSchedules starts an instance for every enabled schedule whose
// next run time has arrived, then advances it.
func (s *Scheduler) runDueSchedules(ctx context.Context) {
	enabled := true
	schedules, err := s.store.ListSchedules(ctx, store.ScheduleFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("list schedules", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, sched := range schedules {
		if sched.NextRunAt != nil && sched.NextRunAt.After(now) {
			continue
		}
		if !s.tryAcquire("schedule:" + sched.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("run schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
		}
		s.release("schedule:" + sched.ID)
	}
}

// runSchedule fires one schedule and records the result. A failed start
// still advances NextRunAt so a broken schedule cannot hot-loop the tick.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("definition", sched.Definition),
	)

	meta := map[string]any{"schedule_id": sched.ID, "scheduled_at": now.Format(time.RFC3339)}
	instanceID, err := s.driver.StartAsync(ctx, sched.Definition, sched.Version, sched.Input, meta)

	sched.LastRunAt = &now
	sched.LastError = ""
	if err != nil {
		sched.LastError = err.Error()
		s.logger.Error("scheduled start failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled instance started",
			slog.String("schedule_id", sched.ID),
			slog.String("instance_id", instanceID),
		)
	}

	next, nerr := s.CalculateNextRun(sched.Cron, now)
	if nerr != nil {
		return fmt.Errorf("calculate next run for schedule %q: %w", sched.ID, nerr)
	}
	sched.NextRunAt = &next
	return s.store.SaveSchedule(ctx, sched)
}

// Add validates and persists a schedule, computing its first run time.
func (s *Scheduler) Add(ctx context.Context, sched *store.Schedule) error {
	if sched.Definition == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs a definition name")
	}
	next, err := s.CalculateNextRun(sched.Cron, time.Now().UTC())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "bad cron expression %q: %v", sched.Cron, err).WithCause(err)
	}
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.NextRunAt = &next
	return s.store.SaveSchedule(ctx, sched)
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(ctx context.Context, scheduleID string) error {
	return s.store.DeleteSchedule(ctx, scheduleID)
}

// List returns schedules matching the filter.
func (s *Scheduler) List(ctx context.Context, f store.ScheduleFilter) ([]*store.Schedule, error) {
	return s.store.ListSchedules(ctx, f)
}

// tryAcquire returns true and marks the key in-flight if it is not already.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// release removes the key from the in-flight set.
func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}
