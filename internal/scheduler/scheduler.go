// Package scheduler runs workflows on cron schedules persisted in the store.
// A polling loop wakes once a minute, asks the store for due schedules, runs
// each through the engine, and advances next_run_at.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// WorkflowRunner is the interface the scheduler uses to run workflow files.
// Satisfied by the CLI's run pipeline (avoids an import cycle with the
// engine wiring).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowPath string, vars map[string]string) error
}

// tickInterval matches the minute granularity of five-field cron expressions.
const tickInterval = 60 * time.Second

// cronParser accepts standard five-field expressions: minute, hour,
// day-of-month, month, day-of-week.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the first execution time after from for a five-field cron
// expression. Schedule creation uses it to seed next_run_at; the polling loop
// uses it to advance the slot after each run.
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeSchedule, "invalid cron expression %q: %v", expr, err)
	}
	return schedule.Next(from), nil
}

// Scheduler polls the store for due schedules and runs them sequentially.
type Scheduler struct {
	store  store.Store
	runner WorkflowRunner
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently executing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeSchedule, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
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

// tick runs every schedule whose next_run_at has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due schedules", slog.String("error", err.Error()))
		return
	}

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // already running (dedup)
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to advance schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("name", sched.Name),
				slog.String("error", err.Error()),
			)
		}
		s.release(sched.ID)
	}
}

// runSchedule executes one schedule and moves its slot forward. Run failures
// are logged and land in the run history; only store errors propagate.
func (s *Scheduler) runSchedule(ctx context.Context, sched *store.Schedule, now time.Time) error {
	s.logger.Info("running schedule",
		slog.String("schedule_id", sched.ID),
		slog.String("name", sched.Name),
		slog.String("workflow", sched.WorkflowPath),
	)

	if err := s.runner.RunWorkflow(ctx, sched.WorkflowPath, sched.Variables); err != nil {
		s.logger.Error("scheduled workflow failed",
			slog.String("schedule_id", sched.ID),
			slog.String("name", sched.Name),
			slog.String("error", err.Error()),
		)
	}

	return s.advance(ctx, sched, now)
}

// advance stamps the run and computes the following slot. The next slot is
// computed from the completion time, so slots missed while the workflow was
// executing are skipped, not replayed.
func (s *Scheduler) advance(ctx context.Context, sched *store.Schedule, ranAt time.Time) error {
	next, err := NextRun(sched.CronExpr, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("compute next run for schedule %q: %w", sched.ID, err)
	}
	return s.store.UpdateSchedule(ctx, sched.ID, store.ScheduleUpdate{
		LastRunAt: &ranAt,
		NextRunAt: &next,
	})
}

// tryAcquire marks the schedule in-flight, or reports it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
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

// RecoverMissed runs schedules whose next_run_at passed while the scheduler
// was down. Call once on startup, before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		return fmt.Errorf("list due schedules: %w", err)
	}

	recovered := 0
	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue
		}
		if err := s.runSchedule(ctx, sched, now); err != nil {
			s.logger.Error("failed to recover missed schedule",
				slog.String("schedule_id", sched.ID),
				slog.String("error", err.Error()),
			)
			s.release(sched.ID)
			continue
		}
		s.release(sched.ID)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed schedules", slog.Int("count", recovered))
	}
	return nil
}
