package store

import (
	"context"
	"time"
)

// Store defines the persistence layer for run history, the run event trail,
// schedules, and aggregate statistics. All implementations must be safe for
// concurrent use.
type Store interface {
	// Runs
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Step records
	ReplaceStepRecords(ctx context.Context, runID string, records []*StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// Run events (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string) ([]*Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error)
	DueSchedules(ctx context.Context, asOf time.Time) ([]*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error

	// Analytics
	Stats(ctx context.Context, filter StatsFilter) (*Stats, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
