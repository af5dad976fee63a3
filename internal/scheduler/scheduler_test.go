package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/loom/internal/store"
	"github.com/rendis/loom/pkg/schema"
)

// mockScheduleStore satisfies store.Store for scheduler tests.
type mockScheduleStore struct {
	store.Store
	mu        sync.Mutex
	schedules map[string]*store.Schedule
}

func newMockScheduleStore() *mockScheduleStore {
	return &mockScheduleStore{schedules: make(map[string]*store.Schedule)}
}

func (m *mockScheduleStore) CreateSchedule(_ context.Context, sched *store.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sched
	m.schedules[sched.ID] = &cp
	return nil
}

func (m *mockScheduleStore) GetSchedule(_ context.Context, id string) (*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	cp := *sched
	return &cp, nil
}

// DueSchedules mirrors the SQL predicate: enabled, seeded, and past due.
func (m *mockScheduleStore) DueSchedules(_ context.Context, asOf time.Time) ([]*store.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.Schedule
	for _, sched := range m.schedules {
		if !sched.Enabled || sched.NextRunAt == nil || sched.NextRunAt.After(asOf) {
			continue
		}
		cp := *sched
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (m *mockScheduleStore) UpdateSchedule(_ context.Context, id string, update store.ScheduleUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	if update.CronExpr != "" {
		sched.CronExpr = update.CronExpr
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		sched.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		sched.NextRunAt = update.NextRunAt
	}
	return nil
}

// mockWorkflowRunner tracks RunWorkflow calls.
type mockWorkflowRunner struct {
	mu    sync.Mutex
	calls []workflowCall
	err   error
}

type workflowCall struct {
	Path string
	Vars map[string]string
}

func (r *mockWorkflowRunner) RunWorkflow(_ context.Context, path string, vars map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, workflowCall{Path: path, Vars: vars})
	return r.err
}

func (r *mockWorkflowRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner WorkflowRunner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

func seedSchedule(t *testing.T, ms *mockScheduleStore, id string, nextRunAt *time.Time, enabled bool) {
	t.Helper()
	require.NoError(t, ms.CreateSchedule(context.Background(), &store.Schedule{
		ID:           id,
		Name:         id,
		WorkflowPath: id + ".yaml",
		CronExpr:     "0 * * * *",
		Enabled:      enabled,
		NextRunAt:    nextRunAt,
	}))
}

// --- Tests ---

func TestNextRun(t *testing.T) {
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := NextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = NextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at 07:00.
	next, err = NextRun("0 7 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 7, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = NextRun("not a cron", from)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSchedule))
}

func TestTickRunsDueSchedules(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, ms, "daily-report", &past, true)

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "daily-report")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestTickSkipsNotDue(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	future := time.Now().UTC().Add(time.Hour)
	seedSchedule(t, ms, "later", &future, true)

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}

func TestTickSkipsDisabled(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, ms, "paused", &past, false)

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}

func TestTickPassesWorkflowAndVariables(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)
	require.NoError(t, ms.CreateSchedule(ctx, &store.Schedule{
		ID:           "digest",
		Name:         "digest",
		WorkflowPath: "workflows/digest.yaml",
		CronExpr:     "*/15 * * * *",
		Variables:    map[string]string{"audience": "team", "tone": "brief"},
		Enabled:      true,
		NextRunAt:    &past,
	}))

	sched.tick(ctx)

	require.Equal(t, 1, runner.callCount())
	runner.mu.Lock()
	call := runner.calls[0]
	runner.mu.Unlock()

	assert.Equal(t, "workflows/digest.yaml", call.Path)
	assert.Equal(t, "team", call.Vars["audience"])
	assert.Equal(t, "brief", call.Vars["tone"])
}

func TestRunFailureStillAdvances(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, ms, "flaky", &past, true)

	sched.tick(ctx)

	// The slot still advances; the failure lands in the run history.
	got, err := ms.GetSchedule(ctx, "flaky")
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestRecoverMissed(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)
	seedSchedule(t, ms, "missed", &past, true)

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, err := ms.GetSchedule(ctx, "missed")
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestRecoverMissedNothingDue(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	future := time.Now().UTC().Add(time.Hour)
	seedSchedule(t, ms, "upcoming", &future, true)

	require.NoError(t, sched.RecoverMissed(context.Background()))

	assert.Equal(t, 0, runner.callCount())
}

func TestStartStop(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeSchedule))

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, ms, "single-flight", &past, true)

	// Pre-acquire the schedule to simulate an in-flight execution.
	assert.True(t, sched.tryAcquire("single-flight"))

	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again, now it should run.
	sched.release("single-flight")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	seedSchedule(t, ms, "repeat", &past, true)

	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Force the schedule due again; the in-flight mark must be gone.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateSchedule(ctx, "repeat", store.ScheduleUpdate{NextRunAt: &past2}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleSchedulesSomeDue(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	seedSchedule(t, ms, "alpha", &past, true)
	seedSchedule(t, ms, "beta", &future, true)
	seedSchedule(t, ms, "gamma", &past, true)

	sched.tick(context.Background())

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	paths := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		paths[i] = c.Path
	}
	runner.mu.Unlock()
	assert.Contains(t, paths, "alpha.yaml")
	assert.Contains(t, paths, "gamma.yaml")
	assert.NotContains(t, paths, "beta.yaml")
}

func TestUnseededScheduleNeverFires(t *testing.T) {
	ms := newMockScheduleStore()
	runner := &mockWorkflowRunner{}
	sched := newTestScheduler(ms, runner)

	// Schedule creation always seeds next_run_at; a row without one is
	// not considered due.
	seedSchedule(t, ms, "unseeded", nil, true)

	sched.tick(context.Background())

	assert.Equal(t, 0, runner.callCount())
}
