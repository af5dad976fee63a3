package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/loom/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/history.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

const runColumns = `id, kind, workflow_id, workflow_name, model, status, started_at, finished_at,
	duration_ms, steps_total, steps_completed, steps_failed, prompt_tokens, completion_tokens, error, created_at`

// RecordRun inserts or updates a run summary. Re-recording the same run id
// (a resumed run) keeps the original identity columns and replaces the
// outcome columns.
func (s *LibSQLStore) RecordRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, finished_at=excluded.finished_at, duration_ms=excluded.duration_ms,
		   steps_total=excluded.steps_total, steps_completed=excluded.steps_completed,
		   steps_failed=excluded.steps_failed, prompt_tokens=excluded.prompt_tokens,
		   completion_tokens=excluded.completion_tokens, error=excluded.error`,
		run.ID, string(run.Kind), nullStr(run.WorkflowID), nullStr(run.WorkflowName), nullStr(run.Model),
		string(run.Status), timeOrNow(run.StartedAt), nullTime(run.FinishedAt), run.DurationMs,
		run.StepsTotal, run.StepsCompleted, run.StepsFailed, run.PromptTokens, run.CompletionTokens,
		nullRaw(run.Error), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowName != "" {
		where = append(where, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRunsBefore removes runs created before the cutoff together with their
// step records and events, and returns the number of runs removed. Events of
// runs that never got a summary row (interrupted before the final write) are
// expired by the same cutoff.
func (s *LibSQLStore) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE run_id IN (SELECT id FROM runs WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete run events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM run_events WHERE created_at < ? AND run_id NOT IN (SELECT id FROM runs)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete orphaned events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM step_records WHERE run_id IN (SELECT id FROM runs WHERE created_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("delete step records: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	run := &Run{}
	var kind, status string
	var workflowID, wfName, model, errJSON sql.NullString
	var finishedAt sql.NullTime
	if err := sc.Scan(&run.ID, &kind, &workflowID, &wfName, &model, &status,
		&run.StartedAt, &finishedAt, &run.DurationMs,
		&run.StepsTotal, &run.StepsCompleted, &run.StepsFailed,
		&run.PromptTokens, &run.CompletionTokens, &errJSON, &run.CreatedAt); err != nil {
		return nil, err
	}
	run.Kind = RunKind(kind)
	run.Status = schema.RunStatus(status)
	run.WorkflowID = workflowID.String
	run.WorkflowName = wfName.String
	run.Model = model.String
	run.Error = rawOrNil(errJSON)
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Step records ---

// ReplaceStepRecords swaps the stored per-step rows for a run. The parent
// run row must already exist.
func (s *LibSQLStore) ReplaceStepRecords(ctx context.Context, runID string, records []*StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM step_records WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear step records: %w", err)
	}
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO step_records (run_id, step_id, type, status, attempts, output, duration_ms, prompt_tokens, completion_tokens, error, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, rec.StepID, rec.Type, string(rec.Status), rec.Attempts,
			nullRaw(rec.Output), rec.DurationMs, rec.PromptTokens, rec.CompletionTokens,
			nullStr(rec.Error), rec.Seq,
		); err != nil {
			return fmt.Errorf("insert step record %s: %w", rec.StepID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, step_id, type, status, attempts, output, duration_ms, prompt_tokens, completion_tokens, error, seq
		 FROM step_records WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*StepRecord
	for rows.Next() {
		rec := &StepRecord{}
		var status string
		var output, errMsg sql.NullString
		if err := rows.Scan(&rec.RunID, &rec.StepID, &rec.Type, &status, &rec.Attempts,
			&output, &rec.DurationMs, &rec.PromptTokens, &rec.CompletionTokens, &errMsg, &rec.Seq); err != nil {
			return nil, err
		}
		rec.Status = schema.StepStatus(status)
		rec.Output = rawOrNil(output)
		rec.Error = errMsg.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Run events ---

// AppendEvent appends one event to a run's trail and sets the event's ID.
// Events carry no foreign key to runs: they are written while the run is in
// flight, before its summary row exists.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	ts := timeOrNow(event.CreatedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_events (run_id, type, step_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Type, nullStr(event.StepID), nullRaw(event.Payload), ts,
	)
	if err != nil {
		return fmt.Errorf("insert run event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}
	event.CreatedAt = ts
	return nil
}

// ListEvents returns the full event trail for a run, oldest first.
func (s *LibSQLStore) ListEvents(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, type, step_id, payload, created_at
		 FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Type, &stepID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, name, workflow_path, cron_expr, variables, enabled, last_run_at, next_run_at, created_at, updated_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	vars, err := marshalMapOrDefault(sched.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.WorkflowPath, sched.CronExpr, string(vars),
		sched.Enabled, nullTime(sched.LastRunAt), nullTime(sched.NextRunAt),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeSchedule, "schedule name %q already exists", sched.Name)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	return sched, nil
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// DueSchedules returns enabled schedules whose next run is at or before asOf,
// soonest first.
func (s *LibSQLStore) DueSchedules(ctx context.Context, asOf time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC`, asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpr != "" {
		sets = append(sets, "cron_expr = ?")
		args = append(args, update.CronExpr)
	}
	if update.Variables != nil {
		vars, err := marshalMapOrDefault(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc scanner) (*Schedule, error) {
	sched := &Schedule{}
	var varsJSON string
	var lastRun, nextRun sql.NullTime
	if err := sc.Scan(&sched.ID, &sched.Name, &sched.WorkflowPath, &sched.CronExpr, &varsJSON,
		&sched.Enabled, &lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &sched.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	return sched, nil
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var schedules []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// --- Stats ---

const statsColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(prompt_tokens), 0),
	COALESCE(SUM(completion_tokens), 0),
	COALESCE(SUM(duration_ms), 0)`

// Stats aggregates the run history: overall totals plus per-model and
// per-workflow groupings, busiest first.
func (s *LibSQLStore) Stats(ctx context.Context, filter StatsFilter) (*Stats, error) {
	var where []string
	var args []any

	if filter.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + statsColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	stats := &Stats{}
	t := &stats.Totals
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&t.Runs, &t.Completed, &t.Failed, &t.PromptTokens, &t.CompletionTokens, &t.DurationMs); err != nil {
		return nil, err
	}

	var err error
	if stats.ByModel, err = s.groupedStats(ctx, "model", where, args); err != nil {
		return nil, err
	}
	if stats.ByWorkflow, err = s.groupedStats(ctx, "workflow_name", where, args); err != nil {
		return nil, err
	}
	return stats, nil
}

// groupedStats aggregates runs grouped by one column, skipping rows where the
// column is unset. The column name is an internal constant, never user input.
func (s *LibSQLStore) groupedStats(ctx context.Context, column string, where []string, args []any) ([]Aggregate, error) {
	cond := append(append([]string{}, where...), column+" IS NOT NULL")
	query := fmt.Sprintf("SELECT %s, %s FROM runs WHERE %s GROUP BY %s ORDER BY COUNT(*) DESC, %s ASC",
		column, statsColumns, strings.Join(cond, " AND "), column, column)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []Aggregate
	for rows.Next() {
		var a Aggregate
		if err := rows.Scan(&a.Key, &a.Runs, &a.Completed, &a.Failed,
			&a.PromptTokens, &a.CompletionTokens, &a.DurationMs); err != nil {
			return nil, err
		}
		groups = append(groups, a)
	}
	return groups, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]string) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
