package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomrun/loom/pkg/schema"
)

// LibSQLStore persists everything in a single libsql (SQLite) database
// file. A single connection plus WAL keeps writers serialized without
// SQLITE_BUSY churn.
type LibSQLStore struct {
	db *sql.DB
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens (creating if needed) the database at path and tunes
// the connection. Call Migrate before first use.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, "://") && !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	db, err := sql.Open("libsql", dsn)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "open database %s", path).WithCause(err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		// Some pragmas return a result row, some none; QueryRow covers both.
		var result string
		if err := db.QueryRow(p).Scan(&result); err != nil && !errors.Is(err, sql.ErrNoRows) {
			db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "apply %s", p).WithCause(err)
		}
	}
	return &LibSQLStore{db: db}, nil
}

// Migrate applies pending schema migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	if err := applyMigrations(ctx, s.db); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migrate database").WithCause(err)
	}
	return nil
}

// Close closes the underlying database.
func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

// rowScanner lets scan helpers work on both sql.Row and sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SaveDocument stores a definition document. Documents are write-once per
// (name, version); a second save with the same identity is a conflict.
func (s *LibSQLStore) SaveDocument(ctx context.Context, doc *schema.DefinitionDocument, active bool) error {
	raw, err := doc.Encode()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode definition document").WithCause(err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO definitions (name, version, description, document, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name, version) DO NOTHING`,
		doc.Name, doc.Version, doc.Description, string(raw), active, time.Now().UTC())
	if err != nil {
		return wrapStoreErr("save definition", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr("save definition", err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"definition %s version %s already stored", doc.Name, doc.Version)
	}
	return nil
}

// LoadDocument returns the stored document for an exact (name, version).
func (s *LibSQLStore) LoadDocument(ctx context.Context, name, version string) (*schema.DefinitionDocument, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM definitions WHERE name = ? AND version = ?`,
		name, version).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("definition", name+"@"+version)
	}
	if err != nil {
		return nil, wrapStoreErr("load definition", err)
	}
	return schema.DecodeDocument([]byte(raw))
}

// ListDocuments returns listing rows for every stored definition.
func (s *LibSQLStore) ListDocuments(ctx context.Context) ([]DocumentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, description, active, created_at
		FROM definitions ORDER BY name, version`)
	if err != nil {
		return nil, wrapStoreErr("list definitions", err)
	}
	defer rows.Close()

	var out []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.Name, &info.Version, &info.Description, &info.Active, &info.CreatedAt); err != nil {
			return nil, wrapStoreErr("scan definition", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// SetDocumentActive flips the active flag used by version resolution.
func (s *LibSQLStore) SetDocumentActive(ctx context.Context, name, version string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE definitions SET active = ? WHERE name = ? AND version = ?`,
		active, name, version)
	if err != nil {
		return wrapStoreErr("update definition", err)
	}
	return checkRowsAffected(res, "definition", name+"@"+version)
}

// SaveInstance upserts a full instance snapshot.
func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance id is required")
	}
	ctxJSON, err := json.Marshal(inst.Context)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode instance context").WithCause(err)
	}
	waits, err := marshalNullable(inst.Waits, len(inst.Waits) == 0)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode instance waits").WithCause(err)
	}
	branches, err := marshalNullable(inst.Branches, len(inst.Branches) == 0)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode instance branches").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instances (
			id, definition_name, definition_version, status, current_step_id,
			context, waits, branches, error, failed_step_id, cancel_reason,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status          = excluded.status,
			current_step_id = excluded.current_step_id,
			context         = excluded.context,
			waits           = excluded.waits,
			branches        = excluded.branches,
			error           = excluded.error,
			failed_step_id  = excluded.failed_step_id,
			cancel_reason   = excluded.cancel_reason,
			updated_at      = excluded.updated_at`,
		inst.ID, inst.DefinitionName, inst.DefinitionVersion, string(inst.Status),
		nullStr(inst.CurrentStepID), string(ctxJSON), waits, branches,
		nullStr(inst.Error), nullStr(inst.FailedStepID), nullStr(inst.CancelReason),
		timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt))
	if err != nil {
		return wrapStoreErr("save instance", err)
	}
	return nil
}

const instanceColumns = `id, definition_name, definition_version, status,
	current_step_id, context, waits, branches, error, failed_step_id,
	cancel_reason, created_at, updated_at`

// LoadInstance returns the snapshot for id.
func (s *LibSQLStore) LoadInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, wrapStoreErr("load instance", err)
	}
	return inst, nil
}

// ListInstances returns snapshots matching the filter, most recently
// updated first.
func (s *LibSQLStore) ListInstances(ctx context.Context, f InstanceFilter) ([]*schema.WorkflowInstance, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Definition != "" {
		where = append(where, "definition_name = ?")
		args = append(args, f.Definition)
	}

	query := `SELECT ` + instanceColumns + ` FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr("list instances", err)
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, wrapStoreErr("scan instance", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// DeleteInstance removes an instance snapshot along with its tasks and
// events.
func (s *LibSQLStore) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapStoreErr("delete instance", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr("delete instance", err)
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE instance_id = ?`, id); err != nil {
		return wrapStoreErr("delete instance tasks", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE instance_id = ?`, id); err != nil {
		return wrapStoreErr("delete instance events", err)
	}
	if err := tx.Commit(); err != nil {
		return wrapStoreErr("delete instance", err)
	}
	return nil
}

func scanInstance(sc rowScanner) (*schema.WorkflowInstance, error) {
	var (
		inst     schema.WorkflowInstance
		status   string
		current  sql.NullString
		ctxJSON  string
		waits    sql.NullString
		branches sql.NullString
		errMsg   sql.NullString
		failedID sql.NullString
		reason   sql.NullString
	)
	err := sc.Scan(&inst.ID, &inst.DefinitionName, &inst.DefinitionVersion,
		&status, &current, &ctxJSON, &waits, &branches, &errMsg, &failedID,
		&reason, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	inst.CurrentStepID = current.String
	inst.Error = errMsg.String
	inst.FailedStepID = failedID.String
	inst.CancelReason = reason.String

	var wc schema.WorkflowContext
	if err := json.Unmarshal([]byte(ctxJSON), &wc); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	inst.Context = &wc

	if waits.Valid && waits.String != "" {
		if err := json.Unmarshal([]byte(waits.String), &inst.Waits); err != nil {
			return nil, fmt.Errorf("decode waits: %w", err)
		}
	}
	if branches.Valid && branches.String != "" {
		if err := json.Unmarshal([]byte(branches.String), &inst.Branches); err != nil {
			return nil, fmt.Errorf("decode branches: %w", err)
		}
	}
	return &inst, nil
}

// SaveTask upserts a task record.
func (s *LibSQLStore) SaveTask(ctx context.Context, task *TaskRecord) error {
	if task == nil || task.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "task id is required")
	}
	inputSchema, err := marshalNullable(task.InputSchema, len(task.InputSchema) == 0)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode task input schema").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, instance_id, step_id, title, input_schema, assignee, due_at,
			status, resolved_by, resolved_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status      = excluded.status,
			resolved_by = excluded.resolved_by,
			resolved_at = excluded.resolved_at`,
		task.ID, task.InstanceID, task.StepID, task.Title, inputSchema,
		nullStr(task.Assignee), nullZeroTime(task.DueAt), string(task.Status),
		nullStr(task.ResolvedBy), nullTime(task.ResolvedAt), timeOrNow(task.CreatedAt))
	if err != nil {
		return wrapStoreErr("save task", err)
	}
	return nil
}

const taskColumns = `id, instance_id, step_id, title, input_schema, assignee,
	due_at, status, resolved_by, resolved_at, created_at`

// GetTask returns the task record for id.
func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	if err != nil {
		return nil, wrapStoreErr("load task", err)
	}
	return task, nil
}

// ListTasks returns task records matching the filter, oldest first so
// inboxes read in arrival order.
func (s *LibSQLStore) ListTasks(ctx context.Context, f TaskFilter) ([]*TaskRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.Assignee != "" {
		where = append(where, "assignee = ?")
		args = append(args, f.Assignee)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DueBefore != nil {
		where = append(where, "due_at IS NOT NULL AND due_at <= ?")
		args = append(args, f.DueBefore.UTC())
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr("list tasks", err)
	}
	defer rows.Close()

	var out []*TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapStoreErr("scan task", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(sc rowScanner) (*TaskRecord, error) {
	var (
		task        TaskRecord
		inputSchema sql.NullString
		assignee    sql.NullString
		dueAt       sql.NullTime
		status      string
		resolvedBy  sql.NullString
		resolvedAt  sql.NullTime
	)
	err := sc.Scan(&task.ID, &task.InstanceID, &task.StepID, &task.Title,
		&inputSchema, &assignee, &dueAt, &status, &resolvedBy, &resolvedAt,
		&task.CreatedAt)
	if err != nil {
		return nil, err
	}
	task.Assignee = assignee.String
	task.Status = TaskStatus(status)
	task.ResolvedBy = resolvedBy.String
	if dueAt.Valid {
		task.DueAt = dueAt.Time
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		task.ResolvedAt = &t
	}
	if inputSchema.Valid && inputSchema.String != "" {
		if err := json.Unmarshal([]byte(inputSchema.String), &task.InputSchema); err != nil {
			return nil, fmt.Errorf("decode input schema: %w", err)
		}
	}
	return &task, nil
}

// DueTimers projects timer waits due at or before the given time out of
// waiting instance snapshots, soonest first.
func (s *LibSQLStore) DueTimers(ctx context.Context, before time.Time, limit int) ([]TimerWait, error) {
	query := `
		SELECT i.id,
		       json_extract(w.value, '$.step_id'),
		       json_extract(w.value, '$.due_at')
		FROM instances i, json_each(i.waits) w
		WHERE i.status = ?
		  AND json_extract(w.value, '$.kind') = ?
		  AND datetime(json_extract(w.value, '$.due_at')) <= datetime(?)
		ORDER BY datetime(json_extract(w.value, '$.due_at')) ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query,
		string(schema.InstanceStatusWaiting), string(schema.StepKindTimer),
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, wrapStoreErr("list due timers", err)
	}
	defer rows.Close()

	var out []TimerWait
	for rows.Next() {
		var (
			tw  TimerWait
			due string
		)
		if err := rows.Scan(&tw.InstanceID, &tw.StepID, &due); err != nil {
			return nil, wrapStoreErr("scan due timer", err)
		}
		tw.DueAt, err = time.Parse(time.RFC3339Nano, due)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "parse timer due_at %q", due).WithCause(err)
		}
		out = append(out, tw)
	}
	return out, rows.Err()
}

// SaveSchedule upserts a recurring start schedule.
func (s *LibSQLStore) SaveSchedule(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule id is required")
	}
	input, err := marshalNullable(sched.Input, len(sched.Input) == 0)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "encode schedule input").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, definition_name, version, cron, input, enabled,
			next_run_at, last_run_at, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			definition_name = excluded.definition_name,
			version         = excluded.version,
			cron            = excluded.cron,
			input           = excluded.input,
			enabled         = excluded.enabled,
			next_run_at     = excluded.next_run_at,
			last_run_at     = excluded.last_run_at,
			last_error      = excluded.last_error,
			updated_at      = excluded.updated_at`,
		sched.ID, sched.Definition, nullStr(sched.Version), sched.Cron, input,
		sched.Enabled, nullTime(sched.NextRunAt), nullTime(sched.LastRunAt),
		nullStr(sched.LastError), timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt))
	if err != nil {
		return wrapStoreErr("save schedule", err)
	}
	return nil
}

const scheduleColumns = `id, definition_name, version, cron, input, enabled,
	next_run_at, last_run_at, last_error, created_at, updated_at`

// GetSchedule returns the schedule for id.
func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, wrapStoreErr("load schedule", err)
	}
	return sched, nil
}

// ListSchedules returns schedules matching the filter, soonest next run
// first.
func (s *LibSQLStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error) {
	var (
		where []string
		args  []any
	)
	if f.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *f.Enabled)
	}

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY next_run_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapStoreErr("list schedules", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, wrapStoreErr("scan schedule", err)
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule.
func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return wrapStoreErr("delete schedule", err)
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(sc rowScanner) (*Schedule, error) {
	var (
		sched     Schedule
		version   sql.NullString
		input     sql.NullString
		nextRun   sql.NullTime
		lastRun   sql.NullTime
		lastError sql.NullString
	)
	err := sc.Scan(&sched.ID, &sched.Definition, &version, &sched.Cron,
		&input, &sched.Enabled, &nextRun, &lastRun, &lastError,
		&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.Version = version.String
	sched.LastError = lastError.String
	if nextRun.Valid {
		t := nextRun.Time
		sched.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sched.LastRunAt = &t
	}
	if input.Valid && input.String != "" {
		if err := json.Unmarshal([]byte(input.String), &sched.Input); err != nil {
			return nil, fmt.Errorf("decode schedule input: %w", err)
		}
	}
	return &sched, nil
}

func wrapStoreErr(op string, err error) error {
	return schema.NewError(schema.ErrCodeStore, op).WithCause(err)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapStoreErr("rows affected", err)
	}
	if n == 0 {
		return storeNotFound(kind, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullZeroTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func marshalNullable(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
