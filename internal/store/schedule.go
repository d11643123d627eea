package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/manorhq/manor/internal/fault"
)

// ScheduleStore owns one butler's scheduled_tasks table.
type ScheduleStore struct {
	db     *sql.DB
	schema string
	logger *log.Logger
}

func NewScheduleStore(s *Store, schema string) (*ScheduleStore, error) {
	if err := safeIdent(schema); err != nil {
		return nil, err
	}
	return &ScheduleStore{
		db:     s.DB,
		schema: schema,
		logger: log.New(log.Writer(), "[SCHEDULE] ", log.LstdFlags),
	}, nil
}

type Task struct {
	ID           int64           `json:"id"`
	Name         string          `json:"name"`
	Spec         string          `json:"spec"`
	DispatchMode string          `json:"dispatch_mode"`
	Prompt       string          `json:"prompt,omitempty"`
	JobName      string          `json:"job_name,omitempty"`
	JobArgs      json.RawMessage `json:"job_args,omitempty"`
	Enabled      bool            `json:"enabled"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	LastResult   string          `json:"last_result,omitempty"`
	UntilAt      *time.Time      `json:"until_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// TaskAdvance is the pure decision the scheduler makes for one due task.
type TaskAdvance struct {
	Fire       bool
	Disable    bool
	NextRunAt  *time.Time
	LastResult string
}

const uniqueViolation = "23505"

// Create inserts a new task. Names are unique per butler; callers
// replacing a one-shot must delete the old row first.
func (s *ScheduleStore) Create(ctx context.Context, t Task) (*Task, error) {
	if (t.Prompt == "") == (t.JobName == "") {
		return nil, fault.New(fault.CodeToolError, "exactly one of prompt/job_name must be set")
	}
	if !t.Enabled && t.NextRunAt != nil {
		return nil, fault.New(fault.CodeToolError, "disabled tasks cannot carry next_run_at")
	}
	if t.Enabled && t.NextRunAt == nil {
		return nil, fault.New(fault.CodeToolError, "enabled tasks need next_run_at")
	}

	var jobArgs interface{}
	if len(t.JobArgs) > 0 {
		jobArgs = []byte(t.JobArgs)
	}
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		INSERT INTO %s.scheduled_tasks
			(name, spec, dispatch_mode, prompt, job_name, job_args, enabled, next_run_at, until_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`, s.schema),
		t.Name, t.Spec, t.DispatchMode, nullable(t.Prompt), nullable(t.JobName),
		jobArgs, t.Enabled, t.NextRunAt, t.UntilAt,
	).Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && string(pqErr.Code) == uniqueViolation {
			return nil, fault.Newf(fault.CodeNotPermitted, "task %q already exists; delete it first", t.Name)
		}
		return nil, fault.Wrap(fault.CodeInternal, "create task", err)
	}
	return &t, nil
}

// Delete removes a task by name. Deleting a missing task reports
// not_found so callers can tell replace-flows apart from typos.
func (s *ScheduleStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s.scheduled_tasks WHERE name = $1`, s.schema), name)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "delete task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Newf(fault.CodeNotFound, "task %q", name)
	}
	return nil
}

// Get loads one task by name.
func (s *ScheduleStore) Get(ctx context.Context, name string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.scheduled_tasks WHERE name = $1`, taskColumns, s.schema), name)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fault.Newf(fault.CodeNotFound, "task %q", name)
	}
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "load task", err)
	}
	return t, nil
}

// List returns every task, enabled or not.
func (s *ScheduleStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s.scheduled_tasks ORDER BY name`, taskColumns, s.schema))
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan task", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DueTaskIDs lists tasks worth visiting this tick.
func (s *ScheduleStore) DueTaskIDs(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s.scheduled_tasks
		 WHERE enabled = true AND next_run_at <= $1
		 ORDER BY next_run_at ASC`, s.schema), now)
	if err != nil {
		return nil, fault.Wrap(fault.CodeInternal, "list due tasks", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fault.Wrap(fault.CodeInternal, "scan due id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Advance runs the fire-or-expire decision for one task inside a single
// transaction. The row is re-checked under FOR UPDATE SKIP LOCKED so two
// scheduler processes can never both fire it, and a crash before commit
// leaves next_run_at untouched (the next tick simply re-decides).
// It returns the task as it looked when the decision was made, and
// whether decide chose to fire.
func (s *ScheduleStore) Advance(ctx context.Context, id int64, now time.Time, decide func(Task) TaskAdvance) (*Task, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fault.Wrap(fault.CodeInternal, "begin advance", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s.scheduled_tasks
		 WHERE id = $1 AND enabled = true AND next_run_at <= $2
		 FOR UPDATE SKIP LOCKED`, taskColumns, s.schema), id, now)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		// claimed by a peer or no longer due
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.CodeInternal, "claim task", err)
	}

	adv := decide(*t)

	enabled := !adv.Disable
	var nextRunAt *time.Time
	if enabled {
		nextRunAt = adv.NextRunAt
	}
	if enabled && nextRunAt == nil {
		// cron must always produce a next occurrence; refuse to strand the row
		return nil, false, fault.Newf(fault.CodeInternal, "task %q advanced without next_run_at", t.Name)
	}

	if adv.Fire {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s.scheduled_tasks
			   SET enabled = $2, next_run_at = $3, last_run_at = $4, last_result = $5
			 WHERE id = $1`, s.schema),
			id, enabled, nextRunAt, now, nullable(adv.LastResult))
	} else {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s.scheduled_tasks
			   SET enabled = $2, next_run_at = $3, last_result = $4
			 WHERE id = $1`, s.schema),
			id, enabled, nextRunAt, nullable(adv.LastResult))
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.CodeInternal, "advance task", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fault.Wrap(fault.CodeInternal, "commit advance", err)
	}
	return t, adv.Fire, nil
}

// RecordResult updates last_result outside the fire transaction, used
// for post-dispatch outcomes (job errors, enqueue failures).
func (s *ScheduleStore) RecordResult(ctx context.Context, name, result string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s.scheduled_tasks SET last_result = $2 WHERE name = $1`, s.schema), name, result)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "record task result", err)
	}
	return nil
}

const taskColumns = `id, name, spec, dispatch_mode, COALESCE(prompt, ''), COALESCE(job_name, ''),
	job_args, enabled, next_run_at, last_run_at, COALESCE(last_result, ''), until_at, created_at`

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var jobArgs []byte
	var nextRun, lastRun, until sql.NullTime
	if err := r.Scan(&t.ID, &t.Name, &t.Spec, &t.DispatchMode, &t.Prompt, &t.JobName,
		&jobArgs, &t.Enabled, &nextRun, &lastRun, &t.LastResult, &until, &t.CreatedAt); err != nil {
		return nil, err
	}
	if len(jobArgs) > 0 {
		t.JobArgs = jobArgs
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRunAt = &v
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRunAt = &v
	}
	if until.Valid {
		v := until.Time
		t.UntilAt = &v
	}
	return &t, nil
}
