package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
)

const taskColumns = `id, job_id, scheduler_id, kind, occurrence_at, run_at,
	attempts_made, max_attempts, backoff_ms, state, last_error, created_at, updated_at`

const schedulerColumns = `id, job_id, cron_expr, timezone, max_attempts, backoff_ms,
	next_run_at, created_at, updated_at`

// execer is satisfied by *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EnqueueDelayed adds a delayed task that becomes due after delay.
// Negative delays are clamped to zero.
func (q *Queue) EnqueueDelayed(ctx context.Context, jobID string, delay time.Duration, policy RetryPolicy) (*Task, error) {
	if delay < 0 {
		delay = 0
	}
	now := q.now().UTC()
	return q.insertTask(ctx, q.db, jobID, "", KindDelayed, now.Add(delay), policy)
}

// EnqueueRerun adds a task that is due immediately
func (q *Queue) EnqueueRerun(ctx context.Context, jobID string, policy RetryPolicy) (*Task, error) {
	return q.insertTask(ctx, q.db, jobID, "", KindRerun, q.now().UTC(), policy)
}

func (q *Queue) insertTask(ctx context.Context, ex execer, jobID, schedulerID string, kind Kind, runAt time.Time, policy RetryPolicy) (*Task, error) {
	policy = policy.normalized()
	now := q.now().UTC()
	t := &Task{
		ID:           uuid.NewString(),
		JobID:        jobID,
		SchedulerID:  schedulerID,
		Kind:         kind,
		OccurrenceAt: runAt,
		RunAt:        runAt,
		MaxAttempts:  policy.MaxAttempts,
		BackoffMS:    policy.BackoffBase.Milliseconds(),
		State:        StateWaiting,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := ex.ExecContext(ctx,
		`INSERT INTO queue_tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.JobID, t.SchedulerID, t.Kind,
		db.FormatTime(t.OccurrenceAt), db.FormatTime(t.RunAt),
		t.AttemptsMade, t.MaxAttempts, t.BackoffMS, t.State, t.LastError,
		db.FormatTime(t.CreatedAt), db.FormatTime(t.UpdatedAt),
	)
	if err != nil {
		err = errors.Wrapf(err, "failed to enqueue %s task", kind)
		return nil, errors.WithDetailf(err, "Job ID: %s", jobID)
	}
	return t, nil
}

// UpsertScheduler installs or replaces a cron scheduler. The next run is
// computed from now, so re-registration never fires a missed occurrence.
func (q *Queue) UpsertScheduler(ctx context.Context, spec SchedulerSpec) (*Scheduler, error) {
	if spec.ID == "" || spec.JobID == "" {
		return nil, errors.NewInvalidRequestError("scheduler id and job id are required")
	}
	now := q.now().UTC()
	next, err := forecast.Next(spec.CronExpr, spec.Timezone, now)
	if err != nil {
		return nil, err
	}
	policy := spec.Policy.normalized()

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO queue_schedulers (`+schedulerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			job_id = excluded.job_id,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			max_attempts = excluded.max_attempts,
			backoff_ms = excluded.backoff_ms,
			next_run_at = excluded.next_run_at,
			updated_at = excluded.updated_at`,
		spec.ID, spec.JobID, spec.CronExpr, spec.Timezone,
		policy.MaxAttempts, policy.BackoffBase.Milliseconds(),
		db.FormatTime(next), db.FormatTime(now), db.FormatTime(now),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to upsert scheduler")
		return nil, errors.WithDetailf(err, "Scheduler ID: %s", spec.ID)
	}

	return q.GetScheduler(ctx, spec.ID)
}

// RemoveScheduler deletes a scheduler and its waiting tasks. Active tasks are
// left to finish. Removing a missing scheduler is not an error.
func (q *Queue) RemoveScheduler(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	var removed bool
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM queue_schedulers WHERE id = ?`, id)
		if err != nil {
			return errors.Wrap(err, "failed to delete scheduler")
		}
		n, _ := result.RowsAffected()
		removed = n > 0

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_tasks WHERE scheduler_id = ? AND state = ?`, id, StateWaiting); err != nil {
			return errors.Wrap(err, "failed to delete scheduler tasks")
		}
		return nil
	})
	if err != nil {
		return false, errors.WithDetailf(err, "Scheduler ID: %s", id)
	}
	return removed, nil
}

// RemoveTask deletes a task that has not started yet.
// It reports false when the task is missing or already running.
func (q *Queue) RemoveTask(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE id = ? AND state = ?`, id, StateWaiting)
	if err != nil {
		err = errors.Wrap(err, "failed to remove task")
		return false, errors.WithDetailf(err, "Task ID: %s", id)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RemoveJob deletes every scheduler and waiting task of a job
func (q *Queue) RemoveJob(ctx context.Context, jobID string) error {
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_schedulers WHERE job_id = ?`, jobID); err != nil {
			return errors.Wrap(err, "failed to delete job schedulers")
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queue_tasks WHERE job_id = ? AND state = ?`, jobID, StateWaiting); err != nil {
			return errors.Wrap(err, "failed to delete job tasks")
		}
		return nil
	})
	return errors.WithDetailf(err, "Job ID: %s", jobID)
}

// GetScheduler returns a scheduler by id
func (q *Queue) GetScheduler(ctx context.Context, id string) (*Scheduler, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+schedulerColumns+` FROM queue_schedulers WHERE id = ?`, id)
	s, err := scanScheduler(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("scheduler %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get scheduler")
	}
	return s, nil
}

// HasScheduler reports whether a scheduler is installed
func (q *Queue) HasScheduler(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_schedulers WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "failed to check scheduler")
	}
	return exists, nil
}

// ListSchedulers returns every installed scheduler
func (q *Queue) ListSchedulers(ctx context.Context) ([]*Scheduler, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT `+schedulerColumns+` FROM queue_schedulers ORDER BY next_run_at`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list schedulers")
	}
	defer rows.Close()

	var out []*Scheduler
	for rows.Next() {
		s, err := scanScheduler(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduler")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate schedulers")
}

// GetTask returns a task by id
func (q *Queue) GetTask(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("task %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get task")
	}
	return t, nil
}

// ListTasks returns a job's tasks, oldest first
func (q *Queue) ListTasks(ctx context.Context, jobID string) ([]*Task, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM queue_tasks WHERE job_id = ? ORDER BY created_at, rowid`, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate tasks")
}

// IsPending reports whether a task is still waiting or running
func (q *Queue) IsPending(ctx context.Context, taskID string) (bool, error) {
	if taskID == "" {
		return false, nil
	}
	var pending bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_tasks WHERE id = ? AND state IN (?, ?))`,
		taskID, StateWaiting, StateActive).Scan(&pending)
	if err != nil {
		return false, errors.Wrap(err, "failed to check task state")
	}
	return pending, nil
}

// HasPendingTask reports whether the job has a waiting or active task of the given kind
func (q *Queue) HasPendingTask(ctx context.Context, jobID string, kind Kind) (bool, error) {
	var pending bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_tasks WHERE job_id = ? AND kind = ? AND state IN (?, ?))`,
		jobID, kind, StateWaiting, StateActive).Scan(&pending)
	if err != nil {
		return false, errors.Wrap(err, "failed to check pending tasks")
	}
	return pending, nil
}

// HasActiveTask reports whether any delivery of the job is in flight
func (q *Queue) HasActiveTask(ctx context.Context, jobID string) (bool, error) {
	var active bool
	err := q.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM queue_tasks WHERE job_id = ? AND state = ?)`,
		jobID, StateActive).Scan(&active)
	if err != nil {
		return false, errors.Wrap(err, "failed to check active tasks")
	}
	return active, nil
}

// ReferencedJobIDs returns the distinct job ids that hold a scheduler or a waiting task
func (q *Queue) ReferencedJobIDs(ctx context.Context) ([]string, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT job_id FROM queue_schedulers
		UNION
		SELECT job_id FROM queue_tasks WHERE state = ?`, StateWaiting)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list referenced jobs")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan job id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "failed to iterate referenced jobs")
}

// Stats counts tasks per state and installed schedulers
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	rows, err := q.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_tasks GROUP BY state`)
	if err != nil {
		return st, errors.Wrap(err, "failed to query queue stats")
	}
	defer rows.Close()

	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return st, errors.Wrap(err, "failed to scan queue stats")
		}
		switch state {
		case StateWaiting:
			st.Waiting = n
		case StateActive:
			st.Active = n
		case StateCompleted:
			st.Completed = n
		case StateFailed:
			st.Failed = n
		case StateDiscarded:
			st.Discarded = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, errors.Wrap(err, "failed to iterate queue stats")
	}
	rows.Close()

	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_schedulers`).Scan(&st.Schedulers); err != nil {
		return st, errors.Wrap(err, "failed to count schedulers")
	}
	return st, nil
}

// Clear removes every scheduler and every task that is not currently running
func (q *Queue) Clear(ctx context.Context) (ClearResult, error) {
	var res ClearResult
	err := q.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM queue_tasks WHERE state != ?`, StateActive)
		if err != nil {
			return errors.Wrap(err, "failed to clear tasks")
		}
		res.Tasks, _ = result.RowsAffected()

		result, err = tx.ExecContext(ctx, `DELETE FROM queue_schedulers`)
		if err != nil {
			return errors.Wrap(err, "failed to clear schedulers")
		}
		res.Schedulers, _ = result.RowsAffected()
		return nil
	})
	return res, err
}

// PruneFinished deletes completed, failed and discarded tasks last touched before cutoff
func (q *Queue) PruneFinished(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_tasks WHERE state IN (?, ?, ?) AND updated_at < ?`,
		StateCompleted, StateFailed, StateDiscarded, db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune finished tasks")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (q *Queue) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var occurrenceAt, runAt, createdAt, updatedAt string
	if err := row.Scan(
		&t.ID, &t.JobID, &t.SchedulerID, &t.Kind, &occurrenceAt, &runAt,
		&t.AttemptsMade, &t.MaxAttempts, &t.BackoffMS, &t.State, &t.LastError,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if t.OccurrenceAt, err = db.ParseTime(occurrenceAt); err != nil {
		return nil, err
	}
	if t.RunAt, err = db.ParseTime(runAt); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func scanScheduler(row rowScanner) (*Scheduler, error) {
	var s Scheduler
	var nextRunAt, createdAt, updatedAt string
	if err := row.Scan(
		&s.ID, &s.JobID, &s.CronExpr, &s.Timezone, &s.MaxAttempts, &s.BackoffMS,
		&nextRunAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	if s.NextRunAt, err = db.ParseTime(nextRunAt); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = db.ParseTime(createdAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = db.ParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}
