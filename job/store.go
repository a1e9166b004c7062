package job

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// Store persists job records. Every owner-facing method is scoped by owner id,
// so a foreign job is indistinguishable from a missing one.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a job store over an open, migrated database
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Create validates and inserts a new job. ID, status, version and timestamps
// are filled in when unset.
func (s *Store) Create(ctx context.Context, j *Job) error {
	j.Normalize()
	if err := j.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = InitialStatus(j.Type)
	}
	j.Version = 1
	j.CreatedAt = now
	j.UpdatedAt = now

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		j.ID,
		j.OwnerID,
		j.Name,
		j.Description,
		j.Type,
		j.Command,
		string(j.Payload),
		db.FormatTimePtr(j.ScheduledAt),
		nullString(j.CronExpr),
		j.Timezone,
		j.Status,
		j.RetryCount,
		j.MaxRetries,
		db.FormatTimePtr(j.LastRunAt),
		db.FormatTimePtr(j.NextRunAt),
		j.QueueRef,
		j.Version,
		db.FormatTime(j.CreatedAt),
		db.FormatTime(j.UpdatedAt),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to create job")
		return errors.WithDetailf(err, "Job ID: %s", j.ID)
	}
	return nil
}

// Get returns the owner's job
func (s *Store) Get(ctx context.Context, ownerID, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to get job")
		return nil, errors.WithDetailf(err, "Job ID: %s", id)
	}
	return j, nil
}

// GetByID returns a job regardless of owner. Used by the dispatcher and reconciler.
func (s *Store) GetByID(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	if err != nil {
		err = errors.Wrap(err, "failed to get job")
		return nil, errors.WithDetailf(err, "Job ID: %s", id)
	}
	return j, nil
}

// List returns the owner's jobs, newest first
func (s *Store) List(ctx context.Context, ownerID string, filter ListFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ?`
	args := []interface{}{ownerID}

	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	return s.queryJobs(ctx, query, args...)
}

// ListSchedulable returns jobs of every owner that should hold a queue registration
// or may be stuck mid-attempt. Recurring jobs keep their schedule after a
// final failure, so they are included whatever their status unless paused.
func (s *Store) ListSchedulable(ctx context.Context) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE status IN ('active', 'scheduled', 'running')
		   OR (type = 'recurring' AND status != 'paused')
		ORDER BY created_at`
	return s.queryJobs(ctx, query)
}

// StatusIndex maps every job id to its status. The reconciler uses it to find
// queue entries of deleted or paused jobs.
func (s *Store) StatusIndex(ctx context.Context) (map[string]Status, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status FROM jobs`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job ids")
	}
	defer rows.Close()

	index := make(map[string]Status)
	for rows.Next() {
		var id string
		var status Status
		if err := rows.Scan(&id, &status); err != nil {
			return nil, errors.Wrap(err, "failed to scan job status")
		}
		index[id] = status
	}
	return index, errors.Wrap(rows.Err(), "failed to iterate job ids")
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query jobs")
	}
	defer rows.Close()

	jobs := []*Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate jobs")
	}
	return jobs, nil
}

// Update writes every mutable field of j, guarded by j.Version.
// A stale version returns a conflict error; on success j.Version is advanced.
func (s *Store) Update(ctx context.Context, j *Job) error {
	j.Normalize()
	if err := j.Validate(); err != nil {
		return err
	}

	now := s.now().UTC()
	query := `UPDATE jobs SET
			name = ?, description = ?, type = ?, command = ?, payload = ?,
			scheduled_at = ?, cron_expr = ?, timezone = ?, status = ?,
			retry_count = ?, max_retries = ?, last_run_at = ?, next_run_at = ?,
			queue_ref = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND owner_id = ? AND version = ?`

	result, err := s.db.ExecContext(ctx, query,
		j.Name,
		j.Description,
		j.Type,
		j.Command,
		string(j.Payload),
		db.FormatTimePtr(j.ScheduledAt),
		nullString(j.CronExpr),
		j.Timezone,
		j.Status,
		j.RetryCount,
		j.MaxRetries,
		db.FormatTimePtr(j.LastRunAt),
		db.FormatTimePtr(j.NextRunAt),
		j.QueueRef,
		db.FormatTime(now),
		j.ID,
		j.OwnerID,
		j.Version,
	)
	if err != nil {
		err = errors.Wrap(err, "failed to update job")
		return errors.WithDetailf(err, "Job ID: %s", j.ID)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if rowsAffected == 0 {
		if _, getErr := s.Get(ctx, j.OwnerID, j.ID); getErr != nil {
			return getErr
		}
		err := errors.NewConflictError("job %s was modified concurrently", j.ID)
		return errors.WithDetailf(err, "Expected version: %d", j.Version)
	}

	j.Version++
	j.UpdatedAt = now
	return nil
}

// Delete removes the owner's job and returns the deleted record
func (s *Store) Delete(ctx context.Context, ownerID, id string) (*Job, error) {
	j, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		err = errors.Wrap(err, "failed to delete job")
		return nil, errors.WithDetailf(err, "Job ID: %s", id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.NewNotFoundError("job %s not found", id)
	}
	return j, nil
}

// Stats counts the owner's jobs per status
func (s *Store) Stats(ctx context.Context, ownerID string) (Stats, error) {
	var st Stats
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs WHERE owner_id = ? GROUP BY status`, ownerID)
	if err != nil {
		return st, errors.Wrap(err, "failed to query job stats")
	}
	defer rows.Close()

	for rows.Next() {
		var status Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, errors.Wrap(err, "failed to scan job stats")
		}
		st.Total += n
		switch status {
		case StatusActive:
			st.Active = n
		case StatusScheduled:
			st.Scheduled = n
		case StatusPaused:
			st.Paused = n
		case StatusRunning:
			st.Running = n
		case StatusFailed:
			st.Failed = n
		case StatusCompleted:
			st.Completed = n
		}
	}
	return st, errors.Wrap(rows.Err(), "failed to iterate job stats")
}

// Claim atomically moves the job to running when its current status is one of
// allowed, stamping last_run_at. It reports whether the claim won.
func (s *Store) Claim(ctx context.Context, id string, allowed []Status) (bool, error) {
	if len(allowed) == 0 {
		return false, nil
	}
	now := db.FormatTime(s.now())

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allowed)), ", ")
	query := `UPDATE jobs SET status = ?, last_run_at = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders + `)`

	args := []interface{}{StatusRunning, now, now, id}
	for _, st := range allowed {
		args = append(args, st)
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = errors.Wrap(err, "failed to claim job")
		return false, errors.WithDetailf(err, "Job ID: %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to check rows affected")
	}
	return n == 1, nil
}

// SetStatus performs the dispatcher's narrow post-attempt write.
// Status is last-write-wins; version is still bumped so concurrent full
// updates notice the change.
func (s *Store) SetStatus(ctx context.Context, id string, u StatusUpdate) error {
	now := db.FormatTime(s.now())
	query := `UPDATE jobs SET status = ?, retry_count = ?, version = version + 1, updated_at = ?`
	args := []interface{}{u.Status, u.RetryCount, now}
	if u.NextRunAt != nil {
		query += `, next_run_at = ?`
		args = append(args, db.FormatTimePtr(u.NextRunAt))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	return s.execOne(ctx, "failed to set job status", id, query, args...)
}

// Finish is SetStatus for the end of an attempt: it applies only while the job
// is still running. NotFound means the job was deleted or a control operation
// changed its status mid-flight, and that change wins.
func (s *Store) Finish(ctx context.Context, id string, u StatusUpdate) error {
	now := db.FormatTime(s.now())
	query := `UPDATE jobs SET status = ?, retry_count = ?, version = version + 1, updated_at = ?`
	args := []interface{}{u.Status, u.RetryCount, now}
	if u.NextRunAt != nil {
		query += `, next_run_at = ?`
		args = append(args, db.FormatTimePtr(u.NextRunAt))
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, id, StatusRunning)

	return s.execOne(ctx, "failed to finish job attempt", id, query, args...)
}

// SetQueueRef records the live queue registration and the next expected run
func (s *Store) SetQueueRef(ctx context.Context, id, ref string, nextRunAt *time.Time) error {
	query := `UPDATE jobs SET queue_ref = ?, next_run_at = ?, version = version + 1, updated_at = ? WHERE id = ?`
	return s.execOne(ctx, "failed to set queue ref", id, query,
		ref, db.FormatTimePtr(nextRunAt), db.FormatTime(s.now()), id)
}

// SetQueueRefIfUnchanged is SetQueueRef guarded by version. A job changed
// since it was read returns a conflict error, a deleted one NotFound.
func (s *Store) SetQueueRefIfUnchanged(ctx context.Context, id string, version int, ref string, nextRunAt *time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET queue_ref = ?, next_run_at = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		ref, db.FormatTimePtr(nextRunAt), db.FormatTime(s.now()), id, version)
	if err != nil {
		err = errors.Wrap(err, "failed to set queue ref")
		return errors.WithDetailf(err, "Job ID: %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		err := errors.NewConflictError("job %s was modified concurrently", id)
		return errors.WithDetailf(err, "Expected version: %d", version)
	}
	return nil
}

func (s *Store) execOne(ctx context.Context, msg, id, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		err = errors.Wrap(err, msg)
		return errors.WithDetailf(err, "Job ID: %s", id)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check rows affected")
	}
	if n == 0 {
		return errors.NewNotFoundError("job %s not found", id)
	}
	return nil
}
