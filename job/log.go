package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// LogStatus is the outcome recorded for one delivery
type LogStatus string

const (
	LogCompleted LogStatus = "completed"
	LogFailed    LogStatus = "failed"
	LogSkipped   LogStatus = "skipped"
)

// Log is an append-only record of one execution attempt.
// Name and command are snapshots so the row stays readable after the job is deleted.
type Log struct {
	ID         string          `json:"id"`
	JobID      string          `json:"jobId"`
	OwnerID    string          `json:"ownerId"`
	JobName    string          `json:"jobName"`
	Command    Command         `json:"command"`
	Status     LogStatus       `json:"status"`
	Attempt    int             `json:"attempt"`
	RunAt      time.Time       `json:"runAt"`
	DurationMS int64           `json:"durationMs"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// LogPage is one page of logs plus the paging totals
type LogPage struct {
	Items      []*Log `json:"items"`
	Total      int    `json:"total"`
	Page       int    `json:"page"`
	Limit      int    `json:"limit"`
	TotalPages int    `json:"totalPages"`
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ClampPage applies paging defaults: page starts at 1, limit defaults to
// DefaultPageLimit and never exceeds MaxPageLimit.
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// TotalPages returns the page count for total rows at limit rows per page
func TotalPages(total, limit int) int {
	if limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

const logColumns = `id, job_id, owner_id, job_name, command, status, attempt,
	run_at, duration_ms, output, error, created_at`

// LogStore persists execution logs
type LogStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewLogStore creates a log store
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db, now: time.Now}
}

// Append inserts a log row. ID, run time and creation time are filled when unset.
func (s *LogStore) Append(ctx context.Context, l *Log) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if l.RunAt.IsZero() {
		l.RunAt = now
	}
	l.CreatedAt = now
	if l.Attempt < 1 {
		l.Attempt = 1
	}

	var output string
	if len(l.Output) > 0 {
		output = string(l.Output)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_logs (`+logColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID,
		l.JobID,
		l.OwnerID,
		l.JobName,
		l.Command,
		l.Status,
		l.Attempt,
		db.FormatTime(l.RunAt),
		l.DurationMS,
		output,
		l.Error,
		db.FormatTime(l.CreatedAt),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to append job log")
		return errors.WithDetailf(err, "Job ID: %s", l.JobID)
	}
	return nil
}

// Recent returns the owner's newest logs across all jobs
func (s *LogStore) Recent(ctx context.Context, ownerID string, limit int) ([]*Log, error) {
	_, limit = ClampPage(1, limit)
	return s.query(ctx,
		`SELECT `+logColumns+` FROM job_logs WHERE owner_id = ? ORDER BY run_at DESC, rowid DESC LIMIT ?`,
		ownerID, limit)
}

// Page returns one page of the owner's logs, newest first.
// A non-empty jobIDs narrows the page to those jobs.
func (s *LogStore) Page(ctx context.Context, ownerID string, jobIDs []string, page, limit int) (*LogPage, error) {
	page, limit = ClampPage(page, limit)

	where := `owner_id = ?`
	args := []interface{}{ownerID}
	if len(jobIDs) > 0 {
		where += ` AND job_id IN (` + strings.TrimSuffix(strings.Repeat("?, ", len(jobIDs)), ", ") + `)`
		for _, id := range jobIDs {
			args = append(args, id)
		}
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_logs WHERE `+where, args...).Scan(&total); err != nil {
		return nil, errors.Wrap(err, "failed to count job logs")
	}

	items, err := s.query(ctx,
		`SELECT `+logColumns+` FROM job_logs WHERE `+where+` ORDER BY run_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, err
	}

	return &LogPage{
		Items:      items,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: TotalPages(total, limit),
	}, nil
}

// ForJob returns every log of a job, oldest first
func (s *LogStore) ForJob(ctx context.Context, jobID string) ([]*Log, error) {
	return s.query(ctx,
		`SELECT `+logColumns+` FROM job_logs WHERE job_id = ? ORDER BY run_at, rowid`, jobID)
}

// Latest returns the newest log of a job
func (s *LogStore) Latest(ctx context.Context, jobID string) (*Log, error) {
	logs, err := s.query(ctx,
		`SELECT `+logColumns+` FROM job_logs WHERE job_id = ? ORDER BY run_at DESC, rowid DESC LIMIT 1`, jobID)
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, errors.NewNotFoundError("no logs for job %s", jobID)
	}
	return logs[0], nil
}

// CountForJob returns how many logs a job has
func (s *LogStore) CountForJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_logs WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count job logs")
	}
	return n, nil
}

// DeleteOlderThan removes the owner's logs that ran before cutoff
func (s *LogStore) DeleteOlderThan(ctx context.Context, ownerID string, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM job_logs WHERE owner_id = ? AND run_at < ?`, ownerID, db.FormatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete old job logs")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to check rows affected")
	}
	return n, nil
}

func (s *LogStore) query(ctx context.Context, query string, args ...interface{}) ([]*Log, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query job logs")
	}
	defer rows.Close()

	logs := []*Log{}
	for rows.Next() {
		var l Log
		var output, runAt, createdAt string
		if err := rows.Scan(
			&l.ID, &l.JobID, &l.OwnerID, &l.JobName, &l.Command, &l.Status, &l.Attempt,
			&runAt, &l.DurationMS, &output, &l.Error, &createdAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan job log")
		}
		if output != "" {
			l.Output = json.RawMessage(output)
		}
		if l.RunAt, err = db.ParseTime(runAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse run_at")
		}
		if l.CreatedAt, err = db.ParseTime(createdAt); err != nil {
			return nil, errors.Wrap(err, "failed to parse created_at")
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate job logs")
	}
	return logs, nil
}
