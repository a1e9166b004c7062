package job

import (
	"database/sql"
	"encoding/json"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
)

// jobColumns is the column list every job SELECT uses, in scan order
const jobColumns = `id, owner_id, name, description, type, command, payload,
	scheduled_at, cron_expr, timezone, status, retry_count, max_retries,
	last_run_at, next_run_at, queue_ref, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// jobScanArgs holds the nullable and text-encoded columns of a job row
type jobScanArgs struct {
	Payload     string
	ScheduledAt sql.NullString
	CronExpr    sql.NullString
	LastRunAt   sql.NullString
	NextRunAt   sql.NullString
	CreatedAt   string
	UpdatedAt   string
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var args jobScanArgs

	err := row.Scan(
		&j.ID,
		&j.OwnerID,
		&j.Name,
		&j.Description,
		&j.Type,
		&j.Command,
		&args.Payload,
		&args.ScheduledAt,
		&args.CronExpr,
		&j.Timezone,
		&j.Status,
		&j.RetryCount,
		&j.MaxRetries,
		&args.LastRunAt,
		&args.NextRunAt,
		&j.QueueRef,
		&j.Version,
		&args.CreatedAt,
		&args.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := processJobScanArgs(&j, &args); err != nil {
		return nil, errors.WithDetailf(err, "Job ID: %s", j.ID)
	}
	return &j, nil
}

func processJobScanArgs(j *Job, args *jobScanArgs) error {
	j.Payload = json.RawMessage(args.Payload)
	if args.CronExpr.Valid {
		j.CronExpr = args.CronExpr.String
	}

	var err error
	if j.ScheduledAt, err = db.ParseNullTime(args.ScheduledAt); err != nil {
		return errors.Wrap(err, "failed to parse scheduled_at")
	}
	if j.LastRunAt, err = db.ParseNullTime(args.LastRunAt); err != nil {
		return errors.Wrap(err, "failed to parse last_run_at")
	}
	if j.NextRunAt, err = db.ParseNullTime(args.NextRunAt); err != nil {
		return errors.Wrap(err, "failed to parse next_run_at")
	}
	if j.CreatedAt, err = db.ParseTime(args.CreatedAt); err != nil {
		return errors.Wrap(err, "failed to parse created_at")
	}
	if j.UpdatedAt, err = db.ParseTime(args.UpdatedAt); err != nil {
		return errors.Wrap(err, "failed to parse updated_at")
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
