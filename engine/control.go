package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/queue"
)

// maxUpdateAttempts bounds the optimistic-concurrency retry loop of control operations
const maxUpdateAttempts = 3

// Spec describes a job to create
type Spec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        job.Type        `json:"type"`
	Command     job.Command     `json:"command"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	CronExpr    string          `json:"cronExpr,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	// MaxRetries defaults to engine.default_max_retries when nil
	MaxRetries *int `json:"maxRetries,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Name        *string         `json:"name,omitempty"`
	Description *string         `json:"description,omitempty"`
	Type        *job.Type       `json:"type,omitempty"`
	Command     *job.Command    `json:"command,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	CronExpr    *string         `json:"cronExpr,omitempty"`
	Timezone    *string         `json:"timezone,omitempty"`
	MaxRetries  *int            `json:"maxRetries,omitempty"`
}

func (p Patch) apply(j *job.Job) {
	if p.Name != nil {
		j.Name = *p.Name
	}
	if p.Description != nil {
		j.Description = *p.Description
	}
	if p.Type != nil {
		j.Type = *p.Type
	}
	if p.Command != nil {
		j.Command = *p.Command
	}
	if len(p.Payload) > 0 {
		j.Payload = p.Payload
	}
	if p.ScheduledAt != nil {
		at := *p.ScheduledAt
		j.ScheduledAt = &at
	}
	if p.CronExpr != nil {
		j.CronExpr = *p.CronExpr
	}
	if p.Timezone != nil {
		j.Timezone = *p.Timezone
	}
	if p.MaxRetries != nil {
		j.MaxRetries = *p.MaxRetries
	}
}

// scheduleChanged reports whether the queue registration of before no longer matches after
func scheduleChanged(before, after *job.Job) bool {
	if before.Type != after.Type || before.MaxRetries != after.MaxRetries {
		return true
	}
	if after.Type == job.TypeRecurring {
		return before.CronExpr != after.CronExpr || before.Timezone != after.Timezone
	}
	return !timeEqual(before.ScheduledAt, after.ScheduledAt)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// CreateJob validates and persists a job, then registers it with the queue.
// A registration failure removes the job again so no unscheduled record is left behind.
func (e *Engine) CreateJob(ctx context.Context, ownerID string, spec Spec) (*job.Job, error) {
	maxRetries := e.config().DefaultMaxRetries
	if spec.MaxRetries != nil {
		maxRetries = *spec.MaxRetries
	}

	j := &job.Job{
		OwnerID:     ownerID,
		Name:        spec.Name,
		Description: spec.Description,
		Type:        spec.Type,
		Command:     spec.Command,
		Payload:     spec.Payload,
		ScheduledAt: spec.ScheduledAt,
		CronExpr:    spec.CronExpr,
		Timezone:    spec.Timezone,
		MaxRetries:  maxRetries,
	}
	if err := e.jobs.Create(ctx, j); err != nil {
		return nil, err
	}

	if err := e.register(ctx, j); err != nil {
		if _, delErr := e.jobs.Delete(ctx, ownerID, j.ID); delErr != nil {
			e.logger.Errorw("Failed to roll back job after registration failure",
				logger.FieldJobID, j.ID,
				logger.FieldError, delErr,
			)
		}
		if qErr := e.queue.RemoveJob(ctx, j.ID); qErr != nil {
			e.logger.Errorw("Failed to roll back queue entries", logger.FieldJobID, j.ID, logger.FieldError, qErr)
		}
		return nil, err
	}

	e.logger.Infow("Job created",
		logger.FieldJobID, j.ID,
		logger.FieldOwnerID, ownerID,
		logger.FieldCommand, j.Command,
		"type", j.Type,
	)
	return j, nil
}

// mutate applies fn to a fresh copy of the job and writes it, retrying on
// version conflicts. fn reports whether it changed anything; an unchanged job
// is returned without a write.
func (e *Engine) mutate(ctx context.Context, ownerID, id string, fn func(j *job.Job) (bool, error)) (*job.Job, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxUpdateAttempts; attempt++ {
		j, err := e.jobs.Get(ctx, ownerID, id)
		if err != nil {
			return nil, false, err
		}
		changed, err := fn(j)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return j, false, nil
		}

		err = e.jobs.Update(ctx, j)
		if err == nil {
			return j, true, nil
		}
		if !errors.IsConflictError(err) {
			return nil, false, err
		}
		lastErr = err
		e.logger.Debugw("Job changed concurrently, retrying",
			logger.FieldJobID, id,
			logger.FieldAttempt, attempt,
		)
	}
	return nil, false, errors.WithDetailf(lastErr, "Attempts: %d", maxUpdateAttempts)
}

// PauseJob stops a recurring job's schedule. An attempt already running is not
// cancelled, and its outcome does not undo the pause.
func (e *Engine) PauseJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	j, changed, err := e.mutate(ctx, ownerID, id, func(j *job.Job) (bool, error) {
		if j.Type != job.TypeRecurring {
			return false, errors.NewValidationError("only recurring jobs can be paused")
		}
		if j.Status == job.StatusPaused {
			return false, nil
		}
		j.Status = job.StatusPaused
		j.QueueRef = ""
		j.NextRunAt = nil
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return j, nil
	}
	if err := e.removeRecurringSchedule(ctx, j.ID); err != nil {
		return nil, err
	}
	e.logger.Infow("Job paused", logger.FieldJobID, j.ID, logger.FieldOwnerID, ownerID)
	return j, nil
}

// ResumeJob re-registers a paused recurring job. Resuming a job that is not
// paused returns it unchanged.
func (e *Engine) ResumeJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	j, changed, err := e.mutate(ctx, ownerID, id, func(j *job.Job) (bool, error) {
		if j.Type != job.TypeRecurring {
			return false, errors.NewValidationError("only recurring jobs can be resumed")
		}
		if j.Status != job.StatusPaused {
			return false, nil
		}
		j.Status = job.StatusActive
		j.RetryCount = 0
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return j, nil
	}
	if err := e.upsertRecurringSchedule(ctx, j); err != nil {
		return nil, err
	}
	e.logger.Infow("Job resumed", logger.FieldJobID, j.ID, logger.FieldOwnerID, ownerID)
	return j, nil
}

// ToggleJob pauses an unpaused recurring job and resumes a paused one
func (e *Engine) ToggleJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	j, err := e.jobs.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if j.Status == job.StatusPaused {
		return e.ResumeJob(ctx, ownerID, id)
	}
	return e.PauseJob(ctx, ownerID, id)
}

// UpdateJob applies patch. When the type or schedule changes, the old queue
// registration is removed before the new one is installed.
func (e *Engine) UpdateJob(ctx context.Context, ownerID, id string, patch Patch) (*job.Job, error) {
	var before job.Job
	var reschedule bool

	j, _, err := e.mutate(ctx, ownerID, id, func(j *job.Job) (bool, error) {
		before = *j
		patch.apply(j)
		j.Normalize()
		reschedule = scheduleChanged(&before, j)

		switch {
		case j.Type != before.Type:
			j.Status = job.InitialStatus(j.Type)
			j.RetryCount = 0
		case reschedule && j.Type == job.TypeOneTime &&
			(j.Status == job.StatusCompleted || j.Status == job.StatusFailed):
			// A new time re-arms a finished one-time job
			j.Status = job.StatusScheduled
			j.RetryCount = 0
		}
		if reschedule {
			j.QueueRef = ""
			j.NextRunAt = nil
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if reschedule {
		if err := e.removeRegistration(ctx, &before); err != nil {
			return nil, err
		}
		if err := e.register(ctx, j); err != nil {
			e.logger.Errorw("Job updated but not registered; the reconciler will retry",
				logger.FieldJobID, j.ID,
				logger.FieldError, err,
			)
			return nil, err
		}
	}

	e.logger.Infow("Job updated",
		logger.FieldJobID, j.ID,
		logger.FieldOwnerID, ownerID,
		"rescheduled", reschedule,
	)
	return j, nil
}

// DeleteJob removes the job and its queue entries and returns the deleted record.
// An attempt already running finishes and still writes its log.
func (e *Engine) DeleteJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	j, err := e.jobs.Delete(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := e.queue.RemoveJob(ctx, j.ID); err != nil {
		// Leftover entries are discarded as orphans when they fire
		e.logger.Warnw("Failed to remove queue entries of deleted job",
			logger.FieldJobID, j.ID,
			logger.FieldError, err,
		)
	}
	e.logger.Infow("Job deleted", logger.FieldJobID, j.ID, logger.FieldOwnerID, ownerID)
	return j, nil
}

// RerunJob runs the job once now, alongside any pending scheduled firing.
// A finished job becomes active again; a paused job must be resumed first.
func (e *Engine) RerunJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	j, _, err := e.mutate(ctx, ownerID, id, func(j *job.Job) (bool, error) {
		switch j.Status {
		case job.StatusPaused:
			return false, errors.WithHint(
				errors.NewValidationError("job %s is paused", j.ID),
				"resume the job before rerunning it")
		case job.StatusCompleted, job.StatusFailed:
			j.Status = job.StatusActive
			j.RetryCount = 0
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.rerunNow(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// GetJob returns one of the owner's jobs
func (e *Engine) GetJob(ctx context.Context, ownerID, id string) (*job.Job, error) {
	return e.jobs.Get(ctx, ownerID, id)
}

// ListJobs returns the owner's jobs, newest first
func (e *Engine) ListJobs(ctx context.Context, ownerID string, filter job.ListFilter) ([]*job.Job, error) {
	return e.jobs.List(ctx, ownerID, filter)
}

// GetJobStats counts the owner's jobs per status
func (e *Engine) GetJobStats(ctx context.Context, ownerID string) (job.Stats, error) {
	return e.jobs.Stats(ctx, ownerID)
}

// ForecastOccurrences previews when the owner's jobs will fire within w.
// Paused jobs and one-time jobs that already ran are left out.
func (e *Engine) ForecastOccurrences(ctx context.Context, ownerID string, w forecast.Window) (*forecast.Forecast, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	jobs, err := e.jobs.List(ctx, ownerID, job.ListFilter{})
	if err != nil {
		return nil, err
	}

	entries := make([]forecast.Entry, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == job.StatusPaused {
			continue
		}
		if j.Type == job.TypeOneTime && j.Status != job.StatusScheduled {
			continue
		}
		entries = append(entries, j.ForecastEntry())
	}
	return forecast.ForJobs(entries, w)
}

// JobLogs pages the owner's execution logs, optionally for one job
func (e *Engine) JobLogs(ctx context.Context, ownerID, jobID string, page, limit int) (*job.LogPage, error) {
	var ids []string
	if jobID != "" {
		ids = []string{jobID}
	}
	return e.logs.Page(ctx, ownerID, ids, page, limit)
}

// RecentLogs returns the owner's newest logs across all jobs
func (e *Engine) RecentLogs(ctx context.Context, ownerID string, limit int) ([]*job.Log, error) {
	_, limit = job.ClampPage(1, limit)
	return e.logs.Recent(ctx, ownerID, limit)
}

// ClearQueue wipes every scheduler and every task not currently running.
// Job records are untouched, so the next reconcile re-registers live jobs.
func (e *Engine) ClearQueue(ctx context.Context) (queue.ClearResult, error) {
	res, err := e.queue.Clear(ctx)
	if err != nil {
		return res, err
	}
	e.logger.Warnw("Queue cleared",
		"tasks", res.Tasks,
		"schedulers", res.Schedulers,
	)
	return res, nil
}

// QueueStats reports queue depth per state
func (e *Engine) QueueStats(ctx context.Context) (queue.Stats, error) {
	return e.queue.Stats(ctx)
}
