package engine

import (
	"context"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/queue"
)

// SchedulerID is the queue scheduler key of a recurring job
func SchedulerID(jobID string) string {
	return "job:" + jobID
}

// retryPolicy allows maxRetries+1 deliveries per occurrence
func (e *Engine) retryPolicy(j *job.Job) queue.RetryPolicy {
	return queue.RetryPolicy{
		MaxAttempts: j.MaxRetries + 1,
		BackoffBase: e.config().BackoffBase(),
	}
}

// register installs the queue entry the job's type and status call for and
// records it on the job. Paused and finished jobs get nothing.
func (e *Engine) register(ctx context.Context, j *job.Job) error {
	switch {
	case j.Type == job.TypeRecurring && j.Status != job.StatusPaused:
		return e.upsertRecurringSchedule(ctx, j)
	case j.Type == job.TypeOneTime && j.Status == job.StatusScheduled:
		return e.enqueueOneTime(ctx, j)
	}
	return nil
}

// enqueueOneTime submits the job's single delayed task and records it
func (e *Engine) enqueueOneTime(ctx context.Context, j *job.Job) error {
	task, err := e.installOneTime(ctx, j)
	if err != nil {
		return err
	}
	if err := e.jobs.SetQueueRef(ctx, j.ID, task.ID, j.ScheduledAt); err != nil {
		return err
	}
	j.QueueRef = task.ID
	j.NextRunAt = j.ScheduledAt
	j.Version++
	return nil
}

// installOneTime enqueues the delayed task without recording it on the job.
// A scheduled time in the past fires immediately.
func (e *Engine) installOneTime(ctx context.Context, j *job.Job) (*queue.Task, error) {
	if j.ScheduledAt == nil || j.ScheduledAt.IsZero() {
		return nil, errors.NewValidationError("scheduledAt is required for one-time jobs")
	}
	delay := j.ScheduledAt.Sub(e.now())
	if delay < 0 {
		delay = 0
	}

	task, err := e.queue.EnqueueDelayed(ctx, j.ID, delay, e.retryPolicy(j))
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue one-time job")
	}
	e.logger.Debugw("One-time job enqueued",
		logger.FieldJobID, j.ID,
		logger.FieldTaskID, task.ID,
		logger.FieldDelay, delay,
	)
	return task, nil
}

// upsertRecurringSchedule installs or replaces the job's cron scheduler and records it
func (e *Engine) upsertRecurringSchedule(ctx context.Context, j *job.Job) error {
	sched, err := e.installRecurring(ctx, j)
	if err != nil {
		return err
	}
	next := sched.NextRunAt
	if err := e.jobs.SetQueueRef(ctx, j.ID, sched.ID, &next); err != nil {
		return err
	}
	j.QueueRef = sched.ID
	j.NextRunAt = &next
	j.Version++
	return nil
}

func (e *Engine) installRecurring(ctx context.Context, j *job.Job) (*queue.Scheduler, error) {
	sched, err := e.queue.UpsertScheduler(ctx, queue.SchedulerSpec{
		ID:       SchedulerID(j.ID),
		JobID:    j.ID,
		CronExpr: j.CronExpr,
		Timezone: j.Timezone,
		Policy:   e.retryPolicy(j),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to register recurring schedule")
	}
	e.logger.Debugw("Recurring schedule registered",
		logger.FieldJobID, j.ID,
		logger.FieldSchedulerID, sched.ID,
		logger.FieldRunAt, sched.NextRunAt,
	)
	return sched, nil
}

// removeRecurringSchedule deletes the job's scheduler and its waiting task.
// Removing a schedule that does not exist is a no-op.
func (e *Engine) removeRecurringSchedule(ctx context.Context, jobID string) error {
	removed, err := e.queue.RemoveScheduler(ctx, SchedulerID(jobID))
	if err != nil {
		return errors.Wrap(err, "failed to remove recurring schedule")
	}
	if removed {
		e.logger.Debugw("Recurring schedule removed", logger.FieldJobID, jobID)
	}
	return nil
}

// removeRegistration undoes whatever register installed for the job as it
// was before a change. Rerun tasks are left alone.
func (e *Engine) removeRegistration(ctx context.Context, j *job.Job) error {
	if j.Type == job.TypeRecurring {
		return e.removeRecurringSchedule(ctx, j.ID)
	}
	if _, err := e.queue.RemoveTask(ctx, j.QueueRef); err != nil {
		return errors.Wrap(err, "failed to remove one-time task")
	}
	return nil
}

// rerunNow submits an immediate task. It never touches scheduled_at or the
// existing registration.
func (e *Engine) rerunNow(ctx context.Context, j *job.Job) (*queue.Task, error) {
	task, err := e.queue.EnqueueRerun(ctx, j.ID, e.retryPolicy(j))
	if err != nil {
		return nil, errors.Wrap(err, "failed to enqueue rerun")
	}
	e.logger.Infow("Rerun enqueued", logger.FieldJobID, j.ID, logger.FieldTaskID, task.ID)
	return task, nil
}
