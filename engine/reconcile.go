package engine

import (
	"context"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/queue"
)

// ReconcileReport counts the corrections one reconcile pass made
type ReconcileReport struct {
	Registered int `json:"registered"` // recurring schedulers reinstalled
	Enqueued   int `json:"enqueued"`   // one-time tasks re-enqueued
	Reset      int `json:"reset"`      // jobs released from a stale running status
	Removed    int `json:"removed"`    // queue entries of deleted or paused jobs dropped
}

// Changed reports whether the pass corrected anything
func (r ReconcileReport) Changed() bool {
	return r.Registered+r.Enqueued+r.Reset+r.Removed > 0
}

// Reconcile re-derives the queue registrations from job records and corrects drift:
//   - a job stuck in running with no active task returns to its resting status
//   - an unpaused recurring job without a scheduler gets one
//   - a scheduled one-time job without a pending task is enqueued again
//   - schedulers and waiting tasks of deleted or paused jobs are removed
//
// Per-job failures are logged and do not stop the pass.
func (e *Engine) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	jobs, err := e.jobs.ListSchedulable(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to list schedulable jobs")
	}

	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.reconcileJob(ctx, j, &report); err != nil {
			e.logger.Errorw("Failed to reconcile job",
				logger.FieldJobID, j.ID,
				logger.FieldStatus, j.Status,
				logger.FieldError, err,
			)
		}
	}

	removed, err := e.removeStrays(ctx)
	report.Removed = removed
	if err != nil {
		return report, err
	}
	return report, nil
}

func (e *Engine) reconcileJob(ctx context.Context, listed *job.Job, report *ReconcileReport) error {
	// The listing can be minutes old by the time the pass reaches this job
	j, err := e.jobs.GetByID(ctx, listed.ID)
	if errors.IsNotFoundError(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if j.Version != listed.Version {
		e.logger.Debugw("Job changed during the pass, left for the next one", logger.FieldJobID, j.ID)
		return nil
	}

	if j.Status == job.StatusRunning {
		active, err := e.queue.HasActiveTask(ctx, j.ID)
		if err != nil {
			return err
		}
		if active {
			return nil
		}
		resting := job.InitialStatus(j.Type)
		if err := e.jobs.Finish(ctx, j.ID, job.StatusUpdate{Status: resting, RetryCount: j.RetryCount}); err != nil {
			if errors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		j.Status = resting
		j.Version++
		report.Reset++
		e.logger.Warnw("Released job stuck in running", logger.FieldJobID, j.ID)
	}

	switch j.Type {
	case job.TypeRecurring:
		if j.Status == job.StatusPaused {
			return nil
		}
		exists, err := e.queue.HasScheduler(ctx, SchedulerID(j.ID))
		if err != nil || exists {
			return err
		}
		restored, err := e.restoreRecurring(ctx, j)
		if err != nil || !restored {
			return err
		}
		report.Registered++
		e.logger.Infow("Recurring schedule restored", logger.FieldJobID, j.ID)

	case job.TypeOneTime:
		if j.Status != job.StatusScheduled {
			return nil
		}
		for _, kind := range []queue.Kind{queue.KindDelayed, queue.KindRerun} {
			pending, err := e.queue.HasPendingTask(ctx, j.ID, kind)
			if err != nil || pending {
				return err
			}
		}
		restored, err := e.restoreOneTime(ctx, j)
		if err != nil || !restored {
			return err
		}
		report.Enqueued++
		e.logger.Infow("One-time job re-enqueued", logger.FieldJobID, j.ID)
	}
	return nil
}

// restoreRecurring installs the scheduler of j and records it only while the
// job is still at the version the pass read. If the job changed in between,
// the scheduler is made to match the current record: removed for a job that
// is gone, paused or no longer recurring, re-derived otherwise.
func (e *Engine) restoreRecurring(ctx context.Context, j *job.Job) (bool, error) {
	sched, err := e.installRecurring(ctx, j)
	if err != nil {
		return false, err
	}
	next := sched.NextRunAt
	err = e.jobs.SetQueueRefIfUnchanged(ctx, j.ID, j.Version, sched.ID, &next)
	if err == nil {
		j.QueueRef = sched.ID
		j.NextRunAt = &next
		j.Version++
		return true, nil
	}
	if !errors.IsConflictError(err) && !errors.IsNotFoundError(err) {
		return false, err
	}

	current, err := e.jobs.GetByID(ctx, j.ID)
	if err != nil && !errors.IsNotFoundError(err) {
		return false, err
	}
	if err == nil && current.Type == job.TypeRecurring && current.Status != job.StatusPaused {
		_, err := e.installRecurring(ctx, current)
		return false, err
	}
	if err := e.removeRecurringSchedule(ctx, j.ID); err != nil {
		return false, err
	}
	e.logger.Infow("Job changed while its schedule was restored, schedule withdrawn", logger.FieldJobID, j.ID)
	return false, nil
}

// restoreOneTime enqueues the delayed task of j and records it only while the
// job is still at the version the pass read. Otherwise whoever changed the job
// owns its registration and the task is withdrawn.
func (e *Engine) restoreOneTime(ctx context.Context, j *job.Job) (bool, error) {
	task, err := e.installOneTime(ctx, j)
	if err != nil {
		return false, err
	}
	err = e.jobs.SetQueueRefIfUnchanged(ctx, j.ID, j.Version, task.ID, j.ScheduledAt)
	if err == nil {
		j.QueueRef = task.ID
		j.NextRunAt = j.ScheduledAt
		j.Version++
		return true, nil
	}
	if !errors.IsConflictError(err) && !errors.IsNotFoundError(err) {
		return false, err
	}

	// A task already claimed cannot be withdrawn; the dispatcher rejects it
	// once the job has completed
	if _, rmErr := e.queue.RemoveTask(ctx, task.ID); rmErr != nil {
		return false, errors.Wrap(rmErr, "failed to withdraw one-time task")
	}
	e.logger.Infow("Job changed while its task was restored, task withdrawn",
		logger.FieldJobID, j.ID,
		logger.FieldTaskID, task.ID,
	)
	return false, nil
}

// removeStrays drops queue entries whose job is gone or paused
func (e *Engine) removeStrays(ctx context.Context) (int, error) {
	referenced, err := e.queue.ReferencedJobIDs(ctx)
	if err != nil {
		return 0, err
	}
	if len(referenced) == 0 {
		return 0, nil
	}
	index, err := e.jobs.StatusIndex(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range referenced {
		status, exists := index[id]
		switch {
		case !exists:
			if err := e.queue.RemoveJob(ctx, id); err != nil {
				return removed, err
			}
			e.logger.Warnw("Removed queue entries of deleted job", logger.FieldJobID, id)
			removed++
		case status == job.StatusPaused:
			ok, err := e.queue.RemoveScheduler(ctx, SchedulerID(id))
			if err != nil {
				return removed, err
			}
			if ok {
				e.logger.Warnw("Removed schedule of paused job", logger.FieldJobID, id)
				removed++
			}
		}
	}
	return removed, nil
}
