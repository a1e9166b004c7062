// Package dispatch executes queue deliveries against job records.
//
// The dispatcher is the only writer of execution-time job status. For each
// delivery it resolves the job, decides whether the job may run, claims it,
// invokes the command handler and records the outcome as a log row, a status
// update and a notification event. Retry scheduling itself belongs to the
// queue: the dispatcher only reports whether an error is retryable.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/queue"
)

// DefaultHandlerTimeout bounds a single attempt until SetHandlerTimeout is called
const DefaultHandlerTimeout = 5 * time.Minute

var (
	// ErrJobBusy is returned when another attempt of the job is still running.
	// The queue redelivers after backoff without counting the attempt.
	ErrJobBusy = errors.Deferred(errors.New("job is already running"))

	// ErrNotEligible is returned for a one-time job that already finished
	ErrNotEligible = errors.Permanent(errors.New("job is not eligible to run"))
)

// JobStore is the subset of job.Store the dispatcher writes through
type JobStore interface {
	GetByID(ctx context.Context, id string) (*job.Job, error)
	Claim(ctx context.Context, id string, allowed []job.Status) (bool, error)
	Finish(ctx context.Context, id string, u job.StatusUpdate) error
}

// LogAppender records execution logs
type LogAppender interface {
	Append(ctx context.Context, l *job.Log) error
}

// QueueControl is the subset of the queue the dispatcher consults
type QueueControl interface {
	RemoveScheduler(ctx context.Context, id string) (bool, error)
	IsPending(ctx context.Context, taskID string) (bool, error)
}

// Dispatcher implements queue.Processor
type Dispatcher struct {
	jobs     JobStore
	logs     LogAppender
	queue    QueueControl
	registry *Registry
	sink     notify.Sink
	logger   *zap.SugaredLogger
	timeout  atomic.Int64
	now      func() time.Time
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithClock replaces the wall clock used for log timestamps and next-run computation
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher. A nil sink discards events.
func New(jobs JobStore, logs LogAppender, q QueueControl, registry *Registry, sink notify.Sink, log *zap.SugaredLogger, opts ...Option) *Dispatcher {
	if sink == nil {
		sink = notify.Discard{}
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	d := &Dispatcher{
		jobs:     jobs,
		logs:     logs,
		queue:    q,
		registry: registry,
		sink:     sink,
		logger:   log.Named("dispatch"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.SetHandlerTimeout(DefaultHandlerTimeout)
	return d
}

// SetHandlerTimeout changes the per-attempt timeout; zero or less disables it.
// Safe to call while running.
func (d *Dispatcher) SetHandlerTimeout(timeout time.Duration) {
	if timeout < 0 {
		timeout = 0
	}
	d.timeout.Store(int64(timeout))
}

// HandlerTimeout returns the per-attempt timeout (0 = none)
func (d *Dispatcher) HandlerTimeout() time.Duration {
	return time.Duration(d.timeout.Load())
}

// eligibleStatuses lists the statuses a job may be claimed from
func eligibleStatuses(t job.Type) []job.Status {
	if t == job.TypeRecurring {
		return []job.Status{job.StatusActive, job.StatusScheduled, job.StatusCompleted, job.StatusFailed}
	}
	return []job.Status{job.StatusScheduled, job.StatusActive}
}

// restingStatus is the status a job returns to between attempts
func restingStatus(t job.Type) job.Status {
	if t == job.TypeRecurring {
		return job.StatusActive
	}
	return job.StatusScheduled
}

// Process implements queue.Processor
func (d *Dispatcher) Process(ctx context.Context, del queue.Delivery) error {
	log := d.logger.With(
		logger.FieldJobID, del.JobID,
		logger.FieldTaskID, del.TaskID,
		logger.FieldAttempt, del.Attempt,
		logger.FieldMaxAttempts, del.MaxAttempts,
	)

	j, err := d.jobs.GetByID(ctx, del.JobID)
	if errors.IsNotFoundError(err) {
		return d.orphaned(ctx, del, log)
	}
	if err != nil {
		return errors.Wrap(err, "failed to load job")
	}

	if j.Status == job.StatusPaused {
		return d.skip(ctx, j, del, log)
	}
	if err := checkEligible(j); err != nil {
		log.Infow("Delivery rejected", logger.FieldStatus, j.Status, logger.FieldError, err)
		return err
	}

	claimed, err := d.jobs.Claim(ctx, j.ID, eligibleStatuses(j.Type))
	if err != nil {
		return errors.Wrap(err, "failed to claim job")
	}
	if !claimed {
		// Status changed between the read and the claim; re-evaluate
		current, err := d.jobs.GetByID(ctx, j.ID)
		if errors.IsNotFoundError(err) {
			return d.orphaned(ctx, del, log)
		}
		if err != nil {
			return errors.Wrap(err, "failed to reload job")
		}
		if current.Status == job.StatusPaused {
			return d.skip(ctx, current, del, log)
		}
		if err := checkEligible(current); err != nil {
			return err
		}
		return ErrJobBusy
	}

	ref := jobRef(j)
	d.sink.Publish(ctx, notify.NewEvent(notify.EventStarted, ref, del.Attempt, nil))
	log.Infow("Job started", logger.FieldCommand, j.Command)

	handler := d.registry.Get(j.Command)
	if handler == nil {
		err := errors.Fatal(errors.Newf("no handler registered for command %s", j.Command))
		d.appendLog(ctx, j, del, job.LogFailed, 0, nil, err, log)
		d.finalFailure(ctx, j, del, err, log)
		return err
	}

	start := d.now()
	result, runErr := d.invoke(ctx, handler, invocation(j, del))
	elapsed := d.now().Sub(start)

	if runErr == nil {
		return d.succeeded(ctx, j, del, result, elapsed, log)
	}
	return d.failed(ctx, j, del, runErr, elapsed, log)
}

func checkEligible(j *job.Job) error {
	if j.Type != job.TypeOneTime {
		if j.Status == job.StatusRunning {
			return ErrJobBusy
		}
		return nil
	}
	switch j.Status {
	case job.StatusScheduled, job.StatusActive:
		return nil
	case job.StatusRunning:
		return ErrJobBusy
	default:
		return errors.WithDetailf(ErrNotEligible, "Status: %s", j.Status)
	}
}

func (d *Dispatcher) orphaned(ctx context.Context, del queue.Delivery, log *zap.SugaredLogger) error {
	log.Warnw("Queue entry references a deleted job", logger.FieldSchedulerID, del.SchedulerID)
	if del.SchedulerID != "" {
		if _, err := d.queue.RemoveScheduler(ctx, del.SchedulerID); err != nil {
			log.Errorw("Failed to remove orphaned scheduler", logger.FieldError, err)
		}
	}
	return errors.Orphaned(del.JobID)
}

func (d *Dispatcher) skip(ctx context.Context, j *job.Job, del queue.Delivery, log *zap.SugaredLogger) error {
	log.Infow("Job is paused, skipping run")
	out, _ := json.Marshal(Result{"skipped": true, "reason": "job is paused"})
	d.appendLog(ctx, j, del, job.LogSkipped, 0, out, nil, log)
	d.sink.Publish(ctx, notify.NewEvent(notify.EventSkipped, jobRef(j), del.Attempt, nil))
	return nil
}

// invoke runs the handler under the attempt timeout and converts panics to errors
func (d *Dispatcher) invoke(ctx context.Context, h Handler, inv Invocation) (result Result, err error) {
	timeout := d.HandlerTimeout()
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorw("Handler panicked",
				logger.FieldJobID, inv.JobID,
				logger.FieldCommand, inv.Command,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = nil
			err = errors.Newf("handler panic: %v", r)
		}
	}()

	result, err = h.Run(runCtx, inv)
	if err != nil && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = errors.WithDetailf(errors.Wrap(err, "handler timed out"), "Timeout: %s", timeout)
	}
	return result, err
}

func (d *Dispatcher) succeeded(ctx context.Context, j *job.Job, del queue.Delivery, result Result, elapsed time.Duration, log *zap.SugaredLogger) error {
	output, err := json.Marshal(result)
	if err != nil {
		output, _ = json.Marshal(Result{"unencodable": fmt.Sprintf("%v", result)})
	}
	d.appendLog(ctx, j, del, job.LogCompleted, elapsed, output, nil, log)

	update := job.StatusUpdate{Status: job.StatusCompleted}
	if j.Type == job.TypeRecurring {
		update.Status = job.StatusActive
		if next, err := forecast.Next(j.CronExpr, j.Timezone, d.now()); err == nil {
			update.NextRunAt = &next
		}
	} else if d.originalPending(ctx, j, del, log) {
		update.Status = job.StatusScheduled
	}
	d.setStatus(ctx, j.ID, update, log)

	d.sink.Publish(ctx, notify.NewEvent(notify.EventCompleted, jobRef(j), del.Attempt, nil))
	log.Infow("Job completed",
		logger.FieldCommand, j.Command,
		logger.FieldDurationMS, elapsed.Milliseconds(),
		logger.FieldStatus, update.Status,
	)
	return nil
}

func (d *Dispatcher) failed(ctx context.Context, j *job.Job, del queue.Delivery, runErr error, elapsed time.Duration, log *zap.SugaredLogger) error {
	d.appendLog(ctx, j, del, job.LogFailed, elapsed, nil, runErr, log)

	if del.IsFinalAttempt() || !errors.IsRetryable(runErr) {
		d.finalFailure(ctx, j, del, runErr, log)
		return runErr
	}

	d.setStatus(ctx, j.ID, job.StatusUpdate{Status: restingStatus(j.Type), RetryCount: del.Attempt}, log)
	d.sink.Publish(ctx, notify.NewEvent(notify.EventRetrying, jobRef(j), del.Attempt, runErr))
	log.Warnw("Job attempt failed, will retry",
		logger.FieldCommand, j.Command,
		logger.FieldError, runErr,
	)
	return errors.Transient(runErr)
}

func (d *Dispatcher) finalFailure(ctx context.Context, j *job.Job, del queue.Delivery, runErr error, log *zap.SugaredLogger) {
	retries := del.Attempt - 1
	if retries < 0 {
		retries = 0
	}
	update := job.StatusUpdate{Status: job.StatusFailed, RetryCount: retries}
	if j.Type == job.TypeRecurring {
		if next, err := forecast.Next(j.CronExpr, j.Timezone, d.now()); err == nil {
			update.NextRunAt = &next
		}
	} else if d.originalPending(ctx, j, del, log) {
		// The failed rerun does not cancel the firing still queued
		update.Status = job.StatusScheduled
		update.RetryCount = 0
	}
	d.setStatus(ctx, j.ID, update, log)
	d.sink.Publish(ctx, notify.NewEvent(notify.EventFailed, jobRef(j), del.Attempt, runErr))
	log.Errorw("Job failed",
		logger.FieldCommand, j.Command,
		logger.FieldError, runErr,
	)
}

// originalPending reports whether del is a rerun of a one-time job whose own
// delayed task is still queued. Only reruns may hand the job back to
// scheduled: a second delayed task for the same job is a duplicate and must
// not re-arm it.
func (d *Dispatcher) originalPending(ctx context.Context, j *job.Job, del queue.Delivery, log *zap.SugaredLogger) bool {
	if del.Kind != queue.KindRerun || j.QueueRef == "" || del.TaskID == j.QueueRef {
		return false
	}
	pending, err := d.queue.IsPending(ctx, j.QueueRef)
	if err != nil {
		log.Warnw("Failed to check original task", logger.FieldError, err)
		return false
	}
	return pending
}

// setStatus writes the post-attempt status. A job deleted or paused mid-flight
// is not an error: the control operation's state stands.
func (d *Dispatcher) setStatus(ctx context.Context, id string, u job.StatusUpdate, log *zap.SugaredLogger) {
	err := d.jobs.Finish(ctx, id, u)
	if errors.IsNotFoundError(err) {
		log.Debugw("Job deleted or changed during execution, status not written", logger.FieldStatus, u.Status)
		return
	}
	if err != nil {
		log.Errorw("Failed to write job status", logger.FieldStatus, u.Status, logger.FieldError, err)
	}
}

func (d *Dispatcher) appendLog(ctx context.Context, j *job.Job, del queue.Delivery, status job.LogStatus, elapsed time.Duration, output []byte, runErr error, log *zap.SugaredLogger) {
	entry := &job.Log{
		JobID:      j.ID,
		OwnerID:    j.OwnerID,
		JobName:    j.Name,
		Command:    j.Command,
		Status:     status,
		Attempt:    del.Attempt,
		RunAt:      d.now(),
		DurationMS: elapsed.Milliseconds(),
		Output:     output,
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	if err := d.logs.Append(ctx, entry); err != nil {
		log.Errorw("Failed to append execution log", logger.FieldError, err)
	}
}

func invocation(j *job.Job, del queue.Delivery) Invocation {
	return Invocation{
		JobID:        j.ID,
		OwnerID:      j.OwnerID,
		Name:         j.Name,
		Command:      j.Command,
		Payload:      j.Payload,
		Attempt:      del.Attempt,
		MaxAttempts:  del.MaxAttempts,
		Kind:         del.Kind,
		ScheduledFor: del.OccurrenceAt,
	}
}

func jobRef(j *job.Job) notify.JobRef {
	return notify.JobRef{ID: j.ID, OwnerID: j.OwnerID, Name: j.Name, Command: string(j.Command)}
}
