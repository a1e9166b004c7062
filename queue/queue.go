package queue

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/teranos/cadence/db"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
	"github.com/teranos/cadence/logger"
)

// Processor handles one delivery. A nil error completes the task; an error
// marked errors.Deferred puts it back without counting the attempt.
type Processor interface {
	Process(ctx context.Context, d Delivery) error
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, d Delivery) error

// Process calls f
func (f ProcessorFunc) Process(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// Config sizes the consumer
type Config struct {
	// Workers bounds the number of deliveries in flight
	Workers int
	// PollInterval is how often due schedulers and tasks are looked up
	PollInterval time.Duration
}

// DefaultConfig returns the consumer defaults
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
	}
}

// minDeferDelay keeps a deferred task from being reclaimed in the same poll
const minDeferDelay = time.Second

// Option configures a Queue
type Option func(*Queue)

// WithClock replaces time.Now, for tests that need to step over backoff delays
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// outcome travels from a delivery goroutine to the ack loop
type outcome struct {
	delivery Delivery
	err      error
}

// Queue is the durable work queue and its consumer
type Queue struct {
	db        *sql.DB
	cfg       Config
	logger    *zap.SugaredLogger
	now       func() time.Time
	processor Processor

	sem      *semaphore.Weighted
	results  chan outcome
	inflight sync.WaitGroup

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	acks    sync.WaitGroup
}

// New creates a queue over a migrated database. The consumer does not run
// until Start is called.
func New(conn *sql.DB, cfg Config, log *zap.SugaredLogger, opts ...Option) *Queue {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	q := &Queue{
		db:     conn,
		cfg:    cfg,
		logger: log.Named("queue"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetProcessor installs the delivery handler. It must be called before Start or RunDue.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

// Start recovers tasks interrupted by a crash and launches the poll and ack loops
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return errors.New("queue already started")
	}
	if q.processor == nil {
		return errors.New("queue has no processor")
	}

	recovered, err := q.RecoverActive(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover interrupted tasks")
	}
	if recovered > 0 {
		q.logger.Infow("Recovered interrupted tasks", logger.FieldCount, recovered)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.sem = semaphore.NewWeighted(int64(q.cfg.Workers))
	q.results = make(chan outcome, q.cfg.Workers)
	q.running = true

	q.acks.Add(1)
	go q.ackLoop()

	q.loops.Add(1)
	go q.pollLoop(loopCtx)

	q.logger.Infow("Queue consumer started",
		"workers", q.cfg.Workers,
		"poll_interval", q.cfg.PollInterval,
	)
	return nil
}

// Stop halts polling, waits for in-flight deliveries and drains their outcomes
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	q.cancel()
	q.mu.Unlock()

	q.loops.Wait()
	q.inflight.Wait()
	close(q.results)
	q.acks.Wait()

	q.logger.Infow("Queue consumer stopped")
}

// RecoverActive returns tasks left active by an unclean shutdown to waiting.
// Their attempt stays counted, so delivery is at-least-once.
func (q *Queue) RecoverActive(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET state = ?, updated_at = ? WHERE state = ?`,
		StateWaiting, db.FormatTime(q.now()), StateActive)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset active tasks")
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (q *Queue) pollLoop(ctx context.Context) {
	defer q.loops.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	q.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.poll(ctx)
		}
	}
}

// poll promotes due schedulers and dispatches as many due tasks as there are free workers
func (q *Queue) poll(ctx context.Context) {
	if _, err := q.PromoteDue(ctx); err != nil && ctx.Err() == nil && !db.IsDatabaseClosed(err) {
		q.logger.Errorw("Failed to promote due schedulers", logger.FieldError, err)
	}

	for ctx.Err() == nil {
		if !q.sem.TryAcquire(1) {
			return
		}
		d, ok, err := q.claimNext(ctx)
		if err != nil || !ok {
			q.sem.Release(1)
			if err != nil && ctx.Err() == nil && !errors.Is(err, db.ErrDatabaseClosed) {
				q.logger.Errorw("Failed to claim task", logger.FieldError, err)
			}
			return
		}

		q.inflight.Add(1)
		go func(d Delivery) {
			defer q.inflight.Done()
			err := q.process(ctx, d)
			q.sem.Release(1)
			q.results <- outcome{delivery: d, err: err}
		}(d)
	}
}

func (q *Queue) ackLoop() {
	defer q.acks.Done()
	for out := range q.results {
		// Acks must land even while shutting down
		ackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := q.ack(ackCtx, out.delivery, out.err); err != nil {
			q.logger.Errorw("Failed to acknowledge task",
				logger.FieldTaskID, out.delivery.TaskID,
				logger.FieldJobID, out.delivery.JobID,
				logger.FieldError, err,
			)
		}
		cancel()
	}
}

// RunDue synchronously promotes due schedulers, then claims, processes and
// acknowledges every due task one at a time. It returns the number of
// deliveries made. Intended for maintenance commands and tests; it must not
// run concurrently with a started consumer.
func (q *Queue) RunDue(ctx context.Context) (int, error) {
	if q.processor == nil {
		return 0, errors.New("queue has no processor")
	}
	if _, err := q.PromoteDue(ctx); err != nil {
		return 0, err
	}

	delivered := 0
	for {
		d, ok, err := q.claimNext(ctx)
		if err != nil {
			return delivered, err
		}
		if !ok {
			return delivered, nil
		}
		procErr := q.process(ctx, d)
		if err := q.ack(ctx, d, procErr); err != nil {
			return delivered, err
		}
		delivered++
	}
}

func (q *Queue) process(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorw("Processor panicked",
				logger.FieldTaskID, d.TaskID,
				logger.FieldJobID, d.JobID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = errors.Newf("processor panic: %v", r)
		}
	}()
	return q.processor.Process(ctx, d)
}

// PromoteDue turns every due scheduler into a repeat task and advances its
// next run past now. A scheduler whose previous task is still waiting or
// running skips the occurrence.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	now := q.now().UTC()
	promoted := 0

	err := q.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+schedulerColumns+` FROM queue_schedulers WHERE next_run_at <= ?`, db.FormatTime(now))
		if err != nil {
			return errors.Wrap(err, "failed to query due schedulers")
		}
		var due []*Scheduler
		for rows.Next() {
			s, err := scanScheduler(rows)
			if err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan scheduler")
			}
			due = append(due, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "failed to iterate due schedulers")
		}

		for _, s := range due {
			var busy bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM queue_tasks WHERE scheduler_id = ? AND state IN (?, ?))`,
				s.ID, StateWaiting, StateActive).Scan(&busy); err != nil {
				return errors.Wrap(err, "failed to check scheduler tasks")
			}

			if busy {
				q.logger.Debugw("Skipping occurrence, previous run still pending",
					logger.FieldSchedulerID, s.ID,
					logger.FieldJobID, s.JobID,
					"occurrence", s.NextRunAt,
				)
			} else {
				policy := RetryPolicy{MaxAttempts: s.MaxAttempts, BackoffBase: time.Duration(s.BackoffMS) * time.Millisecond}
				t, err := q.insertTask(ctx, tx, s.JobID, s.ID, KindRepeat, s.NextRunAt, policy)
				if err != nil {
					return err
				}
				promoted++
				q.logger.Debugw("Promoted scheduler occurrence",
					logger.FieldSchedulerID, s.ID,
					logger.FieldTaskID, t.ID,
					logger.FieldJobID, s.JobID,
				)
			}

			next, err := forecast.Next(s.CronExpr, s.Timezone, now)
			if err != nil {
				q.logger.Errorw("Removing scheduler with unusable cron expression",
					logger.FieldSchedulerID, s.ID,
					logger.FieldJobID, s.JobID,
					logger.FieldError, err,
				)
				if _, err := tx.ExecContext(ctx, `DELETE FROM queue_schedulers WHERE id = ?`, s.ID); err != nil {
					return errors.Wrap(err, "failed to delete scheduler")
				}
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE queue_schedulers SET next_run_at = ?, updated_at = ? WHERE id = ?`,
				db.FormatTime(next), db.FormatTime(now), s.ID); err != nil {
				return errors.Wrap(err, "failed to advance scheduler")
			}
		}
		return nil
	})
	return promoted, err
}

// claimNext moves the oldest due waiting task to active and counts the attempt
func (q *Queue) claimNext(ctx context.Context) (Delivery, bool, error) {
	now := q.now().UTC()
	for {
		var id string
		err := q.db.QueryRowContext(ctx,
			`SELECT id FROM queue_tasks WHERE state = ? AND run_at <= ? ORDER BY run_at, rowid LIMIT 1`,
			StateWaiting, db.FormatTime(now)).Scan(&id)
		if err == sql.ErrNoRows {
			return Delivery{}, false, nil
		}
		if err != nil {
			return Delivery{}, false, db.MarkClosed(errors.Wrap(err, "failed to find due task"))
		}

		result, err := q.db.ExecContext(ctx,
			`UPDATE queue_tasks SET state = ?, attempts_made = attempts_made + 1, updated_at = ?
			 WHERE id = ? AND state = ?`,
			StateActive, db.FormatTime(now), id, StateWaiting)
		if err != nil {
			return Delivery{}, false, db.MarkClosed(errors.Wrap(err, "failed to claim task"))
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Removed or claimed elsewhere between the lookup and the update
			continue
		}

		t, err := q.GetTask(ctx, id)
		if err != nil {
			return Delivery{}, false, err
		}
		return Delivery{
			TaskID:       t.ID,
			JobID:        t.JobID,
			SchedulerID:  t.SchedulerID,
			Kind:         t.Kind,
			Attempt:      t.AttemptsMade,
			MaxAttempts:  t.MaxAttempts,
			OccurrenceAt: t.OccurrenceAt,
		}, true, nil
	}
}

// ack records the outcome of a delivery
func (q *Queue) ack(ctx context.Context, d Delivery, procErr error) error {
	now := q.now().UTC()
	log := q.logger.With(
		logger.FieldTaskID, d.TaskID,
		logger.FieldJobID, d.JobID,
		logger.FieldAttempt, d.Attempt,
		logger.FieldMaxAttempts, d.MaxAttempts,
	)

	var (
		state     State
		runAt     = now
		lastError string
		refund    int
	)
	switch {
	case procErr == nil:
		state = StateCompleted
	case errors.IsDeferred(procErr):
		// The claim did not run the job, so it does not count as an attempt
		state = StateWaiting
		lastError = procErr.Error()
		refund = 1
		t, err := q.GetTask(ctx, d.TaskID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		delay := Backoff(time.Duration(t.BackoffMS)*time.Millisecond, 1)
		if delay < minDeferDelay {
			delay = minDeferDelay
		}
		runAt = now.Add(delay)
		log.Infow("Task deferred", logger.FieldDelay, delay.String(), logger.FieldError, procErr)
	case errors.IsOrphanedSchedule(procErr):
		state = StateDiscarded
		lastError = procErr.Error()
		log.Debugw("Discarding orphaned task")
	case errors.IsRetryable(procErr) && d.Attempt < d.MaxAttempts:
		state = StateWaiting
		lastError = procErr.Error()
		t, err := q.GetTask(ctx, d.TaskID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				return nil
			}
			return err
		}
		delay := Backoff(time.Duration(t.BackoffMS)*time.Millisecond, d.Attempt)
		runAt = now.Add(delay)
		log.Infow("Task will be retried", logger.FieldDelay, delay.String(), logger.FieldError, procErr)
	default:
		state = StateFailed
		lastError = procErr.Error()
		log.Warnw("Task failed permanently", logger.FieldError, procErr)
	}

	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_tasks SET state = ?, run_at = ?, last_error = ?, attempts_made = attempts_made - ?, updated_at = ?
		 WHERE id = ?`,
		state, db.FormatTime(runAt), lastError, refund, db.FormatTime(now), d.TaskID)
	if err != nil {
		err = errors.Wrap(err, "failed to record task outcome")
		return errors.WithDetail(err, fmt.Sprintf("Task ID: %s", d.TaskID))
	}
	return nil
}
