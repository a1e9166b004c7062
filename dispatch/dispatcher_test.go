package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/notify"
	"github.com/teranos/cadence/queue"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *captureSink) Publish(_ context.Context, ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *captureSink) types() []notify.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notify.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	store    *job.Store
	logs     *job.LogStore
	queue    *queue.Queue
	registry *Registry
	sink     *captureSink
	clock    *fakeClock
	disp     *Dispatcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := cadencetest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	clock := &fakeClock{t: time.Now().UTC().Truncate(time.Second)}

	h := &harness{
		store:    job.NewStore(conn),
		logs:     job.NewLogStore(conn),
		queue:    queue.New(conn, queue.Config{Workers: 1}, log, queue.WithClock(clock.Now)),
		registry: NewRegistry(),
		sink:     &captureSink{},
		clock:    clock,
	}
	h.disp = New(h.store, h.logs, h.queue, h.registry, h.sink, log, WithClock(clock.Now))
	h.queue.SetProcessor(h.disp)
	return h
}

func (h *harness) handle(cmd job.Command, fn func(ctx context.Context, inv Invocation) (Result, error)) {
	h.registry.Register(HandlerFunc{Cmd: cmd, Fn: fn})
}

func (h *harness) oneTime(t *testing.T, maxRetries int) *job.Job {
	t.Helper()
	at := h.clock.Now().Add(time.Hour)
	j := &job.Job{
		OwnerID:     "alice",
		Name:        "send digest",
		Type:        job.TypeOneTime,
		Command:     job.CommandSendEmail,
		ScheduledAt: &at,
		MaxRetries:  maxRetries,
		Payload:     json.RawMessage(`{"to":"a@example.com"}`),
	}
	require.NoError(t, h.store.Create(context.Background(), j))
	return j
}

func (h *harness) recurring(t *testing.T) *job.Job {
	t.Helper()
	j := &job.Job{
		OwnerID:    "alice",
		Name:       "hourly sync",
		Type:       job.TypeRecurring,
		Command:    job.CommandDataSync,
		CronExpr:   "0 * * * *",
		MaxRetries: 0,
	}
	require.NoError(t, h.store.Create(context.Background(), j))
	return j
}

func (h *harness) enqueue(t *testing.T, j *job.Job, backoff time.Duration) *queue.Task {
	t.Helper()
	task, err := h.queue.EnqueueDelayed(context.Background(), j.ID, 0,
		queue.RetryPolicy{MaxAttempts: j.MaxRetries + 1, BackoffBase: backoff})
	require.NoError(t, err)
	return task
}

func (h *harness) runDue(t *testing.T) int {
	t.Helper()
	n, err := h.queue.RunDue(context.Background())
	require.NoError(t, err)
	return n
}

func (h *harness) reload(t *testing.T, id string) *job.Job {
	t.Helper()
	j, err := h.store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (h *harness) taskState(t *testing.T, id string) queue.State {
	t.Helper()
	task, err := h.queue.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.State
}

func (h *harness) jobLogs(t *testing.T, id string) []*job.Log {
	t.Helper()
	logs, err := h.logs.ForJob(context.Background(), id)
	require.NoError(t, err)
	return logs
}

func TestOneTimeSuccess(t *testing.T) {
	h := newHarness(t)
	var got Invocation
	h.handle(job.CommandSendEmail, func(_ context.Context, inv Invocation) (Result, error) {
		got = inv
		return Result{"sent": true}, nil
	})

	j := h.oneTime(t, 2)
	task := h.enqueue(t, j, time.Second)
	assert.Equal(t, 1, h.runDue(t))

	assert.Equal(t, j.ID, got.JobID)
	assert.Equal(t, "alice", got.OwnerID)
	assert.Equal(t, 1, got.Attempt)
	assert.Equal(t, 3, got.MaxAttempts)
	var payload struct{ To string }
	require.NoError(t, got.Decode(&payload))
	assert.Equal(t, "a@example.com", payload.To)

	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusCompleted, after.Status)
	assert.Zero(t, after.RetryCount)
	assert.NotNil(t, after.LastRunAt)

	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, job.LogCompleted, logs[0].Status)
	assert.Equal(t, 1, logs[0].Attempt)
	assert.JSONEq(t, `{"sent":true}`, string(logs[0].Output))
	assert.Equal(t, "send digest", logs[0].JobName)

	assert.Equal(t, []notify.EventType{notify.EventStarted, notify.EventCompleted}, h.sink.types())
	assert.Equal(t, queue.StateCompleted, h.taskState(t, task.ID))
}

func TestRecurringSuccessReturnsToActive(t *testing.T) {
	h := newHarness(t)
	h.handle(job.CommandDataSync, func(context.Context, Invocation) (Result, error) {
		return Result{"records": 12}, nil
	})

	j := h.recurring(t)
	h.enqueue(t, j, 0)
	h.runDue(t)

	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusActive, after.Status)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.After(h.clock.Now()))
	assert.Zero(t, after.NextRunAt.Minute())
}

func TestRetryThenFail(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		calls++
		return nil, errors.New("smtp connection refused")
	})

	j := h.oneTime(t, 1)
	task := h.enqueue(t, j, time.Second)

	assert.Equal(t, 1, h.runDue(t))
	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusScheduled, after.Status, "a retryable failure waits for the next attempt")
	assert.Equal(t, 1, after.RetryCount)
	assert.Equal(t, queue.StateWaiting, h.taskState(t, task.ID))

	assert.Zero(t, h.runDue(t), "backoff has not elapsed")
	h.clock.Advance(time.Second)
	assert.Equal(t, 1, h.runDue(t))

	after = h.reload(t, j.ID)
	assert.Equal(t, job.StatusFailed, after.Status)
	assert.Equal(t, 1, after.RetryCount)
	assert.Equal(t, 2, calls)
	assert.Equal(t, queue.StateFailed, h.taskState(t, task.ID))

	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 2)
	for i, l := range logs {
		assert.Equal(t, job.LogFailed, l.Status)
		assert.Equal(t, i+1, l.Attempt)
		assert.Contains(t, l.Error, "smtp connection refused")
	}

	assert.Equal(t, []notify.EventType{
		notify.EventStarted, notify.EventRetrying,
		notify.EventStarted, notify.EventFailed,
	}, h.sink.types())
}

func TestPermanentHandlerErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		return nil, errors.Permanent(errors.New("recipient rejected"))
	})

	j := h.oneTime(t, 3)
	task := h.enqueue(t, j, time.Second)
	h.runDue(t)

	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusFailed, after.Status)
	assert.Zero(t, after.RetryCount)
	assert.Equal(t, queue.StateFailed, h.taskState(t, task.ID))
}

func TestRecurringFinalFailureKeepsSchedule(t *testing.T) {
	h := newHarness(t)
	h.handle(job.CommandDataSync, func(context.Context, Invocation) (Result, error) {
		return nil, errors.New("upstream 503")
	})

	j := h.recurring(t)
	h.enqueue(t, j, 0)
	h.runDue(t)

	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusFailed, after.Status)
	require.NotNil(t, after.NextRunAt)
	assert.True(t, after.NextRunAt.After(h.clock.Now()))

	// A failed recurring job is still claimable by its next occurrence
	claimed, err := h.store.Claim(context.Background(), j.ID, eligibleStatuses(j.Type))
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestUnknownCommandIsFatal(t *testing.T) {
	h := newHarness(t)

	j := h.oneTime(t, 3)
	task := h.enqueue(t, j, time.Second)
	h.runDue(t)

	after := h.reload(t, j.ID)
	assert.Equal(t, job.StatusFailed, after.Status)
	assert.Equal(t, queue.StateFailed, h.taskState(t, task.ID), "no retries for a missing handler")

	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "no handler registered")
	assert.Equal(t, []notify.EventType{notify.EventStarted, notify.EventFailed}, h.sink.types())
}

func TestPausedJobIsSkipped(t *testing.T) {
	h := newHarness(t)
	h.handle(job.CommandDataSync, func(context.Context, Invocation) (Result, error) {
		t.Fatal("paused job must not run")
		return nil, nil
	})

	j := h.recurring(t)
	require.NoError(t, h.store.SetStatus(context.Background(), j.ID, job.StatusUpdate{Status: job.StatusPaused}))
	task := h.enqueue(t, j, 0)
	h.runDue(t)

	assert.Equal(t, job.StatusPaused, h.reload(t, j.ID).Status)
	assert.Equal(t, queue.StateCompleted, h.taskState(t, task.ID))

	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, job.LogSkipped, logs[0].Status)
	assert.Equal(t, []notify.EventType{notify.EventSkipped}, h.sink.types())
}

func TestOrphanedDeliveryRemovesScheduler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.queue.UpsertScheduler(ctx, queue.SchedulerSpec{
		ID:       "job:gone",
		JobID:    "gone",
		CronExpr: "* * * * *",
		Policy:   queue.RetryPolicy{MaxAttempts: 3},
	})
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	assert.Equal(t, 1, h.runDue(t))

	exists, err := h.queue.HasScheduler(ctx, "job:gone")
	require.NoError(t, err)
	assert.False(t, exists)

	tasks, err := h.queue.ListTasks(ctx, "gone")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.StateDiscarded, tasks[0].State)
	assert.Empty(t, h.sink.types())
}

func TestProcessRejectsBusyAndFinishedJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	busy := h.oneTime(t, 0)
	require.NoError(t, h.store.SetStatus(ctx, busy.ID, job.StatusUpdate{Status: job.StatusRunning}))
	err := h.disp.Process(ctx, queue.Delivery{TaskID: "t1", JobID: busy.ID, Attempt: 1, MaxAttempts: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobBusy))
	assert.True(t, errors.IsDeferred(err), "a busy job does not use up an attempt")
	assert.Empty(t, h.jobLogs(t, busy.ID))

	done := h.oneTime(t, 0)
	require.NoError(t, h.store.SetStatus(ctx, done.ID, job.StatusUpdate{Status: job.StatusCompleted}))
	err = h.disp.Process(ctx, queue.Delivery{TaskID: "t2", JobID: done.ID, Attempt: 1, MaxAttempts: 1})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrPermanent))
	assert.False(t, errors.IsRetryable(err))

	assert.Empty(t, h.jobLogs(t, done.ID))
	assert.Equal(t, job.StatusCompleted, h.reload(t, done.ID).Status)
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	h := newHarness(t)
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		panic("nil template")
	})

	j := h.oneTime(t, 0)
	h.enqueue(t, j, 0)
	h.runDue(t)

	assert.Equal(t, job.StatusFailed, h.reload(t, j.ID).Status)
	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "nil template")
}

func TestHandlerTimeout(t *testing.T) {
	h := newHarness(t)
	h.disp.SetHandlerTimeout(20 * time.Millisecond)
	assert.Equal(t, 20*time.Millisecond, h.disp.HandlerTimeout())

	h.handle(job.CommandSendEmail, func(ctx context.Context, _ Invocation) (Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	j := h.oneTime(t, 0)
	h.enqueue(t, j, 0)
	h.runDue(t)

	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Error, "timed out")
	assert.Equal(t, job.StatusFailed, h.reload(t, j.ID).Status)

	h.disp.SetHandlerTimeout(0)
	assert.Zero(t, h.disp.HandlerTimeout(), "zero disables the timeout")
}

func TestRerunLeavesOriginalFiringScheduled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runs := 0
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		runs++
		return Result{}, nil
	})

	j := h.oneTime(t, 0)
	original, err := h.queue.EnqueueDelayed(ctx, j.ID, time.Hour, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, h.store.SetQueueRef(ctx, j.ID, original.ID, j.ScheduledAt))

	_, err = h.queue.EnqueueRerun(ctx, j.ID, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, h.runDue(t))
	assert.Equal(t, job.StatusScheduled, h.reload(t, j.ID).Status, "the original firing is still pending")

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.runDue(t))
	assert.Equal(t, job.StatusCompleted, h.reload(t, j.ID).Status)
	assert.Equal(t, 2, runs)
}

func TestFailedRerunLeavesOriginalFiringScheduled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runs := 0
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		runs++
		if runs == 1 {
			return nil, errors.New("smtp unavailable")
		}
		return Result{}, nil
	})

	j := h.oneTime(t, 0)
	original, err := h.queue.EnqueueDelayed(ctx, j.ID, time.Hour, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, h.store.SetQueueRef(ctx, j.ID, original.ID, j.ScheduledAt))

	_, err = h.queue.EnqueueRerun(ctx, j.ID, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, h.runDue(t))

	assert.Equal(t, job.StatusScheduled, h.reload(t, j.ID).Status)
	logs := h.jobLogs(t, j.ID)
	require.Len(t, logs, 1)
	assert.Equal(t, job.LogFailed, logs[0].Status)
	assert.Contains(t, h.sink.types(), notify.EventFailed)

	h.clock.Advance(time.Hour)
	assert.Equal(t, 1, h.runDue(t))
	assert.Equal(t, job.StatusCompleted, h.reload(t, j.ID).Status)
	assert.Equal(t, 2, runs)
}

func TestDuplicateDelayedTaskRunsOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	runs := 0
	h.handle(job.CommandSendEmail, func(context.Context, Invocation) (Result, error) {
		runs++
		return Result{}, nil
	})

	j := h.oneTime(t, 0)
	original, err := h.queue.EnqueueDelayed(ctx, j.ID, time.Minute, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)
	require.NoError(t, h.store.SetQueueRef(ctx, j.ID, original.ID, j.ScheduledAt))
	duplicate, err := h.queue.EnqueueDelayed(ctx, j.ID, time.Minute, queue.RetryPolicy{MaxAttempts: 1})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, h.runDue(t))

	assert.Equal(t, 1, runs)
	assert.Len(t, h.jobLogs(t, j.ID), 1)
	assert.Equal(t, job.StatusCompleted, h.reload(t, j.ID).Status)

	assert.Equal(t, queue.StateCompleted, h.taskState(t, original.ID))
	assert.Equal(t, queue.StateFailed, h.taskState(t, duplicate.ID), "the second firing is rejected as not eligible")
}

func TestJobDeletedDuringRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	var j *job.Job
	h.handle(job.CommandSendEmail, func(ctx context.Context, inv Invocation) (Result, error) {
		_, err := h.store.Delete(ctx, inv.OwnerID, inv.JobID)
		return Result{}, err
	})

	j = h.oneTime(t, 0)
	err := h.disp.Process(ctx, queue.Delivery{TaskID: "t1", JobID: j.ID, Attempt: 1, MaxAttempts: 1})
	require.NoError(t, err, "a missing row on the status write is not an error")

	_, err = h.store.GetByID(ctx, j.ID)
	assert.True(t, errors.IsNotFoundError(err))
	assert.Len(t, h.jobLogs(t, j.ID), 1, "logs outlive the job")
}

func TestPauseDuringRunWins(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.handle(job.CommandDataSync, func(ctx context.Context, inv Invocation) (Result, error) {
		return Result{}, h.store.SetStatus(ctx, inv.JobID, job.StatusUpdate{Status: job.StatusPaused})
	})

	j := h.recurring(t)
	err := h.disp.Process(ctx, queue.Delivery{TaskID: "t1", JobID: j.ID, Kind: queue.KindRepeat, Attempt: 1, MaxAttempts: 1})
	require.NoError(t, err)
	assert.Equal(t, job.StatusPaused, h.reload(t, j.ID).Status)
}
