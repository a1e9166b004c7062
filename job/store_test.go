package job

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	cadencetest "github.com/teranos/cadence/internal/testing"
)

func newOneTime(owner string, at time.Time) *Job {
	return &Job{
		OwnerID:     owner,
		Name:        "nightly backup",
		Type:        TypeOneTime,
		Command:     CommandDBBackup,
		ScheduledAt: &at,
		MaxRetries:  DefaultMaxRetries,
		Payload:     json.RawMessage(`{"target":"s3"}`),
	}
}

func newRecurring(owner string) *Job {
	return &Job{
		OwnerID:    owner,
		Name:       "log cleanup",
		Type:       TypeRecurring,
		Command:    CommandCleanupLogs,
		CronExpr:   "0 0 * * *",
		MaxRetries: 2,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	j := newOneTime("alice", at)
	require.NoError(t, store.Create(ctx, j))

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusScheduled, j.Status)
	assert.Equal(t, 1, j.Version)

	got, err := store.Get(ctx, "alice", j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.Name, got.Name)
	assert.Equal(t, TypeOneTime, got.Type)
	assert.True(t, at.Equal(*got.ScheduledAt))
	assert.JSONEq(t, `{"target":"s3"}`, string(got.Payload))
	assert.Empty(t, got.CronExpr)
}

func TestStoreCreateRejectsInvalid(t *testing.T) {
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	j.CronExpr = ""
	err := store.Create(context.Background(), j)
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	jobs, err := store.List(context.Background(), "alice", ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs, "invalid jobs are never persisted")
}

func TestStoreOwnerScoping(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))

	_, err := store.Get(ctx, "mallory", j.ID)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.Delete(ctx, "mallory", j.ID)
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetByID(ctx, j.ID)
	assert.NoError(t, err)
}

func TestStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	require.NoError(t, store.Create(ctx, newRecurring("alice")))
	require.NoError(t, store.Create(ctx, newOneTime("alice", time.Now().Add(time.Hour))))
	require.NoError(t, store.Create(ctx, newOneTime("bob", time.Now().Add(time.Hour))))

	all, err := store.List(ctx, "alice", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	recurring, err := store.List(ctx, "alice", ListFilter{Type: TypeRecurring})
	require.NoError(t, err)
	require.Len(t, recurring, 1)
	assert.Equal(t, StatusActive, recurring[0].Status)

	scheduled, err := store.List(ctx, "alice", ListFilter{Status: StatusScheduled})
	require.NoError(t, err)
	assert.Len(t, scheduled, 1)
}

func TestStoreUpdateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))

	first, err := store.Get(ctx, "alice", j.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, "alice", j.ID)
	require.NoError(t, err)

	first.Name = "renamed"
	require.NoError(t, store.Update(ctx, first))
	assert.Equal(t, 2, first.Version)

	second.Description = "stale write"
	err = store.Update(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	got, err := store.Get(ctx, "alice", j.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Empty(t, got.Description)
}

func TestStoreUpdateMissing(t *testing.T) {
	store := NewStore(cadencetest.CreateTestDB(t))
	j := newRecurring("alice")
	j.ID = "ghost"
	j.Version = 1
	err := store.Update(context.Background(), j)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))

	deleted, err := store.Delete(ctx, "alice", j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, deleted.ID)

	_, err = store.GetByID(ctx, j.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreStats(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	require.NoError(t, store.Create(ctx, newRecurring("alice")))
	require.NoError(t, store.Create(ctx, newRecurring("alice")))
	once := newOneTime("alice", time.Now())
	require.NoError(t, store.Create(ctx, once))
	require.NoError(t, store.SetStatus(ctx, once.ID, StatusUpdate{Status: StatusFailed}))
	require.NoError(t, store.Create(ctx, newRecurring("bob")))

	st, err := store.Stats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, Stats{Total: 3, Active: 2, Failed: 1}, st)
}

func TestStoreClaim(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newOneTime("alice", time.Now())
	require.NoError(t, store.Create(ctx, j))

	won, err := store.Claim(ctx, j.ID, []Status{StatusScheduled, StatusActive})
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Claim(ctx, j.ID, []Status{StatusScheduled, StatusActive})
	require.NoError(t, err)
	assert.False(t, won, "a running job cannot be claimed twice")

	got, err := store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, 2, got.Version)
}

func TestStoreSetStatusAndQueueRef(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))

	next := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, store.SetQueueRef(ctx, j.ID, "job:"+j.ID, &next))
	require.NoError(t, store.SetStatus(ctx, j.ID, StatusUpdate{Status: StatusActive, RetryCount: 1}))

	got, err := store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "job:"+j.ID, got.QueueRef)
	assert.True(t, next.Equal(*got.NextRunAt))
	assert.Equal(t, 1, got.RetryCount)

	later := next.Add(24 * time.Hour)
	require.NoError(t, store.SetStatus(ctx, j.ID, StatusUpdate{Status: StatusActive, NextRunAt: ptr(later)}))
	got, err = store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, later.Equal(*got.NextRunAt))

	err = store.SetStatus(ctx, "ghost", StatusUpdate{Status: StatusFailed})
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreSetQueueRefIfUnchanged(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))
	read := j.Version

	j.Status = StatusPaused
	require.NoError(t, store.Update(ctx, j))

	next := time.Now().Add(time.Hour)
	err := store.SetQueueRefIfUnchanged(ctx, j.ID, read, "job:"+j.ID, &next)
	require.Error(t, err)
	assert.True(t, errors.IsConflictError(err))

	got, err := store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Empty(t, got.QueueRef, "a stale registration is not recorded")

	require.NoError(t, store.SetQueueRefIfUnchanged(ctx, j.ID, got.Version, "job:"+j.ID, &next))
	got, err = store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "job:"+j.ID, got.QueueRef)
	assert.Equal(t, j.Version+1, got.Version)

	err = store.SetQueueRefIfUnchanged(ctx, "ghost", 1, "job:ghost", nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestStoreFinishOnlyAppliesWhileRunning(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	j := newRecurring("alice")
	require.NoError(t, store.Create(ctx, j))

	err := store.Finish(ctx, j.ID, StatusUpdate{Status: StatusActive})
	assert.True(t, errors.IsNotFoundError(err), "not running")

	claimed, err := store.Claim(ctx, j.ID, []Status{StatusActive})
	require.NoError(t, err)
	require.True(t, claimed)

	// A pause issued mid-flight wins over the attempt's outcome
	require.NoError(t, store.SetStatus(ctx, j.ID, StatusUpdate{Status: StatusPaused}))
	err = store.Finish(ctx, j.ID, StatusUpdate{Status: StatusActive})
	assert.True(t, errors.IsNotFoundError(err))

	got, err := store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)

	require.NoError(t, store.SetStatus(ctx, j.ID, StatusUpdate{Status: StatusRunning}))
	require.NoError(t, store.Finish(ctx, j.ID, StatusUpdate{Status: StatusFailed, RetryCount: 2}))
	got, err = store.GetByID(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
}

func TestStoreListSchedulable(t *testing.T) {
	ctx := context.Background()
	store := NewStore(cadencetest.CreateTestDB(t))

	active := newRecurring("alice")
	require.NoError(t, store.Create(ctx, active))
	paused := newRecurring("bob")
	require.NoError(t, store.Create(ctx, paused))
	require.NoError(t, store.SetStatus(ctx, paused.ID, StatusUpdate{Status: StatusPaused}))
	failing := newRecurring("bob")
	require.NoError(t, store.Create(ctx, failing))
	require.NoError(t, store.SetStatus(ctx, failing.ID, StatusUpdate{Status: StatusFailed}))
	done := newOneTime("bob", time.Now())
	require.NoError(t, store.Create(ctx, done))
	require.NoError(t, store.SetStatus(ctx, done.ID, StatusUpdate{Status: StatusCompleted}))

	jobs, err := store.ListSchedulable(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	ids := []string{jobs[0].ID, jobs[1].ID}
	assert.ElementsMatch(t, []string{active.ID, failing.ID}, ids, "a failed recurring job keeps its schedule")

	index, err := store.StatusIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, index, 4)
	assert.Equal(t, StatusPaused, index[paused.ID])
}

func TestStoreCreateDriverFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("INSERT INTO jobs").WillReturnError(errors.New("disk I/O error"))

	store := NewStore(conn)
	err = store.Create(context.Background(), newRecurring("alice"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create job")
	assert.NotEmpty(t, errors.GetAllDetails(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreStatsDriverFailure(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectQuery("SELECT status, COUNT").WillReturnError(errors.New("database is locked"))

	_, err = NewStore(conn).Stats(context.Background(), "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query job stats")
}
