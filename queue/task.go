// Package queue is a durable delayed and repeating work queue backed by SQLite.
//
// Tasks are single deliveries of a job. Schedulers are cron registrations that
// the poll loop promotes into tasks when due. The queue owns retry bookkeeping:
// attempts_made is incremented on every claim, and failed deliveries are put
// back to waiting with exponential backoff until max_attempts is reached.
package queue

import (
	"time"
)

// Kind tells how a task came to exist
type Kind string

const (
	KindDelayed Kind = "delayed" // one-time job firing
	KindRepeat  Kind = "repeat"  // occurrence promoted from a scheduler
	KindRerun   Kind = "rerun"   // immediate manual replay
)

// State is the lifecycle state of a task
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDiscarded State = "discarded"
)

// RetryPolicy controls redelivery of a failing task
type RetryPolicy struct {
	// MaxAttempts is the total number of deliveries, first attempt included
	MaxAttempts int
	// BackoffBase is the delay before the second attempt; each later attempt doubles it
	BackoffBase time.Duration
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffBase < 0 {
		p.BackoffBase = 0
	}
	return p
}

// Backoff returns the delay after the given failed attempt: base * 2^(attempt-1)
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 1 {
		return 0
	}
	shift := attempt - 1
	if shift > 20 {
		shift = 20
	}
	return base * time.Duration(1<<uint(shift))
}

// Task is one queued delivery of a job
type Task struct {
	ID           string
	JobID        string
	SchedulerID  string
	Kind         Kind
	OccurrenceAt time.Time
	RunAt        time.Time
	AttemptsMade int
	MaxAttempts  int
	BackoffMS    int64
	State        State
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Scheduler is a cron registration that produces repeat tasks
type Scheduler struct {
	ID          string
	JobID       string
	CronExpr    string
	Timezone    string
	MaxAttempts int
	BackoffMS   int64
	NextRunAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// SchedulerSpec describes a scheduler to install or replace
type SchedulerSpec struct {
	ID       string
	JobID    string
	CronExpr string
	Timezone string
	Policy   RetryPolicy
}

// Delivery is what a Processor receives for one attempt
type Delivery struct {
	TaskID       string
	JobID        string
	SchedulerID  string
	Kind         Kind
	Attempt      int
	MaxAttempts  int
	OccurrenceAt time.Time
}

// IsFinalAttempt reports whether a failure of this attempt exhausts the task
func (d Delivery) IsFinalAttempt() bool {
	return d.Attempt >= d.MaxAttempts
}

// Stats counts tasks per state plus installed schedulers
type Stats struct {
	Waiting    int `json:"waiting"`
	Active     int `json:"active"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Discarded  int `json:"discarded"`
	Schedulers int `json:"schedulers"`
}

// ClearResult reports what Clear removed
type ClearResult struct {
	Tasks      int64 `json:"tasks"`
	Schedulers int64 `json:"schedulers"`
}
