// Package job holds the durable job record, its execution log and their stores.
package job

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
)

// Type distinguishes one-shot jobs from cron-driven ones
type Type string

const (
	TypeOneTime   Type = "one-time"
	TypeRecurring Type = "recurring"
)

// Status is the lifecycle state of a job record
type Status string

const (
	StatusScheduled Status = "scheduled" // one-time job waiting for its instant
	StatusActive    Status = "active"    // recurring job armed on its cron
	StatusPaused    Status = "paused"    // recurring job with no live schedule
	StatusRunning   Status = "running"   // an attempt is executing
	StatusCompleted Status = "completed" // one-time job finished successfully
	StatusFailed    Status = "failed"    // retries exhausted or fatal configuration
)

// Command names the handler that executes a job
type Command string

const (
	CommandDBBackup     Command = "DB_BACKUP"
	CommandCleanupLogs  Command = "CLEANUP_LOGS"
	CommandSendEmail    Command = "SEND_EMAIL"
	CommandHTTPRequest  Command = "HTTP_REQUEST"
	CommandDataSync     Command = "DATA_SYNC"
	CommandSendReports  Command = "SEND_REPORTS"
	CommandSystemUpdate Command = "SYSTEM_UPDATE"
)

// Commands lists every known command in display order
func Commands() []Command {
	return []Command{
		CommandDBBackup,
		CommandCleanupLogs,
		CommandSendEmail,
		CommandHTTPRequest,
		CommandDataSync,
		CommandSendReports,
		CommandSystemUpdate,
	}
}

// Valid reports whether c is a known command
func (c Command) Valid() bool {
	for _, known := range Commands() {
		if c == known {
			return true
		}
	}
	return false
}

// DefaultMaxRetries applies when a job is created without max_retries
const DefaultMaxRetries = 3

// Job is the durable record of a user's task
type Job struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Type        Type            `json:"type"`
	Command     Command         `json:"command"`
	Payload     json.RawMessage `json:"payload"`
	ScheduledAt *time.Time      `json:"scheduledAt,omitempty"`
	CronExpr    string          `json:"cronExpr,omitempty"`
	Timezone    string          `json:"timezone,omitempty"`
	Status      Status          `json:"status"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	LastRunAt   *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt   *time.Time      `json:"nextRunAt,omitempty"`
	QueueRef    string          `json:"queueRef,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// IsRecurring reports whether the job is driven by a cron expression
func (j *Job) IsRecurring() bool {
	return j.Type == TypeRecurring
}

// InitialStatus is the status a job of type t starts in
func InitialStatus(t Type) Status {
	if t == TypeRecurring {
		return StatusActive
	}
	return StatusScheduled
}

// Normalize trims free-text fields, clears the schedule field the type does not use
// and fills defaults.
func (j *Job) Normalize() {
	j.Name = strings.TrimSpace(j.Name)
	j.Description = strings.TrimSpace(j.Description)
	j.CronExpr = strings.TrimSpace(j.CronExpr)
	j.Timezone = strings.TrimSpace(j.Timezone)

	switch j.Type {
	case TypeOneTime:
		j.CronExpr = ""
		j.Timezone = ""
	case TypeRecurring:
		j.ScheduledAt = nil
	}

	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		j.Payload = json.RawMessage("{}")
	}
	if j.ScheduledAt != nil {
		t := j.ScheduledAt.UTC()
		j.ScheduledAt = &t
	}
}

// Validate checks the type-conditioned fields. It is called before any persistence.
func (j *Job) Validate() error {
	if j.OwnerID == "" {
		return errors.NewValidationError("owner is required")
	}
	if strings.TrimSpace(j.Name) == "" {
		return errors.NewValidationError("name is required")
	}
	if !j.Command.Valid() {
		err := errors.NewValidationError("unknown command %q", j.Command)
		return errors.WithHintf(err, "command must be one of: %s", joinCommands())
	}
	if j.MaxRetries < 0 {
		return errors.NewValidationError("maxRetries must be a non-negative integer")
	}
	if len(j.Payload) > 0 && string(j.Payload) != "null" {
		var obj map[string]interface{}
		if err := json.Unmarshal(j.Payload, &obj); err != nil {
			return errors.NewValidationError("payload must be a JSON object")
		}
	}

	switch j.Type {
	case TypeOneTime:
		if j.ScheduledAt == nil || j.ScheduledAt.IsZero() {
			return errors.NewValidationError("scheduledAt is required for one-time jobs")
		}
	case TypeRecurring:
		if strings.TrimSpace(j.CronExpr) == "" {
			return errors.NewValidationError("cronExpr is required for recurring jobs")
		}
		if err := forecast.Validate(j.CronExpr, strings.TrimSpace(j.Timezone)); err != nil {
			return err
		}
	default:
		return errors.NewValidationError("type must be one of: %s, %s", TypeOneTime, TypeRecurring)
	}
	return nil
}

// ForecastEntry describes the job's schedule for forecasting
func (j *Job) ForecastEntry() forecast.Entry {
	return forecast.Entry{
		JobID:       j.ID,
		Name:        j.Name,
		Command:     string(j.Command),
		CronExpr:    j.CronExpr,
		Timezone:    j.Timezone,
		ScheduledAt: j.ScheduledAt,
		CreatedAt:   j.CreatedAt,
	}
}

func joinCommands() string {
	names := make([]string, 0, len(Commands()))
	for _, c := range Commands() {
		names = append(names, string(c))
	}
	return strings.Join(names, ", ")
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Type   Type
	Status Status
	Limit  int
}

// Stats counts an owner's jobs per status
type Stats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"`
	Paused    int `json:"paused"`
	Running   int `json:"running"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// StatusUpdate is the narrow write the dispatcher performs after an attempt
type StatusUpdate struct {
	Status     Status
	RetryCount int
	// NextRunAt is written only when non-nil
	NextRunAt *time.Time
}
