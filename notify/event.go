// Package notify delivers job lifecycle events to the owning user's live
// connections and to the durable notification inbox.
package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the lifecycle moment an event reports
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventRetrying  EventType = "retrying"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
)

// Level is the severity shown to the user
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Level returns the severity an event of this type is shown with
func (t EventType) Level() Level {
	switch t {
	case EventCompleted:
		return LevelSuccess
	case EventRetrying:
		return LevelWarning
	case EventFailed:
		return LevelError
	default:
		return LevelInfo
	}
}

// Event is one job lifecycle notification
type Event struct {
	ID        string    `json:"id"`
	JobID     string    `json:"jobId"`
	OwnerID   string    `json:"ownerId"`
	Type      EventType `json:"type"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Command   string    `json:"command,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`

	// Origin identifies the process that produced the event, for relay loop prevention
	Origin string `json:"origin,omitempty"`
}

// JobRef is the slice of a job an event needs
type JobRef struct {
	ID      string
	OwnerID string
	Name    string
	Command string
}

// NewEvent builds an event with a title and message derived from its type
func NewEvent(t EventType, ref JobRef, attempt int, err error) Event {
	ev := Event{
		ID:        uuid.NewString(),
		JobID:     ref.ID,
		OwnerID:   ref.OwnerID,
		Type:      t,
		Level:     t.Level(),
		Command:   ref.Command,
		Attempt:   attempt,
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}

	switch t {
	case EventStarted:
		ev.Title = "Job started"
		ev.Message = fmt.Sprintf("%s started (attempt %d)", ref.Name, attempt)
	case EventCompleted:
		ev.Title = "Job completed"
		ev.Message = fmt.Sprintf("%s completed successfully", ref.Name)
	case EventRetrying:
		ev.Title = "Job retrying"
		ev.Message = fmt.Sprintf("%s failed on attempt %d and will be retried", ref.Name, attempt)
	case EventFailed:
		ev.Title = "Job failed"
		ev.Message = fmt.Sprintf("%s failed: %s", ref.Name, ev.Error)
	case EventSkipped:
		ev.Title = "Job skipped"
		ev.Message = fmt.Sprintf("%s is paused, run skipped", ref.Name)
	}
	return ev
}
