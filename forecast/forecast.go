// Package forecast computes future firing instants of cron schedules.
//
// Expressions use the standard five-field syntax plus descriptors such as
// @daily and @every. A CRON_TZ= or TZ= prefix inside the expression takes
// precedence over the timezone argument.
package forecast

import (
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/teranos/cadence/errors"
)

// MaxIterations caps the number of instants produced for a single schedule
const MaxIterations = 1000

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse compiles expr in the given IANA timezone (empty means UTC).
// Malformed expressions and unknown zones are validation errors.
func Parse(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.NewValidationError("cron expression is empty")
	}

	spec := expr
	if tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, errors.NewValidationError("unknown timezone %q", tz)
		}
		spec = "CRON_TZ=" + tz + " " + expr
	}

	sched, err := parser.Parse(spec)
	if err != nil {
		verr := errors.NewValidationError("invalid cron expression %q: %v", expr, err)
		return nil, errors.WithHint(verr, "use five fields: minute hour day-of-month month day-of-week")
	}
	return sched, nil
}

// Validate reports whether expr parses in tz
func Validate(expr, tz string) error {
	_, err := Parse(expr, tz)
	return err
}

// Next returns the first instant strictly after 'after'
func Next(expr, tz string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after)
	if next.IsZero() {
		return time.Time{}, errors.NewValidationError("cron expression %q never fires", expr)
	}
	return next.UTC(), nil
}

// Occurrences returns the instants of expr strictly after max(createdAt, from)
// and at or before until, capped at MaxIterations.
func Occurrences(expr, tz string, from, until, createdAt time.Time) ([]time.Time, error) {
	sched, err := Parse(expr, tz)
	if err != nil {
		return nil, err
	}

	start := from
	if createdAt.After(start) {
		start = createdAt
	}

	var out []time.Time
	t := start
	for i := 0; i < MaxIterations; i++ {
		t = sched.Next(t)
		if t.IsZero() || t.After(until) {
			break
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// Window is a closed forecasting interval
type Window struct {
	From  time.Time `json:"from"`
	Until time.Time `json:"to"`
}

// Validate rejects empty and inverted windows
func (w Window) Validate() error {
	if w.From.IsZero() || w.Until.IsZero() {
		return errors.NewValidationError("forecast window needs both from and to")
	}
	if w.Until.Before(w.From) {
		return errors.NewValidationError("forecast window ends before it starts")
	}
	return nil
}

// Entry is one schedule to forecast. Recurring entries carry CronExpr,
// one-time entries carry ScheduledAt.
type Entry struct {
	JobID       string
	Name        string
	Command     string
	CronExpr    string
	Timezone    string
	ScheduledAt *time.Time
	CreatedAt   time.Time
}

// Occurrence is a single predicted firing
type Occurrence struct {
	JobID   string    `json:"jobId"`
	Name    string    `json:"name"`
	Command string    `json:"command"`
	At      time.Time `json:"at"`
}

// EntryError records why one entry could not be forecast
type EntryError struct {
	JobID string `json:"jobId"`
	Error string `json:"error"`
}

// Forecast is the merged, time-ordered result of ForJobs
type Forecast struct {
	Window      Window       `json:"window"`
	Occurrences []Occurrence `json:"occurrences"`
	Errors      []EntryError `json:"errors,omitempty"`
}

// ForJobs forecasts every entry over the window. A failing entry is recorded
// in Errors and the rest are still forecast.
func ForJobs(entries []Entry, w Window) (*Forecast, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}

	fc := &Forecast{Window: w, Occurrences: []Occurrence{}}
	for _, e := range entries {
		if e.CronExpr == "" {
			if e.ScheduledAt != nil && e.ScheduledAt.After(w.From) && !e.ScheduledAt.After(w.Until) {
				fc.Occurrences = append(fc.Occurrences, Occurrence{
					JobID: e.JobID, Name: e.Name, Command: e.Command, At: e.ScheduledAt.UTC(),
				})
			}
			continue
		}

		times, err := Occurrences(e.CronExpr, e.Timezone, w.From, w.Until, e.CreatedAt)
		if err != nil {
			fc.Errors = append(fc.Errors, EntryError{JobID: e.JobID, Error: err.Error()})
			continue
		}
		for _, t := range times {
			fc.Occurrences = append(fc.Occurrences, Occurrence{
				JobID: e.JobID, Name: e.Name, Command: e.Command, At: t,
			})
		}
	}

	sort.SliceStable(fc.Occurrences, func(i, j int) bool {
		return fc.Occurrences[i].At.Before(fc.Occurrences[j].At)
	})
	return fc, nil
}
