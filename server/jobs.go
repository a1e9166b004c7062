package server

import (
	"context"
	"net/http"
	"time"

	"github.com/teranos/cadence/engine"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/forecast"
	"github.com/teranos/cadence/job"
	"github.com/teranos/cadence/logger"
)

// CreateJobRequest is the body of POST /api/jobs. scheduleType and runAt are
// accepted as aliases of type and scheduledAt.
type CreateJobRequest struct {
	engine.Spec
	ScheduleType job.Type   `json:"scheduleType,omitempty"`
	RunAt        *time.Time `json:"runAt,omitempty"`
}

func (r CreateJobRequest) spec() engine.Spec {
	spec := r.Spec
	if spec.Type == "" {
		spec.Type = r.ScheduleType
	}
	if spec.ScheduledAt == nil {
		spec.ScheduledAt = r.RunAt
	}
	return spec
}

// UpdateJobRequest is the body of PATCH /api/jobs/{id}
type UpdateJobRequest struct {
	engine.Patch
	ScheduleType *job.Type  `json:"scheduleType,omitempty"`
	RunAt        *time.Time `json:"runAt,omitempty"`
}

func (r UpdateJobRequest) patch() engine.Patch {
	p := r.Patch
	if p.Type == nil {
		p.Type = r.ScheduleType
	}
	if p.ScheduledAt == nil {
		p.ScheduledAt = r.RunAt
	}
	return p
}

// ListJobsResponse is the body of GET /api/jobs
type ListJobsResponse struct {
	Jobs  []*job.Job `json:"jobs"`
	Count int        `json:"count"`
}

// HandleListJobs lists the caller's jobs, optionally filtered by type and status
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid limit")
		return
	}
	filter := job.ListFilter{
		Type:   job.Type(r.URL.Query().Get("type")),
		Status: job.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	}

	jobs, err := s.engine.ListJobs(r.Context(), ownerID(r), filter)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleCreateJob creates a job and registers its schedule
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	j, err := s.engine.CreateJob(r.Context(), ownerID(r), req.spec())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to create job")
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// HandleJobStats returns the caller's job counts per status
func (s *Server) HandleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.GetJobStats(r.Context(), ownerID(r))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to count jobs")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// HandleForecast previews upcoming firings. from defaults to now and to
// defaults to a week after from; both are RFC 3339.
func (s *Server) HandleForecast(w http.ResponseWriter, r *http.Request) {
	window, err := parseWindow(r, time.Now().UTC())
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid forecast window")
		return
	}

	fc, err := s.engine.ForecastOccurrences(r.Context(), ownerID(r), window)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to forecast jobs")
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func parseWindow(r *http.Request, now time.Time) (forecast.Window, error) {
	q := r.URL.Query()
	w := forecast.Window{From: now}

	if raw := q.Get("from"); raw != "" {
		from, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, errors.NewInvalidRequestError("from must be an RFC 3339 time, got %q", raw)
		}
		w.From = from.UTC()
	}
	w.Until = w.From.Add(DefaultForecastWindow)
	if raw := q.Get("to"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return w, errors.NewInvalidRequestError("to must be an RFC 3339 time, got %q", raw)
		}
		w.Until = until.UTC()
	}
	return w, nil
}

// HandleGetJob returns one job
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.GetJob(r.Context(), ownerID(r), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleUpdateJob applies a partial update
func (s *Server) HandleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req UpdateJobRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	j, err := s.engine.UpdateJob(r.Context(), ownerID(r), r.PathValue("id"), req.patch())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to update job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandleDeleteJob deletes a job and returns the deleted record
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.DeleteJob(r.Context(), ownerID(r), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to delete job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// HandlePauseJob pauses a recurring job
func (s *Server) HandlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "pause", s.engine.PauseJob)
}

// HandleResumeJob resumes a paused recurring job
func (s *Server) HandleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "resume", s.engine.ResumeJob)
}

// HandleToggleJob flips a recurring job between paused and active
func (s *Server) HandleToggleJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "toggle", s.engine.ToggleJob)
}

// HandleRerunJob runs a job once now
func (s *Server) HandleRerunJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, "rerun", s.engine.RerunJob)
}

type jobActionFunc func(ctx context.Context, ownerID, id string) (*job.Job, error)

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action string, fn jobActionFunc) {
	id := r.PathValue("id")
	j, err := fn(r.Context(), ownerID(r), id)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to "+action+" job")
		return
	}
	s.logger.Debugw("Job action applied",
		logger.FieldOperation, action,
		logger.FieldJobID, id,
		logger.FieldStatus, j.Status,
	)
	writeJSON(w, http.StatusOK, j)
}
