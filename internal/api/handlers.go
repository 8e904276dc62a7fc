package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/dispatch"
	"github.com/mattjoyce/quarry/internal/events"
	qlog "github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/queue"
)

const maxListLimit = 500

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("failed to compute queue depth", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute queue depth")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
	}
	if s.dispatcher != nil {
		resp.RunningSessions = s.dispatcher.Running()
	}
	if states, err := s.breakers.List(r.Context()); err == nil {
		for _, st := range states {
			if st.Mode == breaker.ModePaused {
				resp.PluginsPaused++
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEnqueue handles POST /jobs, the upstream producer's entry point.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SubmittedBy == "" {
		req.SubmittedBy = "api"
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.config.MaxAttempts
	}

	id, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Plugin:      strings.TrimSpace(req.Plugin),
		PayloadRef:  req.PayloadRef,
		SubmittedBy: req.SubmittedBy,
		MaxAttempts: req.MaxAttempts,
		Status:      queue.Status(req.Status),
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidRequest) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("enqueue failed", "plugin", req.Plugin, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load enqueued job")
		return
	}
	s.metrics.JobEnqueued(job.Plugin)
	s.events.Publish(events.JobEnqueued, map[string]any{
		"job_id":       job.ID,
		"plugin":       job.Plugin,
		"submitted_by": job.SubmittedBy,
	})
	if s.dispatcher != nil && job.Status == queue.StatusQueued {
		s.dispatcher.Wake()
	}

	s.writeJSON(w, http.StatusAccepted, EnqueueResponse{JobID: job.ID, Status: string(job.Status), Plugin: job.Plugin})
}

// handleListJobs handles GET /jobs?status=&plugin=&limit=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.ListFilter{Plugin: q.Get("plugin"), Limit: 100}
	if v := q.Get("status"); v != "" {
		filter.Status = queue.Status(v)
		if !filter.Status.Valid() {
			s.writeError(w, http.StatusBadRequest, "unknown status "+strconv.Quote(v))
			return
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxListLimit {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxListLimit))
			return
		}
		filter.Limit = n
	}

	jobs, err := s.queue.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list jobs failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	resp := JobListResponse{Jobs: make([]JobView, 0, len(jobs))}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, jobView(j))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /jobs/{jobID}.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

func (s *Server) handleJobQuarantine(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	records, err := s.quarantine.ListByJob(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list quarantine failed", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list quarantine records")
		return
	}
	out := make([]QuarantineView, 0, len(records))
	for _, rec := range records {
		out = append(out, quarantineView(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "records": out})
}

func (s *Server) handleJobAttempts(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	attempts, err := s.queue.ListAttempts(r.Context(), job.ID)
	if err != nil {
		s.logger.Error("list attempts failed", "job_id", job.ID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	out := make([]AttemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView(a))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": job.ID, "attempts": out})
}

// handleRequeue handles POST /jobs/{jobID}/requeue. Only failed jobs can be
// requeued; requeuing a queued job is a no-op.
func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	err := s.queue.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, queue.ErrInvalidTransition), errors.Is(err, queue.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("requeue failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to requeue job")
		return
	}

	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.logger.Info("job requeued by operator", "job_id", id, "attempt", job.Attempt)
	s.metrics.JobRequeued(job.Plugin, "manual")
	s.events.Publish(events.JobRequeued, map[string]any{"job_id": id, "plugin": job.Plugin, "attempt": job.Attempt, "by": "operator"})
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	s.writeJSON(w, http.StatusOK, jobView(job))
}

// handleCancel handles POST /jobs/{jobID}/cancel: a forced early timeout.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if s.dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no dispatcher in this process")
		return
	}
	if err := s.dispatcher.Cancel(job.ID); err != nil {
		if errors.Is(err, dispatch.ErrNotRunning) {
			s.writeError(w, http.StatusConflict, "job is not running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "status": "cancel_requested"})
}

func (s *Server) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	states, err := s.breakers.List(r.Context())
	if err != nil {
		s.logger.Error("list breakers failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list breakers")
		return
	}
	now := s.now()
	out := make([]BreakerView, 0, len(states))
	for _, st := range states {
		out = append(out, breakerView(st, now))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"breakers": out})
}

func (s *Server) handleResumeBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "plugin")
	if err := s.breakers.Resume(r.Context(), name); err != nil {
		if errors.Is(err, breaker.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "no breaker state for plugin")
			return
		}
		s.logger.Error("resume breaker failed", "plugin", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to resume breaker")
		return
	}
	s.logger.Info("breaker resumed by operator", "plugin", name)
	s.events.Publish(events.BreakerResumed, map[string]any{"plugin": name, "by": "operator"})
	if s.dispatcher != nil {
		s.dispatcher.Wake()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"plugin": name, "mode": string(breaker.ModeActive)})
}

func (s *Server) handleListManifests(w http.ResponseWriter, r *http.Request) {
	entries, err := s.manifests.List(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.logger.Error("list manifests failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list manifests")
		return
	}
	out := make([]ManifestView, 0, len(entries))
	for _, e := range entries {
		out = append(out, manifestView(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"manifests": out})
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := s.manifests.Promote(r.Context(), id)
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "manifest not found")
		return
	case errors.Is(err, plugin.ErrDuplicateVersion):
		qlog.Invariant(s.logger, "duplicate manifest promotion refused", "manifest_id", id, "error", err)
		s.metrics.InvariantViolation("duplicate_version")
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, plugin.ErrRejectedEntry):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("promote failed", "manifest_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to promote manifest")
		return
	}
	s.logger.Info("manifest promoted", "plugin", entry.Name, "version", entry.Version, "manifest_id", entry.ID)
	s.events.Publish(events.ManifestPromoted, map[string]any{"manifest_id": entry.ID, "plugin": entry.Name, "version": entry.Version})
	s.writeJSON(w, http.StatusOK, manifestView(entry))
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req RejectRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		s.writeError(w, http.StatusBadRequest, "reason is required")
		return
	}
	prior, err := s.manifests.Reject(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, plugin.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "manifest not found")
		return
	case err != nil:
		s.logger.Error("reject failed", "manifest_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to reject manifest")
		return
	}
	wasActive := prior.Status == plugin.StatusActive
	if wasActive {
		s.logger.Warn("active manifest rejected; plugin has no active version",
			"plugin", prior.Name, "version", prior.Version, "manifest_id", id)
	}
	s.events.Publish(events.ManifestRejected, map[string]any{
		"manifest_id": id, "plugin": prior.Name, "version": prior.Version, "reason": req.Reason, "was_active": wasActive,
	})
	s.writeJSON(w, http.StatusOK, map[string]any{"manifest_id": id, "status": string(plugin.StatusRejected), "was_active": wasActive})
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (*queue.Job, bool) {
	id := chi.URLParam(r, "jobID")
	job, err := s.queue.Get(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return nil, false
	}
	return job, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
