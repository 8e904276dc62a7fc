package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
)

// EnqueueRequest is the JSON body for POST /jobs.
type EnqueueRequest struct {
	Plugin      string `json:"plugin"`
	PayloadRef  string `json:"payload_ref"`
	SubmittedBy string `json:"submitted_by,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	// Status is queued unless the producer holds the job as pending or staged.
	Status string `json:"status,omitempty"`
}

// EnqueueResponse is returned on successful job enqueue
type EnqueueResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
	Plugin string `json:"plugin"`
}

// JobView is the operator representation of a job row. DisplayStatus is
// derived on every read.
type JobView struct {
	ID              string     `json:"id"`
	Plugin          string     `json:"plugin"`
	PayloadRef      string     `json:"payload_ref"`
	Status          string     `json:"status"`
	Outcome         *string    `json:"outcome"`
	DisplayStatus   string     `json:"display_status"`
	Attempt         int        `json:"attempt"`
	MaxAttempts     int        `json:"max_attempts"`
	SubmittedBy     string     `json:"submitted_by"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	LastError       *string    `json:"last_error,omitempty"`
	ManifestID      *string    `json:"manifest_id,omitempty"`
	PluginVersion   *string    `json:"plugin_version,omitempty"`
	RowsOK          int64      `json:"rows_ok"`
	RowsQuarantined int64      `json:"rows_quarantined"`
}

func jobView(j *queue.Job) JobView {
	v := JobView{
		ID:              j.ID,
		Plugin:          j.Plugin,
		PayloadRef:      j.PayloadRef,
		Status:          string(j.Status),
		DisplayStatus:   queue.DisplayStatus(j.Status, j.Outcome),
		Attempt:         j.Attempt,
		MaxAttempts:     j.MaxAttempts,
		SubmittedBy:     j.SubmittedBy,
		CreatedAt:       j.CreatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
		LastError:       j.LastError,
		ManifestID:      j.ManifestID,
		PluginVersion:   j.PluginVersion,
		RowsOK:          j.RowsOK,
		RowsQuarantined: j.RowsQuarantined,
	}
	if j.Outcome != nil {
		o := string(*j.Outcome)
		v.Outcome = &o
	}
	return v
}

// JobListResponse is returned by GET /jobs.
type JobListResponse struct {
	Jobs []JobView `json:"jobs"`
}

// AttemptView is one entry of a job's attempt log.
type AttemptView struct {
	Attempt       int             `json:"attempt"`
	Outcome       string          `json:"outcome"`
	Termination   string          `json:"termination"`
	Error         *string         `json:"error,omitempty"`
	ExitCode      *int            `json:"exit_code,omitempty"`
	ManifestID    *string         `json:"manifest_id,omitempty"`
	PluginVersion *string         `json:"plugin_version,omitempty"`
	Diagnostics   string          `json:"diagnostics,omitempty"`
	Logs          json.RawMessage `json:"logs,omitempty"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at"`
}

func attemptView(a queue.Attempt) AttemptView {
	return AttemptView{
		Attempt:       a.Attempt,
		Outcome:       string(a.Outcome),
		Termination:   a.Termination,
		Error:         a.Error,
		ExitCode:      a.ExitCode,
		ManifestID:    a.ManifestID,
		PluginVersion: a.PluginVersion,
		Diagnostics:   a.Diagnostics,
		Logs:          json.RawMessage(a.LogLines),
		StartedAt:     a.StartedAt,
		CompletedAt:   a.CompletedAt,
	}
}

// QuarantineView is one quarantined row.
type QuarantineView struct {
	ID        string    `json:"id"`
	Attempt   int       `json:"attempt"`
	Source    string    `json:"source"`
	RowOffset *int64    `json:"row_offset,omitempty"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	Fragment  string    `json:"fragment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func quarantineView(r quarantine.Record) QuarantineView {
	return QuarantineView{
		ID:        r.ID,
		Attempt:   r.Attempt,
		Source:    r.Source,
		RowOffset: r.RowOffset,
		Category:  string(r.Category),
		Message:   r.Message,
		Fragment:  r.Fragment,
		CreatedAt: r.CreatedAt,
	}
}

// BreakerView is a plugin's breaker with its resume countdown.
type BreakerView struct {
	Plugin              string     `json:"plugin"`
	Mode                string     `json:"mode"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	FailureRate         float64    `json:"failure_rate"`
	Samples             int        `json:"samples"`
	TripCount           int        `json:"trip_count"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
	ResumeAt            *time.Time `json:"resume_at,omitempty"`
	ResumeInSeconds     *int64     `json:"resume_in_seconds,omitempty"`
}

func breakerView(st breaker.State, now time.Time) BreakerView {
	v := BreakerView{
		Plugin:              st.Plugin,
		Mode:                string(st.Mode),
		ConsecutiveFailures: st.ConsecutiveFailures,
		FailureRate:         st.FailureRate(),
		Samples:             len(st.Window),
		TripCount:           st.TripCount,
		PausedAt:            st.PausedAt,
		ResumeAt:            st.ResumeAt,
	}
	if st.ResumeAt != nil {
		secs := int64(st.ResumeAt.Sub(now).Seconds())
		if secs < 0 {
			secs = 0
		}
		v.ResumeInSeconds = &secs
	}
	return v
}

// ManifestView is one registered plugin version.
type ManifestView struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Version     string     `json:"version"`
	ContentHash string     `json:"content_hash"`
	Entrypoint  string     `json:"entrypoint"`
	Status      string     `json:"status"`
	Reason      *string    `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

func manifestView(e *plugin.Entry) ManifestView {
	return ManifestView{
		ID:          e.ID,
		Name:        e.Name,
		Version:     e.Version,
		ContentHash: e.ContentHash,
		Entrypoint:  e.Entrypoint,
		Status:      string(e.Status),
		Reason:      e.Reason,
		CreatedAt:   e.CreatedAt,
		ActivatedAt: e.ActivatedAt,
	}
}

// RejectRequest is the JSON body for POST /manifests/{id}/reject.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	QueueDepth      int    `json:"queue_depth"`
	RunningSessions int    `json:"running_sessions"`
	PluginsPaused   int    `json:"plugins_paused"`
}
