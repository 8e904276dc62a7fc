package queue

import (
	"errors"
	"fmt"
	"time"
)

// Status is the queue lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStaged    Status = "staged"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusStaged, StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether a job in this status must carry an outcome.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// Outcome describes how a finished job went. It is independent of Status and
// only set while Status is terminal.
type Outcome string

const (
	OutcomeSuccess               Outcome = "success"
	OutcomePartialSuccess        Outcome = "partial_success"
	OutcomeCompletedWithWarnings Outcome = "completed_with_warnings"
	OutcomeFailed                Outcome = "failed"
	OutcomeRejected              Outcome = "rejected"
	OutcomeAborted               Outcome = "aborted"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomePartialSuccess, OutcomeCompletedWithWarnings,
		OutcomeFailed, OutcomeRejected, OutcomeAborted:
		return true
	}
	return false
}

// Ptr returns a pointer to o, for optional outcome arguments.
func (o Outcome) Ptr() *Outcome { return &o }

type Job struct {
	ID              string
	Plugin          string
	PayloadRef      string
	Status          Status
	Outcome         *Outcome
	Attempt         int
	MaxAttempts     int
	SubmittedBy     string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	LastError       *string
	ManifestID      *string
	PluginVersion   *string
	RowsOK          int64
	RowsQuarantined int64
}

// AttemptsRemaining reports whether an automatic requeue is still allowed.
func (j *Job) AttemptsRemaining() bool {
	return j.Attempt < j.MaxAttempts
}

type EnqueueRequest struct {
	Plugin      string
	PayloadRef  string
	SubmittedBy string
	MaxAttempts int
	// Status is the initial status: queued (default), pending or staged.
	Status Status
}

// ClaimFilter narrows which queued jobs are eligible for a claim.
type ClaimFilter struct {
	// ExcludePlugins are skipped, typically because their breaker is paused.
	ExcludePlugins []string
	// Plugins, when non-empty, restricts claims to these plugin tags.
	Plugins []string
	// RequireActiveManifest skips plugins with no active manifest entry so
	// their jobs stay queued instead of bouncing through running.
	RequireActiveManifest bool
}

// FinishRequest moves a running job to a terminal status.
type FinishRequest struct {
	Status          Status
	Outcome         Outcome
	RowsOK          int64
	RowsQuarantined int64
	Error           *string
}

type ListFilter struct {
	Status Status
	Plugin string
	Limit  int
}

// Attempt is the immutable log row of one finished session.
type Attempt struct {
	ID            string
	JobID         string
	Attempt       int
	Plugin        string
	ManifestID    *string
	PluginVersion *string
	Outcome       Outcome
	Termination   string
	Error         *string
	ExitCode      *int
	Diagnostics   string
	LogLines      []byte // JSON array
	StartedAt     *time.Time
	CompletedAt   time.Time
}

// OutputBatch is a screened, valid batch of rows kept for a job attempt.
type OutputBatch struct {
	JobID     string
	Attempt   int
	BatchSeq  int
	Source    string
	RowOffset *int64
	Columns   []byte // JSON
	Rows      []byte // JSON
	RowCount  int
	CreatedAt time.Time
}

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrConflict          = errors.New("job changed concurrently")
	ErrInvalidRequest    = errors.New("invalid enqueue request")
)

// TransitionError reports a rejected status change.
type TransitionError struct {
	JobID  string
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("job %s: %s -> %s", e.JobID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
