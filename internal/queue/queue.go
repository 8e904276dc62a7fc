package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/storage"
)

const defaultMaxAttempts = 3

const jobColumns = `id, plugin, payload_ref, status, outcome, attempt, max_attempts, submitted_by,
  created_at, started_at, completed_at, last_error, manifest_id, plugin_version, rows_ok, rows_quarantined`

// Queue is the durable job table. Every mutation is a single-row
// compare-and-swap on the observed status.
type Queue struct {
	db  storage.DBTX
	now func() time.Time
}

func New(db storage.DBTX) *Queue {
	return &Queue{db: db, now: time.Now}
}

// WithTx returns a Queue bound to tx.
func (q *Queue) WithTx(tx storage.DBTX) *Queue {
	return &Queue{db: tx, now: q.now}
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if strings.TrimSpace(req.Plugin) == "" {
		return "", fmt.Errorf("%w: plugin is empty", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.PayloadRef) == "" {
		return "", fmt.Errorf("%w: payload_ref is empty", ErrInvalidRequest)
	}
	if req.SubmittedBy == "" {
		return "", fmt.Errorf("%w: submitted_by is empty", ErrInvalidRequest)
	}

	status := req.Status
	if status == "" {
		status = StatusQueued
	}
	if status != StatusQueued && status != StatusPending && status != StatusStaged {
		return "", fmt.Errorf("%w: initial status %q", ErrInvalidRequest, status)
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_queue(id, plugin, payload_ref, status, attempt, max_attempts, submitted_by, created_at)
VALUES(?, ?, ?, ?, 1, ?, ?, ?);
`, id, req.Plugin, req.PayloadRef, status, maxAttempts, req.SubmittedBy, storage.FormatTime(q.now()))
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimOldestEligible atomically moves the oldest eligible queued job to
// running and returns it. Returns (nil, nil) when nothing is eligible.
// Concurrent callers never receive the same job.
func (q *Queue) ClaimOldestEligible(ctx context.Context, filter ClaimFilter) (*Job, error) {
	var (
		where = []string{"j.status = ?"}
		args  = []any{StatusQueued}
	)
	if len(filter.ExcludePlugins) > 0 {
		where = append(where, "j.plugin NOT IN ("+placeholders(len(filter.ExcludePlugins))+")")
		for _, p := range filter.ExcludePlugins {
			args = append(args, p)
		}
	}
	if len(filter.Plugins) > 0 {
		where = append(where, "j.plugin IN ("+placeholders(len(filter.Plugins))+")")
		for _, p := range filter.Plugins {
			args = append(args, p)
		}
	}
	if filter.RequireActiveManifest {
		where = append(where, `EXISTS (
    SELECT 1 FROM plugin_manifest m
    WHERE m.plugin_name = j.plugin AND m.status IN ('active', 'deployed'))`)
	}

	now := storage.FormatTime(q.now())
	query := `
UPDATE job_queue
SET status = ?, started_at = ?
WHERE id = (
  SELECT j.id FROM job_queue j
  WHERE ` + strings.Join(where, "\n    AND ") + `
  ORDER BY j.created_at ASC, j.rowid ASC
  LIMIT 1
) AND status = ?
RETURNING ` + jobColumns + `;`

	fullArgs := append([]any{StatusRunning, now}, args...)
	fullArgs = append(fullArgs, StatusQueued)

	j, err := scanJob(q.db.QueryRowContext(ctx, query, fullArgs...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Transition applies a direct status change. Terminal statuses need an
// outcome; non-terminal ones must not have one.
func (q *Queue) Transition(ctx context.Context, jobID string, to Status, outcome *Outcome) error {
	if !to.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	from, err := q.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return &TransitionError{JobID: jobID, From: from, To: to}
	}
	if err := checkOutcome(jobID, from, to, outcome); err != nil {
		return err
	}

	now := storage.FormatTime(q.now())
	var outcomeVal any
	if outcome != nil {
		outcomeVal = string(*outcome)
	}
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?,
    outcome = ?,
    started_at = CASE WHEN ? = 'running' THEN ? ELSE started_at END,
    completed_at = CASE WHEN ? IN ('completed', 'failed', 'skipped') THEN ? ELSE completed_at END
WHERE id = ? AND status = ?;
`, to, outcomeVal, to, now, to, now, jobID, from)
	if err != nil {
		return fmt.Errorf("transition job: %w", err)
	}
	return expectOneRow(res, jobID)
}

// Finish moves a running job to a terminal status with its outcome and row
// counters.
func (q *Queue) Finish(ctx context.Context, jobID string, req FinishRequest) error {
	if !req.Status.Terminal() {
		return &TransitionError{JobID: jobID, From: StatusRunning, To: req.Status, Reason: "finish requires a terminal status"}
	}
	if err := checkOutcome(jobID, StatusRunning, req.Status, &req.Outcome); err != nil {
		return err
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, outcome = ?, completed_at = ?, last_error = ?, rows_ok = ?, rows_quarantined = ?
WHERE id = ? AND status = ?;
`, req.Status, req.Outcome, storage.FormatTime(q.now()), req.Error, req.RowsOK, req.RowsQuarantined, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	from, err := q.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return &TransitionError{JobID: jobID, From: from, To: req.Status, Reason: "job is not running"}
}

// Requeue resets a failed job to queued, clearing its outcome and bumping the
// attempt counter. Requeuing a job that is already queued is a no-op.
func (q *Queue) Requeue(ctx context.Context, jobID string) error {
	from, err := q.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	switch from {
	case StatusQueued:
		return nil
	case StatusFailed:
	default:
		return &TransitionError{JobID: jobID, From: from, To: StatusQueued, Reason: "only failed jobs can be requeued"}
	}

	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, outcome = NULL, attempt = attempt + 1, started_at = NULL, completed_at = NULL
WHERE id = ? AND status = ?;
`, StatusQueued, jobID, StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return expectOneRow(res, jobID)
}

// RequeueRejected sends a running job whose input was rejected back to
// queued so it can be redone.
func (q *Queue) RequeueRejected(ctx context.Context, jobID, reason string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, outcome = NULL, attempt = attempt + 1, started_at = NULL, completed_at = NULL, last_error = ?
WHERE id = ? AND status = ?;
`, StatusQueued, reason, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("requeue rejected job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	from, err := q.currentStatus(ctx, jobID)
	if err != nil {
		return err
	}
	return &TransitionError{JobID: jobID, From: from, To: StatusQueued, Reason: "only running jobs can be rejected"}
}

// AttachManifest records which plugin version is running a job.
func (q *Queue) AttachManifest(ctx context.Context, jobID, manifestID, version string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET manifest_id = ?, plugin_version = ?
WHERE id = ? AND status = ?;
`, manifestID, version, jobID, StatusRunning)
	if err != nil {
		return fmt.Errorf("attach manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := q.currentStatus(ctx, jobID); err != nil {
		return err
	}
	return fmt.Errorf("%w: job %s is not running", ErrConflict, jobID)
}

// ReleaseStaged moves every staged job of plugin to queued and returns the count.
func (q *Queue) ReleaseStaged(ctx context.Context, plugin string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE job_queue SET status = ? WHERE plugin = ? AND status = ?;
`, StatusQueued, plugin, StatusStaged)
	if err != nil {
		return 0, fmt.Errorf("release staged jobs: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) Get(ctx context.Context, jobID string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = ?;`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Plugin != "" {
		where = append(where, "plugin = ?")
		args = append(args, filter.Plugin)
	}
	query := `SELECT ` + jobColumns + ` FROM job_queue`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return q.queryJobs(ctx, query, args...)
}

// FindByStatus returns all jobs in status, oldest first.
func (q *Queue) FindByStatus(ctx context.Context, status Status) ([]*Job, error) {
	return q.List(ctx, ListFilter{Status: status})
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_queue WHERE status = ?;`, StatusQueued).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

func (q *Queue) currentStatus(ctx context.Context, jobID string) (Status, error) {
	if jobID == "" {
		return "", fmt.Errorf("jobID is empty")
	}
	var s string
	err := q.db.QueryRowContext(ctx, `SELECT status FROM job_queue WHERE id = ?;`, jobID).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	return Status(s), nil
}

func (q *Queue) queryJobs(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: job %s", ErrConflict, jobID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j             Job
		status        string
		outcome       sql.NullString
		createdAt     string
		startedAt     sql.NullString
		completedAt   sql.NullString
		lastError     sql.NullString
		manifestID    sql.NullString
		pluginVersion sql.NullString
	)
	err := row.Scan(
		&j.ID, &j.Plugin, &j.PayloadRef, &status, &outcome, &j.Attempt, &j.MaxAttempts, &j.SubmittedBy,
		&createdAt, &startedAt, &completedAt, &lastError, &manifestID, &pluginVersion, &j.RowsOK, &j.RowsQuarantined,
	)
	if err != nil {
		return nil, err
	}

	j.Status = Status(status)
	if outcome.Valid {
		o := Outcome(outcome.String)
		j.Outcome = &o
	}
	j.CreatedAt = storage.ParseTime(createdAt)
	j.StartedAt = storage.ParseNullTime(startedAt)
	j.CompletedAt = storage.ParseNullTime(completedAt)
	j.LastError = nullString(lastError)
	j.ManifestID = nullString(manifestID)
	j.PluginVersion = nullString(pluginVersion)
	return &j, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
