package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/storage"
)

const maxDiagnosticsBytes = 64 * 1024

// InsertAttempt appends the log row for one finished session.
func (q *Queue) InsertAttempt(ctx context.Context, a Attempt) error {
	if a.JobID == "" {
		return fmt.Errorf("attempt job id is empty")
	}
	if !a.Outcome.Valid() {
		return fmt.Errorf("invalid attempt outcome: %q", a.Outcome)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CompletedAt.IsZero() {
		a.CompletedAt = q.now()
	}
	diag := storage.TruncateUTF8(a.Diagnostics, maxDiagnosticsBytes)
	var logLines any
	if len(a.LogLines) > 0 {
		logLines = string(a.LogLines)
	}

	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_attempt(
  id, job_id, attempt, plugin, manifest_id, plugin_version, outcome, termination,
  error, exit_code, diagnostics, log_lines, started_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, a.ID, a.JobID, a.Attempt, a.Plugin, a.ManifestID, a.PluginVersion, a.Outcome, a.Termination,
		a.Error, a.ExitCode, diag, logLines, storage.NullTime(a.StartedAt), storage.FormatTime(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("insert job_attempt: %w", err)
	}
	return nil
}

// ListAttempts returns a job's attempt log, oldest first.
func (q *Queue) ListAttempts(ctx context.Context, jobID string) ([]Attempt, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, job_id, attempt, plugin, manifest_id, plugin_version, outcome, termination,
  error, exit_code, diagnostics, log_lines, started_at, completed_at
FROM job_attempt
WHERE job_id = ?
ORDER BY attempt ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job_attempt: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a             Attempt
			outcome       string
			manifestID    sql.NullString
			pluginVersion sql.NullString
			errMsg        sql.NullString
			exitCode      sql.NullInt64
			diagnostics   sql.NullString
			logLines      sql.NullString
			startedAt     sql.NullString
			completedAt   string
		)
		if err := rows.Scan(&a.ID, &a.JobID, &a.Attempt, &a.Plugin, &manifestID, &pluginVersion, &outcome, &a.Termination,
			&errMsg, &exitCode, &diagnostics, &logLines, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan job_attempt: %w", err)
		}
		a.Outcome = Outcome(outcome)
		a.ManifestID = nullString(manifestID)
		a.PluginVersion = nullString(pluginVersion)
		a.Error = nullString(errMsg)
		if exitCode.Valid {
			c := int(exitCode.Int64)
			a.ExitCode = &c
		}
		a.Diagnostics = diagnostics.String
		if logLines.Valid {
			a.LogLines = []byte(logLines.String)
		}
		a.StartedAt = storage.ParseNullTime(startedAt)
		a.CompletedAt = storage.ParseTime(completedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
