package queue

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mattjoyce/quarry/internal/storage"
)

// InsertOutput persists one screened batch of valid rows.
func (q *Queue) InsertOutput(ctx context.Context, b OutputBatch) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = q.now()
	}
	_, err := q.db.ExecContext(ctx, `
INSERT INTO job_output(job_id, attempt, batch_seq, source, row_offset, columns, rows, row_count, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, b.JobID, b.Attempt, b.BatchSeq, b.Source, b.RowOffset, string(b.Columns), string(b.Rows), b.RowCount, storage.FormatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert job_output: %w", err)
	}
	return nil
}

// ListOutput returns every persisted batch for a job, ordered by attempt and sequence.
func (q *Queue) ListOutput(ctx context.Context, jobID string) ([]OutputBatch, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT job_id, attempt, batch_seq, source, row_offset, columns, rows, row_count, created_at
FROM job_output
WHERE job_id = ?
ORDER BY attempt ASC, batch_seq ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query job_output: %w", err)
	}
	defer rows.Close()

	var out []OutputBatch
	for rows.Next() {
		var (
			b         OutputBatch
			source    sql.NullString
			rowOffset sql.NullInt64
			columns   string
			data      string
			createdAt string
		)
		if err := rows.Scan(&b.JobID, &b.Attempt, &b.BatchSeq, &source, &rowOffset, &columns, &data, &b.RowCount, &createdAt); err != nil {
			return nil, fmt.Errorf("scan job_output: %w", err)
		}
		b.Source = source.String
		if rowOffset.Valid {
			off := rowOffset.Int64
			b.RowOffset = &off
		}
		b.Columns = []byte(columns)
		b.Rows = []byte(data)
		b.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}
