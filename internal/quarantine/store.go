package quarantine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/storage"
)

type Category string

const (
	CategoryPluginReported  Category = "plugin_reported"
	CategoryTypeMismatch    Category = "type_mismatch"
	CategorySchemaViolation Category = "schema_violation"
)

// maxFragmentBytes bounds the raw fragment kept per record.
const maxFragmentBytes = 4 << 10

// Record is one input row that could not become output. Records are
// append-only; the table refuses updates.
type Record struct {
	ID        string
	JobID     string
	Attempt   int
	Source    string
	RowOffset *int64
	Category  Category
	Message   string
	Fragment  string
	CreatedAt time.Time
}

type Store struct {
	db  storage.DBTX
	now func() time.Time
}

func NewStore(db storage.DBTX) *Store {
	return &Store{db: db, now: time.Now}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx storage.DBTX) *Store {
	return &Store{db: tx, now: s.now}
}

// Insert appends records for one job attempt.
func (s *Store) Insert(ctx context.Context, jobID string, attempt int, records []Record) error {
	now := storage.FormatTime(s.now())
	for _, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		frag := storage.TruncateUTF8(r.Fragment, maxFragmentBytes)
		_, err := s.db.ExecContext(ctx, `
INSERT INTO quarantine_record(id, job_id, attempt, source, row_offset, category, message, fragment, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, r.ID, jobID, attempt, r.Source, r.RowOffset, r.Category, r.Message, frag, now)
		if err != nil {
			return fmt.Errorf("insert quarantine_record: %w", err)
		}
	}
	return nil
}

// ListByJob returns a job's records across all attempts, in insert order.
func (s *Store) ListByJob(ctx context.Context, jobID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, job_id, attempt, source, row_offset, category, message, fragment, created_at
FROM quarantine_record
WHERE job_id = ?
ORDER BY attempt ASC, rowid ASC;
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query quarantine_record: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r         Record
			source    sql.NullString
			offset    sql.NullInt64
			category  string
			message   sql.NullString
			fragment  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.JobID, &r.Attempt, &source, &offset, &category, &message, &fragment, &createdAt); err != nil {
			return nil, fmt.Errorf("scan quarantine_record: %w", err)
		}
		r.Source = source.String
		if offset.Valid {
			v := offset.Int64
			r.RowOffset = &v
		}
		r.Category = Category(category)
		r.Message = message.String
		r.Fragment = fragment.String
		r.CreatedAt = storage.ParseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the number of records for one job attempt.
func (s *Store) Count(ctx context.Context, jobID string, attempt int) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quarantine_record WHERE job_id = ? AND attempt = ?;`, jobID, attempt).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count quarantine_record: %w", err)
	}
	return n, nil
}
