package plugin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/quarry/internal/storage"
)

const entryColumns = `id, plugin_name, version, content_hash, entrypoint, output_schema, status, reason,
  created_at, updated_at, activated_at`

// Registry is the durable table of installed plugin versions. At most one
// entry per plugin holds active at a time; promotion swaps holders inside a
// single transaction.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Register inserts a new pending entry.
func (r *Registry) Register(ctx context.Context, e Entry) (*Entry, error) {
	if e.Name == "" || e.Version == "" {
		return nil, fmt.Errorf("%w: name and version are required", ErrInvalidManifest)
	}
	if e.ContentHash == "" {
		return nil, fmt.Errorf("%w: content hash is required", ErrInvalidManifest)
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := r.now()
	e.Status = StatusPending
	e.CreatedAt, e.UpdatedAt = now, now

	var schema any
	if len(e.OutputSchema) > 0 {
		schema = string(e.OutputSchema)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO plugin_manifest(id, plugin_name, version, content_hash, entrypoint, output_schema, status, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.Name, e.Version, e.ContentHash, e.Entrypoint, schema, e.Status, storage.FormatTime(now), storage.FormatTime(now))
	if err != nil {
		if existing, lookupErr := r.findVersion(ctx, e.Name, e.Version); lookupErr == nil && existing != nil {
			return nil, fmt.Errorf("%w: %s@%s already registered as %s", ErrDuplicateVersion, e.Name, e.Version, existing.ID)
		}
		return nil, fmt.Errorf("register manifest: %w", err)
	}
	return &e, nil
}

// Stage marks a pending entry as under evaluation.
func (r *Registry) Stage(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE plugin_manifest SET status = ?, updated_at = ? WHERE id = ? AND status = ?;
`, StatusStaging, storage.FormatTime(r.now()), id, StatusPending)
	if err != nil {
		return fmt.Errorf("stage manifest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	e, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("manifest %s is %s, only pending entries can be staged", id, e.Status)
}

// ResolveActive returns the active entry for plugin, or nil if there is none.
func (r *Registry) ResolveActive(ctx context.Context, name string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
SELECT `+entryColumns+` FROM plugin_manifest
WHERE plugin_name = ? AND status IN ('active', 'deployed');
`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve active manifest: %w", err)
	}
	return e, nil
}

// Promote makes id the active entry for its plugin, demoting the previous
// holder to superseded. Rejected entries and promotions that would not change
// the active content hash are refused.
func (r *Registry) Promote(ctx context.Context, id string) (*Entry, error) {
	var promoted *Entry
	err := storage.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		target, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM plugin_manifest WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}

		switch target.Status {
		case StatusRejected:
			return fmt.Errorf("%w: %s@%s", ErrRejectedEntry, target.Name, target.Version)
		case StatusActive:
			return fmt.Errorf("%w: %s@%s is already active", ErrDuplicateVersion, target.Name, target.Version)
		}

		holder, err := scanEntry(tx.QueryRowContext(ctx, `
SELECT `+entryColumns+` FROM plugin_manifest
WHERE plugin_name = ? AND status IN ('active', 'deployed');
`, target.Name))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			holder = nil
		case err != nil:
			return fmt.Errorf("load active manifest: %w", err)
		}

		now := storage.FormatTime(r.now())
		if holder != nil {
			if holder.ContentHash == target.ContentHash {
				return fmt.Errorf("%w: %s@%s has the same content hash as active %s",
					ErrDuplicateVersion, target.Name, target.Version, holder.Version)
			}
			if _, err := tx.ExecContext(ctx, `
UPDATE plugin_manifest SET status = ?, updated_at = ? WHERE id = ?;
`, StatusSuperseded, now, holder.ID); err != nil {
				return fmt.Errorf("supersede manifest: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
UPDATE plugin_manifest SET status = ?, updated_at = ?, activated_at = ?, reason = NULL WHERE id = ?;
`, StatusActive, now, now, target.ID); err != nil {
			return fmt.Errorf("activate manifest: %w", err)
		}

		target.Status = StatusActive
		ts := storage.ParseTime(now)
		target.UpdatedAt = ts
		target.ActivatedAt = &ts
		promoted = target
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// Reject moves an entry to rejected. Rejection is terminal and applies to
// the active holder too: its plugin is then left with no active entry and
// its jobs wait in queued until a version is promoted. The returned entry
// carries the status it had before; rejecting twice is a no-op.
func (r *Registry) Reject(ctx context.Context, id, reason string) (*Entry, error) {
	var prior *Entry
	err := storage.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		e, err := scanEntry(tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM plugin_manifest WHERE id = ?;`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("load manifest: %w", err)
		}
		prior = e
		if e.Status == StatusRejected {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE plugin_manifest SET status = ?, reason = ?, updated_at = ? WHERE id = ?;
`, StatusRejected, reason, storage.FormatTime(r.now()), id); err != nil {
			return fmt.Errorf("reject manifest: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prior, nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM plugin_manifest WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get manifest: %w", err)
	}
	return e, nil
}

// List returns entries oldest first. An empty name lists every plugin.
func (r *Registry) List(ctx context.Context, name string) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM plugin_manifest`
	var args []any
	if name != "" {
		query += ` WHERE plugin_name = ?`
		args = append(args, name)
	}
	query += ` ORDER BY plugin_name ASC, created_at ASC, rowid ASC;`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list manifests: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan manifest: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *Registry) findVersion(ctx context.Context, name, version string) (*Entry, error) {
	e, err := scanEntry(r.db.QueryRowContext(ctx, `
SELECT `+entryColumns+` FROM plugin_manifest WHERE plugin_name = ? AND version = ?;
`, name, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e           Entry
		schema      sql.NullString
		status      string
		reason      sql.NullString
		createdAt   string
		updatedAt   string
		activatedAt sql.NullString
	)
	if err := row.Scan(&e.ID, &e.Name, &e.Version, &e.ContentHash, &e.Entrypoint, &schema, &status, &reason,
		&createdAt, &updatedAt, &activatedAt); err != nil {
		return nil, err
	}
	if schema.Valid && schema.String != "" {
		e.OutputSchema = []byte(schema.String)
	}
	e.Status = Status(status).Normalize()
	if reason.Valid {
		s := reason.String
		e.Reason = &s
	}
	e.CreatedAt = storage.ParseTime(createdAt)
	e.UpdatedAt = storage.ParseTime(updatedAt)
	e.ActivatedAt = storage.ParseNullTime(activatedAt)
	return &e, nil
}
