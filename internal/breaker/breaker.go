// Package breaker implements the per-plugin circuit breaker that gates
// dispatch. A plugin trips to paused when its recent failure rate or its
// consecutive-failure streak crosses a threshold, and comes back either by
// operator resume or once its cooldown elapses. Each repeated trip lengthens
// the cooldown up to a cap.
package breaker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/storage"
)

type Mode string

const (
	ModeActive Mode = "active"
	ModePaused Mode = "paused"
)

const (
	sampleSuccess = 'S'
	sampleFailure = 'F'
)

var ErrNotFound = errors.New("breaker state not found")

// State is the persisted breaker row for one plugin.
type State struct {
	Plugin              string
	Mode                Mode
	ConsecutiveFailures int
	// Window holds the most recent samples, oldest first: 'S' or 'F'.
	Window    string
	TripCount int
	PausedAt  *time.Time
	ResumeAt  *time.Time
	LastJobID *string
	UpdatedAt time.Time
}

// FailureRate is the share of failures in the window, 0 when empty.
func (s State) FailureRate() float64 {
	if len(s.Window) == 0 {
		return 0
	}
	return float64(strings.Count(s.Window, string(sampleFailure))) / float64(len(s.Window))
}

// Breaker persists breaker state in the circuit_breaker table.
type Breaker struct {
	db    storage.DBTX
	cfg   config.BreakerConfig
	clock clockwork.Clock
}

func New(db storage.DBTX, cfg config.BreakerConfig, clock clockwork.Clock) *Breaker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{db: db, cfg: cfg, clock: clock}
}

// WithTx returns a Breaker bound to tx.
func (b *Breaker) WithTx(tx storage.DBTX) *Breaker {
	return &Breaker{db: tx, cfg: b.cfg, clock: b.clock}
}

// Classify maps a job outcome onto a breaker sample. ok is false for
// outcomes the breaker ignores.
func Classify(o queue.Outcome) (failure bool, ok bool) {
	switch o {
	case queue.OutcomeFailed, queue.OutcomeAborted:
		return true, true
	case queue.OutcomeSuccess, queue.OutcomePartialSuccess, queue.OutcomeCompletedWithWarnings:
		return false, true
	default:
		// Rejected input says nothing about the plugin.
		return false, false
	}
}

// Record folds one finished job into the plugin's breaker and reports
// whether this sample tripped it.
func (b *Breaker) Record(ctx context.Context, plugin, jobID string, outcome queue.Outcome) (State, bool, error) {
	st, err := b.load(ctx, plugin)
	if err != nil {
		return State{}, false, err
	}
	failure, counted := Classify(outcome)
	if !counted {
		return st, false, nil
	}

	now := b.clock.Now().UTC()
	if failure {
		st.ConsecutiveFailures++
		st.Window += string(sampleFailure)
	} else {
		st.ConsecutiveFailures = 0
		st.Window += string(sampleSuccess)
	}
	if n := b.cfg.Window; n > 0 && len(st.Window) > n {
		st.Window = st.Window[len(st.Window)-n:]
	}
	st.LastJobID = &jobID
	st.UpdatedAt = now

	tripped := false
	if st.Mode == ModeActive && b.shouldTrip(st) {
		tripped = true
		st.TripCount++
		st.Mode = ModePaused
		resume := now.Add(b.Cooldown(st.TripCount))
		st.PausedAt = &now
		st.ResumeAt = &resume
	}

	if err := b.save(ctx, st); err != nil {
		return State{}, false, err
	}
	return st, tripped, nil
}

func (b *Breaker) shouldTrip(st State) bool {
	if m := b.cfg.ConsecutiveFailures; m > 0 && st.ConsecutiveFailures >= m {
		return true
	}
	if len(st.Window) < max(b.cfg.MinSamples, 1) {
		return false
	}
	return st.FailureRate() > b.cfg.FailureRate
}

// Cooldown returns the pause length for the given trip number:
// base * multiplier^(trips-1), capped at the configured maximum.
func (b *Breaker) Cooldown(trips int) time.Duration {
	if trips < 1 {
		trips = 1
	}
	mult := b.cfg.CooldownMultiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.cfg.CooldownBase) * math.Pow(mult, float64(trips-1))
	if b.cfg.CooldownMax > 0 && d > float64(b.cfg.CooldownMax) {
		return b.cfg.CooldownMax
	}
	return time.Duration(d)
}

// PausedPlugins lists plugins the dispatcher must not claim for. Any plugin
// whose cooldown has elapsed is resumed as part of the read; its trip count
// is kept so the next cooldown is longer.
func (b *Breaker) PausedPlugins(ctx context.Context) ([]string, error) {
	states, err := b.list(ctx, `WHERE mode = 'paused'`)
	if err != nil {
		return nil, err
	}
	now := b.clock.Now().UTC()
	var paused []string
	for _, st := range states {
		if st.ResumeAt != nil && !now.Before(*st.ResumeAt) {
			res, err := b.db.ExecContext(ctx, `
UPDATE circuit_breaker
SET mode = 'active', consecutive_failures = 0, recent_outcomes = '', paused_at = NULL, resume_at = NULL, updated_at = ?
WHERE plugin = ? AND mode = 'paused' AND resume_at = ?;
`, storage.FormatTime(now), st.Plugin, storage.FormatTime(*st.ResumeAt))
			if err != nil {
				return nil, fmt.Errorf("auto-resume %s: %w", st.Plugin, err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				continue
			}
		}
		paused = append(paused, st.Plugin)
	}
	return paused, nil
}

// Resume is the operator override: the plugin goes active with every
// counter cleared, trip count included.
func (b *Breaker) Resume(ctx context.Context, plugin string) error {
	res, err := b.db.ExecContext(ctx, `
UPDATE circuit_breaker
SET mode = 'active', consecutive_failures = 0, recent_outcomes = '', trip_count = 0,
    paused_at = NULL, resume_at = NULL, updated_at = ?
WHERE plugin = ?;
`, storage.FormatTime(b.clock.Now().UTC()), plugin)
	if err != nil {
		return fmt.Errorf("resume breaker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, plugin)
	}
	return nil
}

// Get returns the plugin's state; a plugin never seen is active and empty.
func (b *Breaker) Get(ctx context.Context, plugin string) (State, error) {
	return b.load(ctx, plugin)
}

// List returns every recorded breaker, ordered by plugin.
func (b *Breaker) List(ctx context.Context) ([]State, error) {
	return b.list(ctx, "")
}

func (b *Breaker) load(ctx context.Context, plugin string) (State, error) {
	states, err := b.list(ctx, `WHERE plugin = ?`, plugin)
	if err != nil {
		return State{}, err
	}
	if len(states) == 0 {
		return State{Plugin: plugin, Mode: ModeActive}, nil
	}
	return states[0], nil
}

func (b *Breaker) list(ctx context.Context, where string, args ...any) ([]State, error) {
	rows, err := b.db.QueryContext(ctx, `
SELECT plugin, mode, consecutive_failures, recent_outcomes, trip_count, paused_at, resume_at, last_job_id, updated_at
FROM circuit_breaker `+where+`
ORDER BY plugin ASC;
`, args...)
	if err != nil {
		return nil, fmt.Errorf("query circuit_breaker: %w", err)
	}
	defer rows.Close()

	var out []State
	for rows.Next() {
		var (
			st        State
			mode      string
			pausedAt  sql.NullString
			resumeAt  sql.NullString
			lastJobID sql.NullString
			updatedAt string
		)
		if err := rows.Scan(&st.Plugin, &mode, &st.ConsecutiveFailures, &st.Window, &st.TripCount,
			&pausedAt, &resumeAt, &lastJobID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan circuit_breaker: %w", err)
		}
		st.Mode = Mode(mode)
		st.PausedAt = storage.ParseNullTime(pausedAt)
		st.ResumeAt = storage.ParseNullTime(resumeAt)
		if lastJobID.Valid {
			s := lastJobID.String
			st.LastJobID = &s
		}
		st.UpdatedAt = storage.ParseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

func (b *Breaker) save(ctx context.Context, st State) error {
	var lastJobID any
	if st.LastJobID != nil {
		lastJobID = *st.LastJobID
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO circuit_breaker(plugin, mode, consecutive_failures, recent_outcomes, trip_count, paused_at, resume_at, last_job_id, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(plugin) DO UPDATE SET
  mode = excluded.mode,
  consecutive_failures = excluded.consecutive_failures,
  recent_outcomes = excluded.recent_outcomes,
  trip_count = excluded.trip_count,
  paused_at = excluded.paused_at,
  resume_at = excluded.resume_at,
  last_job_id = excluded.last_job_id,
  updated_at = excluded.updated_at;
`, st.Plugin, st.Mode, st.ConsecutiveFailures, st.Window, st.TripCount,
		storage.NullTime(st.PausedAt), storage.NullTime(st.ResumeAt), lastJobID, storage.FormatTime(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save circuit_breaker: %w", err)
	}
	return nil
}
