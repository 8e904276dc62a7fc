// Package reconcile turns finished plugin sessions into durable effects.
//
// For every session the reconciler writes, in one transaction, the valid
// output rows, the quarantine records, the attempt log row, the breaker
// sample and the job's terminal status (or its requeue). A crash therefore
// never leaves a completed job without its quarantine evidence.
package reconcile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	qlog "github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/sandbox"
	"github.com/mattjoyce/quarry/internal/storage"
)

// Terminations recorded for jobs that never produced a session.
const (
	TermNotStarted = "not_started"
	TermOrphaned   = "orphaned"
)

// Report describes what was committed for one job.
type Report struct {
	JobID           string
	Plugin          string
	Attempt         int
	Status          queue.Status
	Outcome         queue.Outcome
	Termination     string
	Requeued        bool
	RowsOK          int64
	RowsQuarantined int64
	Error           *string
	Breaker         breaker.State
	Tripped         bool
}

type Reconciler struct {
	db         *sql.DB
	queue      *queue.Queue
	quarantine *quarantine.Store
	breaker    *breaker.Breaker
	cfg        config.ReconcilerConfig
	metrics    *metrics.Metrics
	events     events.Publisher
	logger     *slog.Logger

	schemas sync.Map // manifest id -> *jsonschema.Schema
}

func New(db *sql.DB, cfg config.ReconcilerConfig, br *breaker.Breaker, m *metrics.Metrics, pub events.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:         db,
		queue:      queue.New(db),
		quarantine: quarantine.NewStore(db),
		breaker:    br,
		cfg:        cfg,
		metrics:    m,
		events:     pub,
		logger:     logger,
	}
}

// verdict is a classified job, ready to commit.
type verdict struct {
	job         *queue.Job
	manifest    *plugin.Entry
	res         *sandbox.Result
	screened    *quarantine.Screened
	status      queue.Status
	outcome     queue.Outcome
	termination string
	errMsg      *string
	// chargeBreaker is false when the failure is not the plugin's doing.
	chargeBreaker bool
}

// Reconcile commits the effects of a finished session for a claimed job.
func (r *Reconciler) Reconcile(ctx context.Context, job *queue.Job, manifest *plugin.Entry, res *sandbox.Result) (*Report, error) {
	if res == nil {
		return nil, errors.New("reconcile: nil session result")
	}
	v := &verdict{
		job:           job,
		manifest:      manifest,
		res:           res,
		termination:   string(res.Termination),
		chargeBreaker: true,
	}
	if res.Termination == sandbox.TermCompleted {
		v.screened = quarantine.Screen(res.Batches, r.schemaFor(manifest))
	}
	v.status, v.outcome = Classify(res, v.screened, r.cfg.QuarantineTolerance)

	switch {
	case res.Err != nil:
		v.errMsg = ptr(res.Err.Error())
	case res.Completion != nil && res.Completion.Error != "":
		v.errMsg = ptr(res.Completion.Error)
	}
	return r.commit(ctx, v)
}

// Reject commits a job whose input was refused before any session ran, for
// example because its plugin has no active manifest.
func (r *Reconciler) Reject(ctx context.Context, job *queue.Job, reason string) (*Report, error) {
	return r.commit(ctx, &verdict{
		job:         job,
		status:      queue.StatusFailed,
		outcome:     queue.OutcomeRejected,
		termination: TermNotStarted,
		errMsg:      ptr(reason),
	})
}

// RecoverOrphans finishes every job left running by a previous process as
// aborted and puts it back in the queue while it has attempts left. The
// plugin's breaker is not charged: the host died, not the plugin.
func (r *Reconciler) RecoverOrphans(ctx context.Context) ([]*Report, error) {
	jobs, err := r.queue.FindByStatus(ctx, queue.StatusRunning)
	if err != nil {
		return nil, err
	}
	var reports []*Report
	for _, job := range jobs {
		rep, err := r.Abandon(ctx, job, "dispatcher stopped while the job was running")
		if err != nil {
			return reports, fmt.Errorf("recover job %s: %w", job.ID, err)
		}
		reports = append(reports, rep)
	}
	if len(reports) > 0 {
		r.logger.Warn("recovered orphaned jobs", "count", len(reports))
	}
	return reports, nil
}

// Abandon commits a running job whose session outcome cannot be recorded
// as aborted, with the same requeue rules and breaker exemption as
// RecoverOrphans.
func (r *Reconciler) Abandon(ctx context.Context, job *queue.Job, reason string) (*Report, error) {
	return r.commit(ctx, &verdict{
		job:         job,
		status:      queue.StatusFailed,
		outcome:     queue.OutcomeAborted,
		termination: TermOrphaned,
		errMsg:      ptr(reason),
	})
}

func (r *Reconciler) commit(ctx context.Context, v *verdict) (*Report, error) {
	job := v.job
	rep := &Report{
		JobID:       job.ID,
		Plugin:      job.Plugin,
		Attempt:     job.Attempt,
		Status:      v.status,
		Outcome:     v.outcome,
		Termination: v.termination,
		Error:       v.errMsg,
	}

	var records []quarantine.Record
	if v.screened != nil && keepsQuarantine(v.outcome) {
		records = v.screened.Quarantine
		rep.RowsQuarantined = int64(len(records))
	}
	if v.screened != nil && keepsOutput(v.outcome) {
		rep.RowsOK = v.screened.RowsOK
	}

	requeueRejected := v.outcome == queue.OutcomeRejected && job.AttemptsRemaining()
	requeueOrphan := v.termination == TermOrphaned && job.AttemptsRemaining()

	err := storage.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		q := r.queue.WithTx(tx)
		cur, err := q.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		if cur.Status != queue.StatusRunning || cur.Attempt != job.Attempt {
			return &queue.TransitionError{JobID: job.ID, From: cur.Status, To: v.status, Reason: "job is no longer running this attempt"}
		}

		if keepsOutput(v.outcome) && v.screened != nil {
			for _, b := range v.screened.Batches {
				if err := q.InsertOutput(ctx, outputBatch(job, b)); err != nil {
					return err
				}
			}
		}
		if len(records) > 0 {
			if err := r.quarantine.WithTx(tx).Insert(ctx, job.ID, job.Attempt, records); err != nil {
				return err
			}
		}
		if err := q.InsertAttempt(ctx, r.attemptRow(v)); err != nil {
			return err
		}

		if v.chargeBreaker && r.breaker != nil {
			st, tripped, err := r.breaker.WithTx(tx).Record(ctx, job.Plugin, job.ID, v.outcome)
			if err != nil {
				return err
			}
			rep.Breaker, rep.Tripped = st, tripped
		}

		switch {
		case requeueRejected:
			rep.Requeued = true
			reason := deref(v.errMsg)
			if reason == "" {
				reason = "input rejected by plugin"
			}
			return q.RequeueRejected(ctx, job.ID, reason)
		case requeueOrphan:
			if err := q.Finish(ctx, job.ID, queue.FinishRequest{Status: v.status, Outcome: v.outcome, Error: v.errMsg}); err != nil {
				return err
			}
			rep.Requeued = true
			return q.Requeue(ctx, job.ID)
		default:
			return q.Finish(ctx, job.ID, queue.FinishRequest{
				Status:          v.status,
				Outcome:         v.outcome,
				RowsOK:          rep.RowsOK,
				RowsQuarantined: rep.RowsQuarantined,
				Error:           v.errMsg,
			})
		}
	})
	if err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) || errors.Is(err, queue.ErrConflict) {
			qlog.Invariant(r.logger, "job left running state before its session was reconciled",
				"job_id", job.ID, "plugin", job.Plugin, "error", err)
			r.metrics.InvariantViolation("reconcile_not_running")
		}
		return nil, fmt.Errorf("reconcile job %s: %w", job.ID, err)
	}

	r.published(rep)
	return rep, nil
}

func (r *Reconciler) published(rep *Report) {
	logger := r.logger.With("job_id", rep.JobID, "plugin", rep.Plugin, "attempt", rep.Attempt)
	if rep.Requeued {
		logger.Info("job requeued", "outcome", rep.Outcome, "termination", rep.Termination, "error", deref(rep.Error))
		r.metrics.JobRequeued(rep.Plugin, string(rep.Outcome))
	} else {
		logger.Info("job finished", "status", rep.Status, "outcome", rep.Outcome,
			"rows_ok", rep.RowsOK, "rows_quarantined", rep.RowsQuarantined)
		r.metrics.JobFinished(rep.Plugin, string(rep.Status), string(rep.Outcome))
	}
	r.metrics.Rows(rep.Plugin, rep.RowsOK, rep.RowsQuarantined)

	if r.events != nil {
		typ := events.JobFinished
		if rep.Requeued {
			typ = events.JobRequeued
		}
		r.events.Publish(typ, map[string]any{
			"job_id":           rep.JobID,
			"plugin":           rep.Plugin,
			"attempt":          rep.Attempt,
			"status":           rep.Status,
			"outcome":          rep.Outcome,
			"display_status":   queue.DisplayStatus(rep.Status, &rep.Outcome),
			"termination":      rep.Termination,
			"rows_ok":          rep.RowsOK,
			"rows_quarantined": rep.RowsQuarantined,
		})
	}
	if rep.Tripped {
		logger.Warn("circuit breaker tripped", "trip_count", rep.Breaker.TripCount, "resume_at", rep.Breaker.ResumeAt)
		r.metrics.BreakerTripped(rep.Plugin)
		if r.events != nil {
			r.events.Publish(events.BreakerTripped, map[string]any{
				"plugin":     rep.Plugin,
				"trip_count": rep.Breaker.TripCount,
				"resume_at":  rep.Breaker.ResumeAt,
			})
		}
	}
}

func (r *Reconciler) attemptRow(v *verdict) queue.Attempt {
	a := queue.Attempt{
		JobID:       v.job.ID,
		Attempt:     v.job.Attempt,
		Plugin:      v.job.Plugin,
		Outcome:     v.outcome,
		Termination: v.termination,
		Error:       v.errMsg,
		StartedAt:   v.job.StartedAt,
		ManifestID:  v.job.ManifestID,
		// Lineage comes from the job row, where the dispatcher attached it
		// right after the claim.
		PluginVersion: v.job.PluginVersion,
	}
	if v.manifest != nil {
		a.ManifestID = &v.manifest.ID
		a.PluginVersion = &v.manifest.Version
	}
	if res := v.res; res != nil {
		a.ExitCode = res.ExitCode
		a.Diagnostics = res.Diagnostics
		if !res.StartedAt.IsZero() {
			started := res.StartedAt
			a.StartedAt = &started
		}
		a.CompletedAt = res.FinishedAt
		if len(res.Logs) > 0 {
			if b, err := json.Marshal(res.Logs); err == nil {
				a.LogLines = b
			}
		}
	}
	return a
}

func (r *Reconciler) schemaFor(m *plugin.Entry) *jsonschema.Schema {
	if m == nil || len(m.OutputSchema) == 0 {
		return nil
	}
	if s, ok := r.schemas.Load(m.ID); ok {
		return s.(*jsonschema.Schema)
	}
	s, err := plugin.CompileSchema(m.OutputSchema)
	if err != nil {
		r.logger.Warn("ignoring uncompilable output schema", "manifest_id", m.ID, "plugin", m.Name, "error", err)
		return nil
	}
	r.schemas.Store(m.ID, s)
	return s
}

func outputBatch(job *queue.Job, b quarantine.Batch) queue.OutputBatch {
	cols, _ := json.Marshal(b.Columns)
	rows, _ := json.Marshal(b.Rows)
	return queue.OutputBatch{
		JobID:     job.ID,
		Attempt:   job.Attempt,
		BatchSeq:  int(b.Seq),
		Source:    b.Source,
		RowOffset: b.RowOffset,
		Columns:   cols,
		Rows:      rows,
		RowCount:  len(b.Rows),
	}
}

func ptr(s string) *string { return &s }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
