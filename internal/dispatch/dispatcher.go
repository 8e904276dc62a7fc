package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"

	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/reconcile"
	"github.com/mattjoyce/quarry/internal/sandbox"
)

// ErrNotRunning is returned by Cancel when no session is running for the job.
var ErrNotRunning = errors.New("job is not running on this dispatcher")

// maxRetries bounds how often a transient store error is retried before the
// dispatcher gives up on the current step.
const maxRetries = 6

// Deps are the collaborators a Dispatcher drives.
type Deps struct {
	Queue      JobStore
	Manifests  Manifests
	Breaker    Gate
	Reconciler Reconciler
	Runner     Runner
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Dispatcher claims queued jobs and runs them through the sandbox, never
// holding more than max_concurrent jobs in running at once.
type Dispatcher struct {
	cfg        *config.Config
	queue      JobStore
	manifests  Manifests
	breaker    Gate
	reconciler Reconciler
	runner     Runner
	events     events.Publisher
	metrics    *metrics.Metrics
	clock      clockwork.Clock
	logger     *slog.Logger

	sem   *semaphore.Weighted
	freed chan struct{}
	wake  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	stranded map[string]*queue.Job
	swept    time.Time
}

// New creates a Dispatcher.
func New(cfg *config.Config, deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = log.WithComponent("dispatch")
	}
	limit := cfg.Dispatcher.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	return &Dispatcher{
		cfg:        cfg,
		queue:      deps.Queue,
		manifests:  deps.Manifests,
		breaker:    deps.Breaker,
		reconciler: deps.Reconciler,
		runner:     deps.Runner,
		events:     deps.Events,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
		logger:     deps.Logger,
		sem:        semaphore.NewWeighted(int64(limit)),
		freed:      make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
		running:    make(map[string]context.CancelFunc),
		stranded:   make(map[string]*queue.Job),
	}
}

// Run recovers jobs orphaned by a previous process, then claims and executes
// jobs until ctx is cancelled. Cancelling ctx stops new claims only: Run
// returns after every in-flight session has been reconciled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started", "max_concurrent", d.cfg.Dispatcher.MaxConcurrent)
	defer d.logger.Info("dispatch loop stopped")

	err := d.withRetry(ctx, "recover_orphans", func(ctx context.Context) error {
		_, err := d.reconciler.RecoverOrphans(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("recover orphaned jobs: %w", err)
	}

	d.swept = d.clock.Now()
	for ctx.Err() == nil {
		d.maybeSweep(ctx)

		// Claims beyond the ceiling are never attempted.
		if !d.sem.TryAcquire(1) {
			d.sleep(ctx, d.freed)
			continue
		}

		job, err := d.claim(ctx)
		if err != nil || job == nil {
			d.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				d.logger.Error("claim failed", "error", err)
			}
			d.reportDepth(ctx)
			d.sleep(ctx, d.wake)
			continue
		}

		d.wg.Add(1)
		go d.execute(ctx, job)
	}

	d.logger.Info("waiting for in-flight sessions", "running", d.Running())
	d.wg.Wait()
	return nil
}

// Wake makes an idle dispatcher poll immediately, for example after an enqueue.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel forces an early timeout of a running job's session. The job is
// reconciled as Aborted like any other killed session.
func (d *Dispatcher) Cancel(jobID string) error {
	d.mu.Lock()
	cancel, ok := d.running[jobID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, jobID)
	}
	cancel()
	d.logger.Warn("session cancelled by operator", "job_id", jobID)
	d.publish(events.JobCancelled, map[string]any{"job_id": jobID})
	return nil
}

// Running returns the number of sessions in flight.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) sleep(ctx context.Context, signal <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-signal:
	case <-d.clock.After(d.cfg.Dispatcher.PollInterval):
	}
}

// claim reads the paused set and claims the oldest eligible job outside it.
func (d *Dispatcher) claim(ctx context.Context) (*queue.Job, error) {
	var job *queue.Job
	err := d.withRetry(ctx, "claim", func(ctx context.Context) error {
		paused, err := d.breaker.PausedPlugins(ctx)
		if err != nil {
			return err
		}
		job, err = d.queue.ClaimOldestEligible(ctx, queue.ClaimFilter{
			ExcludePlugins:        paused,
			RequireActiveManifest: true,
		})
		return err
	})
	return job, err
}

func (d *Dispatcher) execute(parent context.Context, job *queue.Job) {
	defer d.wg.Done()
	defer d.release()

	// Sessions outlive a dispatcher shutdown; only Cancel or the sandbox
	// timeout ends them early. Store calls never see the cancel.
	ctx := context.WithoutCancel(parent)
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.track(job.ID, cancel)
	defer d.untrack(job.ID)

	logger := d.logger.With("job_id", job.ID, "plugin", job.Plugin, "attempt", job.Attempt)
	d.metrics.JobClaimed(job.Plugin)
	d.publish(events.JobClaimed, map[string]any{
		"job_id":  job.ID,
		"plugin":  job.Plugin,
		"attempt": job.Attempt,
	})

	// Resolved after the claim so a concurrent promotion cannot split one
	// plugin's jobs across two versions mid-dispatch.
	var manifest *plugin.Entry
	err := d.withRetry(ctx, "resolve_manifest", func(ctx context.Context) error {
		var err error
		manifest, err = d.manifests.ResolveActive(ctx, job.Plugin)
		return err
	})
	if err != nil {
		logger.Error("resolve manifest failed; job left running for the sweep", "error", err)
		d.strand(job)
		return
	}
	if manifest == nil {
		d.commit(ctx, logger, job, func(ctx context.Context) (*reconcile.Report, error) {
			return d.reconciler.Reject(ctx, job, fmt.Sprintf("no active manifest for plugin %q", job.Plugin))
		})
		return
	}

	logger = logger.With("plugin_version", manifest.Version)
	err = d.withRetry(ctx, "attach_manifest", func(ctx context.Context) error {
		return d.queue.AttachManifest(ctx, job.ID, manifest.ID, manifest.Version)
	})
	if err != nil {
		logger.Error("attach manifest failed; job left running for the sweep", "error", err)
		d.strand(job)
		return
	}
	job.ManifestID, job.PluginVersion = &manifest.ID, &manifest.Version

	spec := sandbox.Spec{
		JobID:       job.ID,
		Plugin:      job.Plugin,
		Version:     manifest.Version,
		Attempt:     job.Attempt,
		Entrypoint:  manifest.Entrypoint,
		ContentHash: manifest.ContentHash,
		PayloadRef:  job.PayloadRef,
		Timeout:     d.cfg.TimeoutFor(job.Plugin),
	}
	if pc, ok := d.cfg.Plugins[job.Plugin]; ok {
		spec.Config, spec.Env = pc.Config, pc.Env
	}

	logger.Info("starting session", "entrypoint", spec.Entrypoint, "timeout", spec.Timeout)
	d.metrics.SessionStarted()
	res := d.runner.Run(sessCtx, spec)
	d.metrics.SessionEnded()
	d.metrics.Session(job.Plugin, string(res.Termination), res.Duration())
	if res.Termination != sandbox.TermCompleted {
		logger.Warn("session ended abnormally", "termination", res.Termination, "error", res.Err, "pid", res.Pid)
	}

	d.commit(ctx, logger, job, func(ctx context.Context) (*reconcile.Report, error) {
		return d.reconciler.Reconcile(ctx, job, manifest, res)
	})
}

// commit retries a reconciler call on transient errors. If it never lands
// the job stays running and is handed to the sweep.
func (d *Dispatcher) commit(ctx context.Context, logger *slog.Logger, job *queue.Job, fn func(context.Context) (*reconcile.Report, error)) {
	var rep *reconcile.Report
	err := d.withRetry(ctx, "reconcile", func(ctx context.Context) error {
		var err error
		rep, err = fn(ctx)
		return err
	})
	if err != nil {
		logger.Error("reconcile failed; job left running for the sweep", "error", err)
		d.strand(job)
		return
	}
	logger.Debug("job reconciled", "status", rep.Status, "outcome", rep.Outcome, "requeued", rep.Requeued)
	if rep.Requeued {
		d.Wake()
	}
}

func (d *Dispatcher) strand(job *queue.Job) {
	d.mu.Lock()
	d.stranded[job.ID] = job
	d.mu.Unlock()
}

// maybeSweep commits stranded jobs as aborted once per sweep_interval, so
// a long-lived dispatcher does not hold them in running until restart.
// A job that is no longer running this attempt is dropped from the set.
func (d *Dispatcher) maybeSweep(ctx context.Context) {
	if d.clock.Since(d.swept) < d.cfg.Dispatcher.SweepInterval {
		return
	}
	d.swept = d.clock.Now()

	d.mu.Lock()
	jobs := make([]*queue.Job, 0, len(d.stranded))
	for _, job := range d.stranded {
		jobs = append(jobs, job)
	}
	d.mu.Unlock()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return
		}
		rep, err := d.reconciler.Abandon(ctx, job, "reconcile could not be committed")
		if err != nil && !permanent(err) {
			d.logger.Warn("stranded job still not committed", "job_id", job.ID, "error", err)
			continue
		}
		d.mu.Lock()
		delete(d.stranded, job.ID)
		d.mu.Unlock()
		if err != nil {
			d.logger.Info("stranded job moved on without the sweep", "job_id", job.ID, "error", err)
			continue
		}
		d.logger.Warn("stranded job aborted", "job_id", job.ID, "requeued", rep.Requeued)
		if rep.Requeued {
			d.Wake()
		}
	}
}

// withRetry runs fn with capped exponential backoff. Invariant violations
// are returned immediately; they will not heal by waiting.
func (d *Dispatcher) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.NewExponential(d.retryBase())
	b = retry.WithCappedDuration(d.cfg.Dispatcher.RetryMax, b)
	b = retry.WithMaxRetries(maxRetries, b)

	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil || permanent(err) {
			return err
		}
		d.metrics.TransientError(op)
		d.logger.Warn("transient error, retrying", "op", op, "error", err)
		return retry.RetryableError(err)
	})
}

func (d *Dispatcher) retryBase() time.Duration {
	if d.cfg.Dispatcher.RetryBase > 0 {
		return d.cfg.Dispatcher.RetryBase
	}
	return 100 * time.Millisecond
}

func permanent(err error) bool {
	return errors.Is(err, queue.ErrInvalidTransition) ||
		errors.Is(err, queue.ErrConflict) ||
		errors.Is(err, queue.ErrNotFound) ||
		errors.Is(err, context.Canceled)
}

func (d *Dispatcher) release() {
	d.sem.Release(1)
	select {
	case d.freed <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) track(jobID string, cancel context.CancelFunc) {
	d.mu.Lock()
	d.running[jobID] = cancel
	d.mu.Unlock()
}

func (d *Dispatcher) untrack(jobID string) {
	d.mu.Lock()
	delete(d.running, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if n, err := d.queue.Depth(ctx); err == nil {
		d.metrics.QueueDepth(n)
	}
}

func (d *Dispatcher) publish(typ string, data map[string]any) {
	if d.events != nil {
		d.events.Publish(typ, data)
	}
}
