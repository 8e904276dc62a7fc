package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/dispatch/mocks"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/protocol"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/reconcile"
	"github.com/mattjoyce/quarry/internal/sandbox"
	"github.com/mattjoyce/quarry/internal/storage"
)

type harness struct {
	cfg      *config.Config
	queue    *queue.Queue
	registry *plugin.Registry
	breaker  *breaker.Breaker
	hub      *events.Hub
	metrics  *metrics.Metrics
	runner   *mocks.MockRunner
	deps     Deps
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Defaults()
	cfg.Dispatcher.PollInterval = 10 * time.Millisecond
	cfg.Dispatcher.RetryBase = time.Millisecond
	cfg.Dispatcher.RetryMax = 5 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	ctrl := gomock.NewController(t)
	h := &harness{
		cfg:      cfg,
		queue:    queue.New(db),
		registry: plugin.NewRegistry(db),
		breaker:  breaker.New(db, cfg.Breaker, clockwork.NewFakeClock()),
		hub:      events.NewHub(256),
		metrics:  metrics.New(),
		runner:   mocks.NewMockRunner(ctrl),
	}
	h.deps = Deps{
		Queue:      h.queue,
		Manifests:  h.registry,
		Breaker:    h.breaker,
		Reconciler: reconcile.New(db, cfg.Reconciler, h.breaker, h.metrics, h.hub, nil),
		Runner:     h.runner,
		Events:     h.hub,
		Metrics:    h.metrics,
	}
	return h
}

// start runs the dispatcher and returns a stop func that waits for Run.
func (h *harness) start(t *testing.T) (*Dispatcher, func()) {
	t.Helper()
	d := New(h.cfg, h.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("dispatcher did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return d, stop
}

func (h *harness) activate(t *testing.T, name string) *plugin.Entry {
	t.Helper()
	ctx := context.Background()
	e, err := h.registry.Register(ctx, plugin.Entry{
		Name:        name,
		Version:     "1.0.0",
		ContentHash: "hash-" + name,
		Entrypoint:  "/opt/plugins/" + name + "/run",
	})
	require.NoError(t, err)
	active, err := h.registry.Promote(ctx, e.ID)
	require.NoError(t, err)
	return active
}

func (h *harness) enqueue(t *testing.T, plugin string) string {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Plugin:      plugin,
		PayloadRef:  "/inbox/" + plugin + ".csv",
		SubmittedBy: "scanner",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) waitStatus(t *testing.T, id string, want queue.Status) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := h.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func (h *harness) countStatus(t *testing.T, status queue.Status) int {
	t.Helper()
	jobs, err := h.queue.FindByStatus(context.Background(), status)
	require.NoError(t, err)
	return len(jobs)
}

func okResult() *sandbox.Result {
	code := 0
	now := time.Now()
	return &sandbox.Result{
		Termination: sandbox.TermCompleted,
		Completion:  &protocol.Completion{Status: protocol.CompletionOK, RowsEmitted: 1},
		Batches: []*protocol.DataBatch{{
			Columns: []protocol.Column{{Name: "n", Type: protocol.TypeInt, Values: []json.RawMessage{json.RawMessage("1")}}},
		}},
		ExitCode:   &code,
		StartedAt:  now,
		FinishedAt: now.Add(time.Millisecond),
	}
}

func TestDispatchRunsJobWithActiveManifest(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Plugins["ledger"] = config.PluginConf{
			Timeout: 42 * time.Second,
			Config:  map[string]any{"delimiter": ";"},
		}
	})
	manifest := h.activate(t, "ledger")
	id := h.enqueue(t, "ledger")

	specs := make(chan sandbox.Spec, 1)
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec sandbox.Spec) *sandbox.Result {
		specs <- spec
		return okResult()
	})

	_, stop := h.start(t)
	job := h.waitStatus(t, id, queue.StatusCompleted)
	stop()

	spec := <-specs
	assert.Equal(t, id, spec.JobID)
	assert.Equal(t, "1.0.0", spec.Version)
	assert.Equal(t, manifest.Entrypoint, spec.Entrypoint)
	assert.Equal(t, manifest.ContentHash, spec.ContentHash)
	assert.Equal(t, "/inbox/ledger.csv", spec.PayloadRef)
	assert.Equal(t, 42*time.Second, spec.Timeout)
	assert.Equal(t, ";", spec.Config["delimiter"])

	require.NotNil(t, job.PluginVersion)
	assert.Equal(t, "1.0.0", *job.PluginVersion)
	require.NotNil(t, job.ManifestID)
	assert.Equal(t, manifest.ID, *job.ManifestID)
	assert.Equal(t, int64(1), job.RowsOK)

	var types []string
	for _, ev := range h.hub.SnapshotSince(0) {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, events.JobClaimed)
	assert.Contains(t, types, events.JobFinished)
}

func TestDispatchLeavesPausedPluginQueued(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "bad")
	h.activate(t, "good")
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _, err := h.breaker.Record(ctx, "bad", "old-job", queue.OutcomeFailed)
		require.NoError(t, err)
	}

	badID := h.enqueue(t, "bad")
	goodID := h.enqueue(t, "good")

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec sandbox.Spec) *sandbox.Result {
		assert.Equal(t, "good", spec.Plugin)
		return okResult()
	}).Times(1)

	_, stop := h.start(t)
	h.waitStatus(t, goodID, queue.StatusCompleted)
	time.Sleep(5 * h.cfg.Dispatcher.PollInterval)
	stop()

	bad, err := h.queue.Get(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, bad.Status)
	assert.Nil(t, bad.Outcome)
}

func TestDispatchHonoursConcurrencyCeiling(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Dispatcher.MaxConcurrent = 2 })
	h.activate(t, "slow")
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.enqueue(t, "slow"))
	}

	release := make(chan struct{})
	var active, peak atomic.Int32
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, _ sandbox.Spec) *sandbox.Result {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return okResult()
	}).Times(5)

	_, stop := h.start(t)
	require.Eventually(t, func() bool { return h.countStatus(t, queue.StatusRunning) == 2 }, 5*time.Second, 5*time.Millisecond)

	// Nothing beyond the ceiling is claimed while the slots are held.
	time.Sleep(10 * h.cfg.Dispatcher.PollInterval)
	assert.Equal(t, 2, h.countStatus(t, queue.StatusRunning))
	assert.Equal(t, 3, h.countStatus(t, queue.StatusQueued))

	close(release)
	for _, id := range ids {
		h.waitStatus(t, id, queue.StatusCompleted)
	}
	stop()
	assert.Equal(t, int32(2), peak.Load())
}

func TestCancelAbortsRunningSession(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "hang")
	id := h.enqueue(t, "hang")

	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ sandbox.Spec) *sandbox.Result {
		<-ctx.Done()
		return &sandbox.Result{Termination: sandbox.TermCancelled, Err: errors.New("session cancelled")}
	})

	d, stop := h.start(t)
	require.ErrorIs(t, d.Cancel("no-such-job"), ErrNotRunning)
	require.Eventually(t, func() bool { return d.Cancel(id) == nil }, 5*time.Second, 5*time.Millisecond)

	job := h.waitStatus(t, id, queue.StatusFailed)
	stop()
	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomeAborted, *job.Outcome)

	attempts, err := h.queue.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, string(sandbox.TermCancelled), attempts[0].Termination)
}

func TestShutdownWaitsForInFlightSession(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "ledger")
	id := h.enqueue(t, "ledger")

	started := make(chan struct{})
	release := make(chan struct{})
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(ctx context.Context, _ sandbox.Spec) *sandbox.Result {
		close(started)
		<-release
		// Shutdown must not reach the session.
		assert.NoError(t, ctx.Err())
		return okResult()
	})

	d := New(h.cfg, h.deps)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	<-started
	cancel()
	select {
	case <-done:
		t.Fatal("Run returned while a session was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the session finished")
	}
	h.waitStatus(t, id, queue.StatusCompleted)
}

type vanishingManifests struct{}

func (vanishingManifests) ResolveActive(context.Context, string) (*plugin.Entry, error) {
	return nil, nil
}

func TestManifestGoneAfterClaimRejectsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "ledger")
	h.deps.Manifests = vanishingManifests{}
	id := h.enqueue(t, "ledger")

	// No session may start without a manifest; the mock fails on any Run.
	_, stop := h.start(t)
	job := h.waitStatus(t, id, queue.StatusFailed)
	stop()

	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomeRejected, *job.Outcome)
	assert.Equal(t, job.MaxAttempts, job.Attempt)
	attempts, err := h.queue.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, attempts, job.MaxAttempts)
	assert.Equal(t, reconcile.TermNotStarted, attempts[0].Termination)
}

func TestTransientGateErrorIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "ledger")
	id := h.enqueue(t, "ledger")

	gate := mocks.NewMockGate(gomock.NewController(t))
	gate.EXPECT().PausedPlugins(gomock.Any()).Return(nil, errors.New("database is locked")).Times(2)
	gate.EXPECT().PausedPlugins(gomock.Any()).Return(nil, nil).AnyTimes()
	h.deps.Breaker = gate
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(okResult())

	_, stop := h.start(t)
	h.waitStatus(t, id, queue.StatusCompleted)
	stop()

	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `quarry_transient_errors_total{op="claim"} 2`)
}

func TestRunRecoversOrphansBeforeClaiming(t *testing.T) {
	h := newHarness(t, nil)
	h.activate(t, "ledger")
	id := h.enqueue(t, "ledger")

	// A previous process claimed the job and died.
	orphan, err := h.queue.ClaimOldestEligible(context.Background(), queue.ClaimFilter{})
	require.NoError(t, err)
	require.Equal(t, id, orphan.ID)

	attempts := make(chan int, 1)
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, spec sandbox.Spec) *sandbox.Result {
		attempts <- spec.Attempt
		return okResult()
	})

	_, stop := h.start(t)
	h.waitStatus(t, id, queue.StatusCompleted)
	stop()
	assert.Equal(t, 2, <-attempts)

	log, err := h.queue.ListAttempts(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, reconcile.TermOrphaned, log[0].Termination)
	assert.Equal(t, "completed", log[1].Termination)
}

// lockedReconciler fails every session commit as if the database stayed busy.
type lockedReconciler struct {
	*reconcile.Reconciler
	calls atomic.Int32
}

func (r *lockedReconciler) Reconcile(context.Context, *queue.Job, *plugin.Entry, *sandbox.Result) (*reconcile.Report, error) {
	r.calls.Add(1)
	return nil, errors.New("database is locked")
}

func TestSweepAbortsJobWhoseReconcileNeverLands(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Dispatcher.SweepInterval = 20 * time.Millisecond })
	locked := &lockedReconciler{Reconciler: h.deps.Reconciler.(*reconcile.Reconciler)}
	h.deps.Reconciler = locked
	h.activate(t, "ledger")

	id, err := h.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Plugin:      "ledger",
		PayloadRef:  "/inbox/ledger.csv",
		SubmittedBy: "scanner",
		MaxAttempts: 1,
	})
	require.NoError(t, err)
	h.runner.EXPECT().Run(gomock.Any(), gomock.Any()).Return(okResult()).Times(1)

	_, stop := h.start(t)
	job := h.waitStatus(t, id, queue.StatusFailed)
	stop()

	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomeAborted, *job.Outcome)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "reconcile could not be committed", *job.LastError)
	assert.Equal(t, int32(maxRetries+1), locked.calls.Load())
	assert.Zero(t, h.countStatus(t, queue.StatusRunning))
}
