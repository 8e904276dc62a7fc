// Package e2e drives the whole pipeline: plugin sync, dispatch, a real
// sandboxed csvsplit session, reconciliation and the stores behind it.
package e2e

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/quarry/internal/breaker"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/dispatch"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/log"
	"github.com/mattjoyce/quarry/internal/metrics"
	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/reconcile"
	"github.com/mattjoyce/quarry/internal/sandbox"
	"github.com/mattjoyce/quarry/internal/storage"
)

func repoRoot(t *testing.T) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	require.True(t, ok, "runtime.Caller failed")
	// internal/e2e -> internal -> repo root
	return filepath.Clean(filepath.Join(filepath.Dir(file), "..", ".."))
}

// buildCSVSplit compiles the reference plugin into a fresh plugins dir.
func buildCSVSplit(t *testing.T, pluginsDir string) {
	t.Helper()
	goBin, err := exec.LookPath("go")
	if err != nil {
		t.Skip("go toolchain not on PATH")
	}
	root := repoRoot(t)
	dst := filepath.Join(pluginsDir, "csvsplit")
	require.NoError(t, os.MkdirAll(dst, 0o755))

	manifest, err := os.ReadFile(filepath.Join(root, "plugins", "csvsplit", "manifest.yaml"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dst, "manifest.yaml"), manifest, 0o644))

	cmd := exec.Command(goBin, "build", "-o", filepath.Join(dst, "csvsplit"), "./plugins/csvsplit")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "build csvsplit: %s", out)
}

type stack struct {
	cfg        *config.Config
	queue      *queue.Queue
	quarantine *quarantine.Store
	breaker    *breaker.Breaker
	hub        *events.Hub
	disp       *dispatch.Dispatcher
}

func startStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("e2e builds and runs a plugin binary")
	}
	log.Setup("error", "text")

	tmp := t.TempDir()
	pluginsDir := filepath.Join(tmp, "plugins")
	buildCSVSplit(t, pluginsDir)

	cfg := config.Defaults()
	cfg.State.Path = filepath.Join(tmp, "quarry.db")
	cfg.PluginsDir = pluginsDir
	cfg.Dispatcher.PollInterval = 20 * time.Millisecond
	cfg.Dispatcher.RetryBase = 5 * time.Millisecond
	cfg.Dispatcher.RetryMax = 50 * time.Millisecond
	cfg.Sandbox.Timeout = 30 * time.Second
	cfg.Sandbox.WorkDir = tmp
	cfg.Plugins["csvsplit"] = config.PluginConf{
		Config: map[string]any{
			"batch_size": 4,
			"types":      map[string]any{"amount": "int"},
		},
	}
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	registry := plugin.NewRegistry(db)
	report, err := plugin.Sync(ctx, registry, []string{cfg.PluginsDir}, true, nil)
	require.NoError(t, err)
	require.Len(t, report.Promoted, 1)

	s := &stack{
		cfg:        cfg,
		queue:      queue.New(db),
		quarantine: quarantine.NewStore(db),
		breaker:    breaker.New(db, cfg.Breaker, nil),
		hub:        events.NewHub(256),
	}
	m := metrics.New()
	rec := reconcile.New(db, cfg.Reconciler, s.breaker, m, s.hub, nil)
	s.disp = dispatch.New(cfg, dispatch.Deps{
		Queue:      s.queue,
		Manifests:  registry,
		Breaker:    s.breaker,
		Reconciler: rec,
		Runner:     sandbox.New(cfg.Sandbox, nil),
		Events:     s.hub,
		Metrics:    m,
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.disp.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("dispatcher did not stop")
		}
	})
	return s
}

func (s *stack) enqueue(t *testing.T, payload string, maxAttempts int) string {
	t.Helper()
	id, err := s.queue.Enqueue(context.Background(), queue.EnqueueRequest{
		Plugin:      "csvsplit",
		PayloadRef:  payload,
		SubmittedBy: "e2e",
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	s.disp.Wake()
	return id
}

func (s *stack) waitTerminal(t *testing.T, id string) *queue.Job {
	t.Helper()
	var job *queue.Job
	require.Eventually(t, func() bool {
		j, err := s.queue.Get(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.Status.Terminal()
	}, 30*time.Second, 20*time.Millisecond, "job %s never finished", id)
	return job
}

func writeLedger(t *testing.T, rows int, bad map[int]bool) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("id,amount\n")
	for i := 1; i <= rows; i++ {
		if bad[i] {
			fmt.Fprintf(&b, "R%d,not-a-number\n", i)
			continue
		}
		fmt.Fprintf(&b, "R%d,%d\n", i, i*10)
	}
	path := filepath.Join(t.TempDir(), "ledger.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestPartialIngestQuarantinesBadRows(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	id := s.enqueue(t, writeLedger(t, 10, map[int]bool{6: true}), 3)
	job := s.waitTerminal(t, id)

	require.Equal(t, queue.StatusCompleted, job.Status, "last error: %v", job.LastError)
	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomePartialSuccess, *job.Outcome)
	assert.Equal(t, "completed (partial)", queue.DisplayStatus(job.Status, job.Outcome))
	assert.Equal(t, int64(9), job.RowsOK)
	assert.Equal(t, int64(1), job.RowsQuarantined)
	require.NotNil(t, job.PluginVersion)
	assert.Equal(t, "1.0.0", *job.PluginVersion)

	records, err := s.quarantine.ListByJob(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, quarantine.CategoryPluginReported, records[0].Category)
	require.NotNil(t, records[0].RowOffset)
	assert.Equal(t, int64(6), *records[0].RowOffset)

	out, err := s.queue.ListOutput(ctx, id)
	require.NoError(t, err)
	total := 0
	for _, b := range out {
		total += b.RowCount
	}
	assert.Equal(t, 9, total)

	attempts, err := s.queue.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "completed", attempts[0].Termination)

	st, err := s.breaker.Get(ctx, "csvsplit")
	require.NoError(t, err)
	assert.Equal(t, breaker.ModeActive, st.Mode)
	assert.Zero(t, st.ConsecutiveFailures)
}

func TestVanishedPayloadIsRedoneThenFails(t *testing.T) {
	s := startStack(t)
	ctx := context.Background()

	id := s.enqueue(t, filepath.Join(t.TempDir(), "gone.csv"), 2)
	job := s.waitTerminal(t, id)

	assert.Equal(t, queue.StatusFailed, job.Status)
	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomeRejected, *job.Outcome)
	assert.Equal(t, 2, job.Attempt)

	attempts, err := s.queue.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	for _, a := range attempts {
		assert.Equal(t, queue.OutcomeRejected, a.Outcome)
	}

	// Rejected input says nothing about the plugin.
	st, err := s.breaker.Get(ctx, "csvsplit")
	require.NoError(t, err)
	assert.Empty(t, st.Window)
}

func TestEmptyPayloadIsSkipped(t *testing.T) {
	s := startStack(t)

	path := filepath.Join(t.TempDir(), "empty.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,amount\n"), 0o644))
	job := s.waitTerminal(t, s.enqueue(t, path, 1))

	assert.Equal(t, queue.StatusSkipped, job.Status)
	require.NotNil(t, job.Outcome)
	assert.Equal(t, queue.OutcomeSuccess, *job.Outcome)
}
