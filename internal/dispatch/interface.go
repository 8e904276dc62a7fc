package dispatch

import (
	"context"

	"github.com/mattjoyce/quarry/internal/plugin"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/reconcile"
	"github.com/mattjoyce/quarry/internal/sandbox"
)

//go:generate mockgen -destination=mocks/mock_dispatch.go -package=mocks github.com/mattjoyce/quarry/internal/dispatch Runner,Gate

// Runner executes one plugin session. *sandbox.Bridge is the production runner.
type Runner interface {
	Run(ctx context.Context, spec sandbox.Spec) *sandbox.Result
}

// Gate reports which plugins must not be claimed right now.
type Gate interface {
	PausedPlugins(ctx context.Context) ([]string, error)
}

// JobStore is the slice of the queue the dispatcher drives.
type JobStore interface {
	ClaimOldestEligible(ctx context.Context, filter queue.ClaimFilter) (*queue.Job, error)
	AttachManifest(ctx context.Context, jobID, manifestID, version string) error
	Depth(ctx context.Context) (int, error)
}

// Manifests resolves the version that should run a claimed job.
type Manifests interface {
	ResolveActive(ctx context.Context, name string) (*plugin.Entry, error)
}

// Reconciler commits session results.
type Reconciler interface {
	Reconcile(ctx context.Context, job *queue.Job, manifest *plugin.Entry, res *sandbox.Result) (*reconcile.Report, error)
	Reject(ctx context.Context, job *queue.Job, reason string) (*reconcile.Report, error)
	RecoverOrphans(ctx context.Context) ([]*reconcile.Report, error)
	Abandon(ctx context.Context, job *queue.Job, reason string) (*reconcile.Report, error)
}
