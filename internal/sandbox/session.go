// Package sandbox runs one job's plugin in its own process and collects the
// framed stream it sends back.
//
// Each session gets two private pipes: the data channel (fd 3) carries
// DataBatch frames and exactly one Completion; the log channel (fd 4)
// carries LogLine frames only. Anything the plugin prints to stdout or
// stderr is kept as capped diagnostics and never parsed. A session that
// overruns its timeout, is cancelled, or breaks the protocol has its whole
// process group killed with SIGKILL; there is no polite shutdown.
package sandbox

import (
	"time"

	"github.com/mattjoyce/quarry/internal/protocol"
)

// Termination says how a session ended.
type Termination string

const (
	TermCompleted         Termination = "completed"
	TermTimedOut          Termination = "timed_out"
	TermCancelled         Termination = "cancelled"
	TermProtocolViolation Termination = "protocol_violation"
	TermAbnormalExit      Termination = "abnormal_exit"
	TermStartFailed       Termination = "start_failed"
)

// Killed reports whether the sandbox ended the session itself.
func (t Termination) Killed() bool {
	return t == TermTimedOut || t == TermCancelled || t == TermProtocolViolation
}

// Spec is everything needed to run one session.
type Spec struct {
	JobID       string
	Plugin      string
	Version     string
	Attempt     int
	Entrypoint  string
	ContentHash string
	PayloadRef  string
	Config      map[string]any
	Env         map[string]string
	// Timeout overrides the sandbox default when positive.
	Timeout time.Duration
}

// Result is the drained outcome of a session. Batches are only meaningful
// to callers when Termination is TermCompleted.
type Result struct {
	Termination Termination
	// Err describes why a session did not complete normally.
	Err         error
	Completion  *protocol.Completion
	Batches     []*protocol.DataBatch
	Logs        []protocol.LogLine
	LogsDropped int
	Diagnostics string
	ExitCode    *int
	Pid         int
	BytesRead   int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall-clock length of the session.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RowsQuarantined counts plugin-reported quarantine entries across batches.
func (r *Result) RowsQuarantined() int64 {
	var n int64
	for _, b := range r.Batches {
		n += int64(len(b.Quarantine))
	}
	return n
}
