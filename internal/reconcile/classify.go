package reconcile

import (
	"github.com/mattjoyce/quarry/internal/protocol"
	"github.com/mattjoyce/quarry/internal/quarantine"
	"github.com/mattjoyce/quarry/internal/queue"
	"github.com/mattjoyce/quarry/internal/sandbox"
)

// Classify maps a finished session onto a status and outcome. screened may
// be nil when the session did not complete. tolerance is the largest
// quarantined share of rows still counted as PartialSuccess.
func Classify(res *sandbox.Result, screened *quarantine.Screened, tolerance float64) (queue.Status, queue.Outcome) {
	if res == nil || res.Termination != sandbox.TermCompleted || res.Completion == nil {
		return queue.StatusFailed, queue.OutcomeAborted
	}

	switch res.Completion.Status {
	case protocol.CompletionRejected:
		return queue.StatusFailed, queue.OutcomeRejected
	case protocol.CompletionFailed:
		return queue.StatusFailed, queue.OutcomeFailed
	case protocol.CompletionSkipped:
		return queue.StatusSkipped, queue.OutcomeSuccess
	}

	if screened == nil || screened.RowsQuarantined() == 0 {
		return queue.StatusCompleted, queue.OutcomeSuccess
	}
	if screened.RowsOK > 0 && quarantineRatio(screened) <= tolerance {
		return queue.StatusCompleted, queue.OutcomePartialSuccess
	}
	return queue.StatusCompleted, queue.OutcomeCompletedWithWarnings
}

func quarantineRatio(s *quarantine.Screened) float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.RowsQuarantined()) / float64(total)
}

// keepsOutput reports whether valid rows are persisted for an outcome.
func keepsOutput(o queue.Outcome) bool {
	switch o {
	case queue.OutcomeSuccess, queue.OutcomePartialSuccess, queue.OutcomeCompletedWithWarnings:
		return true
	}
	return false
}

// keepsQuarantine reports whether quarantine evidence is persisted. An
// aborted session's stream is untrusted and a rejected input is redone, so
// neither leaves records.
func keepsQuarantine(o queue.Outcome) bool {
	return o != queue.OutcomeAborted && o != queue.OutcomeRejected
}
