package queue

// DisplayStatus merges status and outcome into one label for operators. It is
// derived on read and never stored.
func DisplayStatus(status Status, outcome *Outcome) string {
	if outcome == nil || !status.Terminal() {
		return string(status)
	}
	switch *outcome {
	case OutcomeSuccess:
		if status == StatusSkipped {
			return "skipped"
		}
		return "completed"
	case OutcomePartialSuccess:
		return "completed (partial)"
	case OutcomeCompletedWithWarnings:
		return "completed (warnings)"
	case OutcomeFailed:
		return "failed"
	case OutcomeRejected:
		return "failed (rejected)"
	case OutcomeAborted:
		return "failed (aborted)"
	}
	return string(status) + " (" + string(*outcome) + ")"
}
