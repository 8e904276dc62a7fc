package queue

// allowed lists the transitions Transition accepts. Running->queued and
// failed->queued are not here: they clear state and bump the attempt, so they
// go through RequeueRejected and Requeue.
var allowed = map[Status][]Status{
	StatusPending: {StatusQueued, StatusStaged, StatusSkipped},
	StatusStaged:  {StatusQueued, StatusSkipped},
	StatusQueued:  {StatusRunning, StatusStaged, StatusSkipped},
	StatusRunning: {StatusCompleted, StatusFailed, StatusSkipped},
}

// CanTransition reports whether from->to is a legal direct transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// checkOutcome enforces that terminal statuses carry exactly one outcome and
// non-terminal ones carry none.
func checkOutcome(jobID string, from, to Status, outcome *Outcome) error {
	if to.Terminal() && outcome == nil {
		return &TransitionError{JobID: jobID, From: from, To: to, Reason: "terminal status requires an outcome"}
	}
	if !to.Terminal() && outcome != nil {
		return &TransitionError{JobID: jobID, From: from, To: to, Reason: "outcome is only valid on terminal status"}
	}
	if outcome != nil && !outcome.Valid() {
		return &TransitionError{JobID: jobID, From: from, To: to, Reason: "unknown outcome " + string(*outcome)}
	}
	return nil
}
