package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayStatus(t *testing.T) {
	tests := []struct {
		status  Status
		outcome *Outcome
		want    string
	}{
		{StatusQueued, nil, "queued"},
		{StatusRunning, nil, "running"},
		{StatusCompleted, OutcomeSuccess.Ptr(), "completed"},
		{StatusCompleted, OutcomePartialSuccess.Ptr(), "completed (partial)"},
		{StatusCompleted, OutcomeCompletedWithWarnings.Ptr(), "completed (warnings)"},
		{StatusFailed, OutcomeFailed.Ptr(), "failed"},
		{StatusFailed, OutcomeAborted.Ptr(), "failed (aborted)"},
		{StatusFailed, OutcomeRejected.Ptr(), "failed (rejected)"},
		{StatusSkipped, OutcomeSuccess.Ptr(), "skipped"},
		{StatusQueued, OutcomeFailed.Ptr(), "queued"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DisplayStatus(tt.status, tt.outcome))
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusQueued))
	assert.True(t, CanTransition(StatusQueued, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusFailed))
	assert.False(t, CanTransition(StatusCompleted, StatusRunning))
	assert.False(t, CanTransition(StatusRunning, StatusQueued), "rejected requeue has its own path")
	assert.False(t, CanTransition(StatusFailed, StatusQueued), "requeue has its own path")
	assert.False(t, CanTransition(StatusSkipped, StatusQueued))
}
