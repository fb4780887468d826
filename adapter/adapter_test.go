package adapter_test

import (
	"testing"

	"github.com/pithecene-io/inkwell/adapter"
	"github.com/pithecene-io/inkwell/types"
)

func TestNewJobCompletedEvent(t *testing.T) {
	st := types.JobState{
		JobID:      "job-7",
		Status:     types.JobFailed,
		WordCount:  800,
		TokenCount: 1100,
		ModelUsed:  "claude-sonnet",
		Err:        &types.JobError{Code: "MODEL_OVERLOADED", Message: "try later", Retryable: true},
	}

	ev := adapter.NewJobCompletedEvent(st, "proj-1")
	if ev.EventType != "job_completed" {
		t.Errorf("event type = %q", ev.EventType)
	}
	if ev.JobID != "job-7" || ev.ProjectID != "proj-1" {
		t.Errorf("ids = %q/%q", ev.JobID, ev.ProjectID)
	}
	if ev.Status != "failed" {
		t.Errorf("status = %q, want failed", ev.Status)
	}
	if ev.ErrorCode != "MODEL_OVERLOADED" {
		t.Errorf("error code = %q", ev.ErrorCode)
	}
	if ev.Timestamp == "" {
		t.Error("timestamp not set")
	}
}

func TestNewJobCompletedEvent_NoError(t *testing.T) {
	ev := adapter.NewJobCompletedEvent(types.JobState{JobID: "job-8", Status: types.JobCompleted}, "")
	if ev.ErrorCode != "" {
		t.Errorf("error code = %q, want empty", ev.ErrorCode)
	}
}
