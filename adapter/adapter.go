// Package adapter defines the notification boundary for finished jobs.
//
// Adapters publish a terminal-state notification to downstream systems
// (webhooks, pub/sub channels) once a generation job completes, fails, or
// is canceled. The CLI shell owns adapter lifecycle; users provide
// configuration only.
package adapter

import (
	"context"
	"time"

	"github.com/pithecene-io/inkwell/types"
)

// JobCompletedEvent is the payload published when a job reaches a
// terminal status.
type JobCompletedEvent struct {
	EventType  string `json:"event_type"` // always "job_completed"
	JobID      string `json:"job_id"`
	ProjectID  string `json:"project_id,omitempty"`
	Status     string `json:"status"` // completed, failed, canceled
	WordCount  int    `json:"word_count"`
	TokenCount int    `json:"token_count"`
	ModelUsed  string `json:"model_used,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Timestamp  string `json:"timestamp"` // ISO 8601
}

// NewJobCompletedEvent builds the notification payload from a terminal
// job snapshot.
func NewJobCompletedEvent(st types.JobState, projectID string) *JobCompletedEvent {
	ev := &JobCompletedEvent{
		EventType:  "job_completed",
		JobID:      st.JobID,
		ProjectID:  projectID,
		Status:     string(st.Status),
		WordCount:  st.WordCount,
		TokenCount: st.TokenCount,
		ModelUsed:  st.ModelUsed,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if st.Err != nil {
		ev.ErrorCode = st.Err.Code
	}
	return ev
}

// Adapter publishes job completion events to a downstream system.
type Adapter interface {
	// Publish sends a job completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *JobCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
