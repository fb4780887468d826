package types

// JobStatus is the lifecycle status of a generation job.
type JobStatus string

// Job status constants. Completed, Failed, and Canceled are absorbing:
// once reached, no stream event may change status, progress, or content.
const (
	JobQueued    JobStatus = "queued"
	JobStreaming JobStatus = "streaming"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// IsTerminal returns true if the status is absorbing.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCanceled
}

// JobError is the user-facing error recorded on a failed job.
type JobError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// JobState is the externally visible aggregate for one generation job.
// Snapshots are handed out by value; only the job state machine mutates
// the authoritative copy.
type JobState struct {
	JobID  string    `json:"job_id,omitempty"`
	Status JobStatus `json:"status"`

	// Progress is the latest reported percentage in [0,100]. Latest wins;
	// values are never accumulated or averaged.
	Progress                  int    `json:"progress"`
	CurrentStepLabel          string `json:"current_step_label,omitempty"`
	EstimatedRemainingSeconds *int   `json:"estimated_remaining_seconds,omitempty"`

	// PreviewContent accumulates partial fragments within one connection's
	// lifetime and is replaced wholesale by a completed event.
	PreviewContent string `json:"preview_content,omitempty"`
	FinalContent   string `json:"final_content,omitempty"`

	TokenCount      int    `json:"token_count"`
	WordCount       int    `json:"word_count"`
	ModelUsed       string `json:"model_used,omitempty"`
	SavedResourceID string `json:"saved_resource_id,omitempty"`

	Connection ConnectionStatus `json:"connection"`
	Err        *JobError        `json:"error,omitempty"`

	// CanRetry means "generate again with the same parameters", not resume.
	CanRetry bool `json:"can_retry"`
	CanSave  bool `json:"can_save"`
}
