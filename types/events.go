package types

// EventType is the type tag carried by every stream frame.
type EventType string

// Event type constants matching the stream wire protocol.
const (
	EventTypeProgress  EventType = "progress"
	EventTypePreview   EventType = "preview"
	EventTypeCompleted EventType = "completed"
	EventTypeFailed    EventType = "failed"
	EventTypeHeartbeat EventType = "heartbeat"
)

// IsTerminal returns true if this event type ends the job.
func (e EventType) IsTerminal() bool {
	return e == EventTypeCompleted || e == EventTypeFailed
}

// Known returns true for event types the codec understands.
func (e EventType) Known() bool {
	switch e {
	case EventTypeProgress, EventTypePreview, EventTypeCompleted,
		EventTypeFailed, EventTypeHeartbeat:
		return true
	}
	return false
}

// StreamEvent is one decoded stream frame. Exactly one payload pointer is
// non-nil, matching Type. Events are immutable once constructed; the codec
// produces at most one StreamEvent per inbound frame.
type StreamEvent struct {
	// ID is the server-assigned frame identifier, used as the resumption
	// token on reconnect. Empty when the server did not assign one.
	ID string
	// Type is the event type discriminator.
	Type EventType

	Progress  *ProgressPayload
	Preview   *PreviewPayload
	Completed *CompletedPayload
	Failed    *FailedPayload
	Heartbeat *HeartbeatPayload
}

// ProgressPayload reports generation progress.
type ProgressPayload struct {
	// Value is the completion percentage, clamped to [0,100] at decode.
	Value int `json:"value"`
	// StepLabel is a human-readable label for the current step.
	StepLabel string `json:"step_label"`
	// EstimatedRemainingSeconds is the server's remaining-time estimate.
	EstimatedRemainingSeconds *int `json:"estimated_remaining_seconds,omitempty"`
}

// PreviewPayload carries an intermediate content fragment.
type PreviewPayload struct {
	ContentFragment string `json:"content_fragment"`
	// IsPartial is true while the fragment extends earlier fragments.
	IsPartial       bool `json:"is_partial"`
	WordCount       *int `json:"word_count,omitempty"`
	EstimatedTokens *int `json:"estimated_tokens,omitempty"`
}

// CompletedPayload is the terminal success event.
type CompletedPayload struct {
	FinalContent    string  `json:"final_content"`
	TokenCount      int     `json:"token_count"`
	WordCount       *int    `json:"word_count,omitempty"`
	ModelUsed       *string `json:"model_used,omitempty"`
	SavedResourceID *string `json:"saved_resource_id,omitempty"`
}

// FailedPayload is the terminal failure event. The server's retryable flag
// is authoritative; the client never retries a non-retryable failure.
type FailedPayload struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	Retryable    bool   `json:"retryable"`
}

// HeartbeatPayload keeps the connection observably alive. Inert to job
// state; only the liveness clock and LastHeartbeatAt react to it.
type HeartbeatPayload struct {
	ServerTimestamp string `json:"server_timestamp"`
}
