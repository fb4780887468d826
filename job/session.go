// Package job holds the client-side state machine for one generation job.
//
// A Session drives the full lifecycle: validate and submit the request,
// open the event stream, fold validated events into a JobState aggregate,
// and expose snapshots to the UI. Terminal statuses are absorbing; once a
// job is Completed, Failed, or Canceled no stream event mutates it.
package job

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/inkwell/api"
	"github.com/pithecene-io/inkwell/cache"
	"github.com/pithecene-io/inkwell/log"
	"github.com/pithecene-io/inkwell/metrics"
	"github.com/pithecene-io/inkwell/policy"
	"github.com/pithecene-io/inkwell/stream"
	"github.com/pithecene-io/inkwell/types"
)

// ErrAlreadyStarted is returned when Start is called on a live session.
var ErrAlreadyStarted = errors.New("job already started")

// ErrNotRetryable is returned by Retry when the job cannot be retried.
var ErrNotRetryable = errors.New("job is not retryable")

// ErrNoResumeState is returned by Attach when the cache has no entry.
var ErrNoResumeState = errors.New("no resume state for job")

// Control is the slice of the job-control API the session needs.
// *api.Client satisfies it.
type Control interface {
	StartJob(ctx context.Context, req types.StartRequest) (*api.StartJobResponse, error)
	CancelJob(ctx context.Context, cancelURL string) error
	Resolve(endpoint string) string
}

// Connection is the slice of the stream manager the session drives.
// *stream.Manager satisfies it.
type Connection interface {
	Connect() error
	Disconnect()
	Retry(fresh bool) error
	Done() <-chan struct{}
	ResumeToken() string
}

// StreamFactory builds a connection for a stream config. The default
// wraps stream.New; tests substitute fakes.
type StreamFactory func(stream.Config) (Connection, error)

func defaultStreamFactory(cfg stream.Config) (Connection, error) {
	return stream.New(cfg)
}

// Config wires a session's collaborators. Control is required; everything
// else has a working default or is optional.
type Config struct {
	Control   Control
	AuthToken string

	// NewStream overrides connection construction (tests).
	NewStream StreamFactory
	// Policy tunes reconnect behavior for the session's connections.
	Policy policy.Config
	// HeartbeatTimeout is forwarded to the stream manager.
	HeartbeatTimeout time.Duration

	// Cache persists resumption state across client restarts. Optional.
	Cache *cache.Store
	// Registry tracks the live connection for shell-level cleanup. Optional.
	Registry *stream.Registry

	Logger    *log.Logger
	Collector *metrics.Collector
}

// Session is the single writer of one job's state. Stream callbacks and
// UI calls are serialized through its mutex; snapshots go out by value.
type Session struct {
	cfg       Config
	newStream StreamFactory
	logger    *log.Logger

	mu        sync.Mutex
	state     types.JobState
	lastReq   *types.StartRequest
	cancelURL string
	conn      Connection
	canceled  bool // a cancel side effect has been issued

	updates chan types.JobState
}

// NewSession creates an idle session in the pre-Queued shape.
func NewSession(cfg Config) (*Session, error) {
	if cfg.Control == nil {
		return nil, errors.New("job session requires a control client")
	}
	nf := cfg.NewStream
	if nf == nil {
		nf = defaultStreamFactory
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Session{
		cfg:       cfg,
		newStream: nf,
		logger:    logger,
		state:     types.JobState{Status: types.JobQueued, Connection: types.ConnectionStatus{State: types.ConnClosed}},
		updates:   make(chan types.JobState, 1),
	}, nil
}

// State returns the current snapshot.
func (s *Session) State() types.JobState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updates delivers state snapshots after every change. The channel holds
// only the latest snapshot; a slow consumer never blocks event handling.
func (s *Session) Updates() <-chan types.JobState { return s.updates }

// Done is closed when the current connection's event loop has stopped.
// Nil when no connection exists.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.Done()
}

// Start validates the request, submits it, and opens the event stream.
// Validation failures surface before any network activity. Valid from the
// initial shape or any terminal state.
func (s *Session) Start(ctx context.Context, req types.StartRequest) error {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.conn != nil && !s.state.Status.IsTerminal() {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.resetLocked()
	s.mu.Unlock()

	resp, err := s.cfg.Control.StartJob(ctx, req)
	if err != nil {
		return fmt.Errorf("start job: %w", err)
	}

	cancelURL := resp.CancelURL
	if cancelURL == "" {
		cancelURL = s.cfg.Control.Resolve("/jobs/" + resp.JobID + "/cancel")
	}

	s.mu.Lock()
	s.lastReq = &req
	s.state.JobID = resp.JobID
	s.cancelURL = cancelURL
	s.mu.Unlock()

	return s.openStream(resp.JobID, s.cfg.Control.Resolve(resp.StreamURL), "")
}

// Attach re-opens the stream of a job persisted in the resume cache,
// picking up from the last processed event.
func (s *Session) Attach(jobID string) error {
	if s.cfg.Cache == nil {
		return ErrNoResumeState
	}
	entry, ok := s.cfg.Cache.Get(jobID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoResumeState, jobID)
	}

	s.mu.Lock()
	if s.conn != nil && !s.state.Status.IsTerminal() {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.resetLocked()
	s.state.JobID = jobID
	s.cancelURL = entry.CancelURL
	s.mu.Unlock()

	return s.openStream(jobID, entry.StreamURL, entry.ResumeToken)
}

// openStream builds and connects the stream manager for a job.
func (s *Session) openStream(jobID, streamURL, resumeToken string) error {
	pol, err := policy.New(s.cfg.Policy)
	if err != nil {
		return err
	}
	conn, err := s.newStream(stream.Config{
		JobID:            jobID,
		StreamURL:        streamURL,
		AuthToken:        s.cfg.AuthToken,
		ResumeToken:      resumeToken,
		HeartbeatTimeout: s.cfg.HeartbeatTimeout,
		Policy:           pol,
		Logger:           s.logger.WithJob(jobID),
		Collector:        s.cfg.Collector,
		Handlers: stream.Handlers{
			OnEvent:            s.apply,
			OnConnectionChange: s.onConnectionChange,
			OnError:            s.onStreamError,
		},
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.publishLocked()
	s.mu.Unlock()

	if s.cfg.Registry != nil {
		s.cfg.Registry.Register(jobID, conn.Disconnect)
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Put(jobID, cache.Entry{
			ResumeToken: resumeToken,
			StreamURL:   streamURL,
			CancelURL:   s.cancelURLFor(),
			UpdatedAt:   time.Now(),
		}); err != nil {
			s.logger.Warn("persisting resume state failed", map[string]any{"error": err.Error()})
		}
	}
	return conn.Connect()
}

func (s *Session) cancelURLFor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelURL
}

// Cancel tears the connection down and transitions to Canceled, then
// notifies the server. The transition is optimistic: a failed remote
// cancel is logged and swallowed. Repeated calls produce exactly one
// remote side effect.
func (s *Session) Cancel(ctx context.Context) error {
	s.mu.Lock()
	if s.canceled || s.state.Status.IsTerminal() {
		status := s.state.Status
		s.mu.Unlock()
		if status == types.JobCanceled {
			return nil
		}
		return fmt.Errorf("cannot cancel job in status %s", status)
	}
	s.canceled = true
	conn := s.conn
	cancelURL := s.cancelURL
	jobID := s.state.JobID
	s.state.Status = types.JobCanceled
	s.state.CanRetry = s.lastReq != nil
	s.publishLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	s.pruneResume(jobID)

	if cancelURL != "" {
		if err := s.cfg.Control.CancelJob(ctx, cancelURL); err != nil {
			s.logger.Warn("remote cancel failed", map[string]any{
				"job_id": jobID,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

// Retry starts a fresh generation with the same parameters. Only valid
// when the current state advertises CanRetry.
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	if !s.state.CanRetry || s.lastReq == nil {
		s.mu.Unlock()
		return ErrNotRetryable
	}
	req := *s.lastReq
	s.mu.Unlock()
	return s.Start(ctx, req)
}

// RetryConnection requests an immediate reconnect of the live stream,
// resetting the retry budget and closing an open circuit.
func (s *Session) RetryConnection() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotRetryable
	}
	return conn.Retry(false)
}

// Reset tears down any connection and returns to the initial shape.
func (s *Session) Reset() {
	s.mu.Lock()
	conn := s.conn
	jobID := s.state.JobID
	s.resetLocked()
	s.publishLocked()
	s.mu.Unlock()

	if conn != nil {
		conn.Disconnect()
	}
	if jobID != "" && s.cfg.Registry != nil {
		s.cfg.Registry.Unregister(jobID)
	}
}

// Disconnect closes the live connection without changing job status.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Disconnect()
	}
}

func (s *Session) resetLocked() {
	s.state = types.JobState{
		Status:     types.JobQueued,
		Connection: types.ConnectionStatus{State: types.ConnClosed},
	}
	s.cancelURL = ""
	s.conn = nil
	s.canceled = false
}

// apply folds one validated stream event into the aggregate. Runs on the
// stream manager's event loop goroutine.
func (s *Session) apply(e *types.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Status.IsTerminal() {
		// Absorbing: late or duplicate frames after a terminal status are
		// dropped. Logged at debug so a chatty server is visible in traces.
		s.cfg.Collector.IncEventDiscarded()
		s.logger.Debug("discarding event after terminal status", map[string]any{
			"status": string(s.state.Status),
			"type":   string(e.Type),
		})
		return
	}

	switch e.Type {
	case types.EventTypeProgress:
		s.state.Status = types.JobStreaming
		p := e.Progress
		s.state.Progress = p.Value
		s.state.CurrentStepLabel = p.StepLabel
		s.state.EstimatedRemainingSeconds = p.EstimatedRemainingSeconds

	case types.EventTypePreview:
		s.state.Status = types.JobStreaming
		p := e.Preview
		if p.IsPartial {
			s.state.PreviewContent += p.ContentFragment
		} else {
			s.state.PreviewContent = p.ContentFragment
		}
		// Counters are latest-wins, not accumulated: a replayed frame
		// after reconnect must not double-count.
		if p.EstimatedTokens != nil {
			s.state.TokenCount = *p.EstimatedTokens
		}
		if p.WordCount != nil {
			s.state.WordCount = *p.WordCount
		}

	case types.EventTypeCompleted:
		c := e.Completed
		s.state.Status = types.JobCompleted
		s.state.Progress = 100
		s.state.FinalContent = c.FinalContent
		if c.TokenCount > 0 {
			s.state.TokenCount = c.TokenCount
		}
		if c.WordCount != nil {
			s.state.WordCount = *c.WordCount
		}
		if c.ModelUsed != nil {
			s.state.ModelUsed = *c.ModelUsed
		}
		if c.SavedResourceID != nil {
			s.state.SavedResourceID = *c.SavedResourceID
		}
		s.state.CanSave = true
		s.state.CanRetry = true
		s.finishLocked()

	case types.EventTypeFailed:
		f := e.Failed
		s.state.Status = types.JobFailed
		s.state.Err = &types.JobError{
			Code:      f.ErrorCode,
			Message:   f.ErrorMessage,
			Retryable: f.Retryable,
		}
		s.state.CanRetry = f.Retryable
		s.finishLocked()
	}

	s.publishLocked()
}

// finishLocked prunes persisted resume state once the job is terminal.
// Cache and registry never call back into the session, so holding the
// lock here is safe.
func (s *Session) finishLocked() {
	jobID := s.state.JobID
	s.pruneResume(jobID)
	if jobID != "" && s.cfg.Registry != nil {
		s.cfg.Registry.Unregister(jobID)
	}
}

func (s *Session) pruneResume(jobID string) {
	if s.cfg.Cache == nil || jobID == "" {
		return
	}
	if err := s.cfg.Cache.Delete(jobID); err != nil {
		s.logger.Warn("pruning resume state failed", map[string]any{"error": err.Error()})
	}
}

func (s *Session) onConnectionChange(status types.ConnectionStatus) {
	s.mu.Lock()
	s.state.Connection = status
	conn := s.conn
	jobID := s.state.JobID
	terminal := s.state.Status.IsTerminal()
	s.publishLocked()
	s.mu.Unlock()

	// Keep the persisted resumption token current while streaming.
	if s.cfg.Cache != nil && conn != nil && !terminal && status.State == types.ConnConnected {
		if entry, ok := s.cfg.Cache.Get(jobID); ok {
			entry.ResumeToken = conn.ResumeToken()
			entry.UpdatedAt = time.Now()
			if err := s.cfg.Cache.Put(jobID, entry); err != nil {
				s.logger.Warn("persisting resume token failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (s *Session) onStreamError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() {
		return
	}
	if s.state.Connection.LastError == "" {
		s.state.Connection.LastError = err.Error()
	}
	s.publishLocked()
}

// publishLocked pushes the current snapshot, replacing any undelivered one.
func (s *Session) publishLocked() {
	snap := s.state
	for {
		select {
		case s.updates <- snap:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// ProgressMessage renders a one-line human-readable description of where
// the job is.
func ProgressMessage(st types.JobState) string {
	switch st.Status {
	case types.JobQueued:
		return "Waiting for the job to start..."
	case types.JobStreaming:
		label := st.CurrentStepLabel
		if label == "" {
			label = "Generating"
		}
		return fmt.Sprintf("%s (%d%%)", strings.TrimSpace(label), st.Progress)
	case types.JobCompleted:
		return fmt.Sprintf("Completed: %d words, %d tokens", st.WordCount, st.TokenCount)
	case types.JobFailed:
		if st.Err != nil && st.Err.Message != "" {
			return "Failed: " + st.Err.Message
		}
		return "Failed"
	case types.JobCanceled:
		return "Canceled"
	default:
		return string(st.Status)
	}
}

// ETAString renders the estimated time remaining, or "" when unknown or
// no longer meaningful.
func ETAString(st types.JobState) string {
	if st.Status != types.JobStreaming || st.EstimatedRemainingSeconds == nil {
		return ""
	}
	secs := *st.EstimatedRemainingSeconds
	if secs < 0 {
		return ""
	}
	if secs < 60 {
		return fmt.Sprintf("about %ds remaining", secs)
	}
	min := (secs + 30) / 60
	return fmt.Sprintf("about %dm remaining", min)
}
