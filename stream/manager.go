// Package stream owns the live event-stream connection for one job.
//
// The Manager wires the frame codec and the liveness monitor into a
// connection state machine, executes the reconnect policy on failure, and
// forwards validated events to the job state machine through an injected
// handler set. All state transitions happen on the manager's event loop
// goroutine, so ConnectionStatus has a single writer.
//
// Exactly one live connection exists per Manager; exactly one Manager
// should exist per job id (the Registry enforces teardown of a prior one).
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/inkwell/codec"
	"github.com/pithecene-io/inkwell/liveness"
	"github.com/pithecene-io/inkwell/log"
	"github.com/pithecene-io/inkwell/metrics"
	"github.com/pithecene-io/inkwell/policy"
	"github.com/pithecene-io/inkwell/types"
)

// ErrRetriesExhausted is surfaced when the automatic retry budget is
// spent. A manual retry remains available.
var ErrRetriesExhausted = errors.New("automatic retries exhausted")

// ErrManagerClosed is returned for operations on a disconnected manager.
var ErrManagerClosed = errors.New("stream manager is closed")

// Handlers is the capability set injected at construction. Nil fields are
// skipped. OnEvent is called on the manager's event loop goroutine in
// strict arrival order; handlers must not block.
type Handlers struct {
	// OnEvent receives every validated non-heartbeat event.
	OnEvent func(*types.StreamEvent)
	// OnConnectionChange receives a status snapshot on every transition.
	OnConnectionChange func(types.ConnectionStatus)
	// OnError receives user-actionable failures (retries exhausted,
	// circuit open).
	OnError func(error)
}

// Config configures a stream manager.
type Config struct {
	// JobID scopes logging, metrics, and the circuit breaker.
	JobID string
	// StreamURL is the absolute stream endpoint URL (required).
	StreamURL string
	// AuthToken is the bearer token added to stream requests, if set.
	AuthToken string
	// ResumeToken seeds the resumption token, e.g. from the resume cache.
	ResumeToken string
	// HeartbeatTimeout is the liveness silence threshold (default 45s).
	HeartbeatTimeout time.Duration
	// Policy decides retry/backoff/circuit behavior. Defaults applied
	// when nil.
	Policy *policy.Policy
	// HTTPClient must have no global timeout: the stream is long-lived.
	// A default with a response-header timeout is built when nil.
	HTTPClient *http.Client
	Logger     *log.Logger
	Collector  *metrics.Collector
	Handlers   Handlers
}

// Manager owns the one live stream connection for a job id.
type Manager struct {
	cfg     Config
	logger  *log.Logger
	pol     *policy.Policy
	monitor *liveness.Monitor
	client  *http.Client

	cancel   context.CancelFunc
	manualCh chan bool // manual retry; payload is the "fresh" flag
	done     chan struct{}

	mu           sync.Mutex
	status       types.ConnectionStatus
	resumeToken  string
	attempts     int64
	started      bool
	closed       bool
	terminalSeen bool
}

// New creates a manager. The connection is not opened until Connect.
func New(cfg Config) (*Manager, error) {
	if cfg.StreamURL == "" {
		return nil, errors.New("stream manager requires a stream URL")
	}
	if _, err := url.Parse(cfg.StreamURL); err != nil {
		return nil, fmt.Errorf("invalid stream URL: %w", err)
	}

	pol := cfg.Policy
	if pol == nil {
		var err error
		pol, err = policy.New(policy.Config{})
		if err != nil {
			return nil, err
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	client := cfg.HTTPClient
	if client == nil {
		// No global timeout: the response body stays open for the whole
		// job. The header timeout bounds only the connection handshake.
		client = &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 15 * time.Second},
		}
	}

	return &Manager{
		cfg:         cfg,
		logger:      logger,
		pol:         pol,
		monitor:     liveness.New(cfg.HeartbeatTimeout),
		client:      client,
		manualCh:    make(chan bool, 1),
		done:        make(chan struct{}),
		resumeToken: cfg.ResumeToken,
		status: types.ConnectionStatus{
			State:      types.ConnClosed,
			MaxRetries: pol.MaxRetries(),
		},
	}, nil
}

// Connect opens the stream and starts the event loop. Idempotent: a
// second call on a live manager is a no-op. Returns ErrManagerClosed
// after Disconnect.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Disconnect forces the connection to Closed and suppresses every pending
// timer, so a disconnected job never silently reconnects. Idempotent and
// safe to call from any goroutine at any time.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	cancel := m.cancel
	wasStarted := m.started
	m.status.State = types.ConnClosed
	m.status.NextRetryIn = 0
	status := m.status
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !wasStarted {
		close(m.done)
	}
	m.notifyStatus(status)
}

// Done is closed when the event loop has fully stopped.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Retry requests an immediate manual reconnect, honored from Retrying,
// CircuitOpen, and the exhausted wait state. It resets the retry counter
// and closes an open circuit. fresh additionally clears the resumption
// token for a restart that must not resume stale state. A retry issued
// while the connection is live is a no-op: honoring it at the next
// failure would reset the retry budget long after the keypress.
func (m *Manager) Retry(fresh bool) error {
	m.mu.Lock()
	if m.closed || !m.started {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.status.State == types.ConnConnected {
		m.mu.Unlock()
		return nil
	}
	if fresh {
		m.resumeToken = ""
	}
	m.mu.Unlock()

	select {
	case m.manualCh <- fresh:
	default:
		// A manual retry is already queued; one is enough.
	}
	return nil
}

// Status returns the current connection status snapshot.
func (m *Manager) Status() types.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// ResumeToken returns the id of the last successfully processed event.
func (m *Manager) ResumeToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumeToken
}

// Attempts returns the monotonically increasing connection attempt count.
func (m *Manager) Attempts() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// run is the event loop. Owns every state transition until the manager
// stops.
func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	retryCount := 0
	for {
		if ctx.Err() != nil {
			m.setClosed("")
			return
		}

		m.transition(func(s *types.ConnectionStatus) {
			s.State = types.ConnConnecting
			s.RetryCount = retryCount
			s.NextRetryIn = 0
		})

		consumeErr := m.connectAndConsume(ctx, &retryCount)
		if consumeErr == nil {
			// Clean close after a terminal event.
			m.setClosed("")
			return
		}
		if ctx.Err() != nil {
			m.setClosed("")
			return
		}

		m.logger.Warn("stream connection failed", map[string]any{
			"error": consumeErr.Error(),
			"retry": retryCount,
		})

		act := m.pol.NextAction(retryCount)
		switch act.Kind {
		case policy.ActionRetry:
			retryCount++
			m.cfg.Collector.IncReconnect()
			m.transition(func(s *types.ConnectionStatus) {
				s.State = types.ConnRetrying
				s.RetryCount = retryCount
				s.NextRetryIn = act.Delay
				s.LastError = consumeErr.Error()
			})
			if manual, fresh := m.waitRetry(ctx, act.Delay); manual {
				retryCount = m.applyManual(fresh)
			}

		case policy.ActionCircuitOpen:
			m.cfg.Collector.IncCircuitTrip()
			m.transition(func(s *types.ConnectionStatus) {
				s.State = types.ConnCircuitOpen
				s.NextRetryIn = act.Cooldown
				s.LastError = consumeErr.Error()
			})
			m.notifyError(fmt.Errorf("circuit open for %s: %w", act.Cooldown, consumeErr))
			if manual, fresh := m.waitRetry(ctx, act.Cooldown); manual {
				retryCount = m.applyManual(fresh)
			}

		case policy.ActionExhausted:
			m.transition(func(s *types.ConnectionStatus) {
				s.State = types.ConnClosed
				s.RetryCount = retryCount
				s.NextRetryIn = 0
				s.LastError = consumeErr.Error()
			})
			m.notifyError(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, retryCount, consumeErr))
			// Parked: only a manual retry or disconnect continues.
			manual, fresh := m.waitManual(ctx)
			if !manual {
				m.setClosed("")
				return
			}
			retryCount = m.applyManual(fresh)
		}
	}
}

// applyManual resets policy state for a manual override and returns the
// new retry count (always zero).
func (m *Manager) applyManual(fresh bool) int {
	m.pol.Reset()
	if fresh {
		m.mu.Lock()
		m.resumeToken = ""
		m.mu.Unlock()
	}
	m.logger.Info("manual retry", map[string]any{"fresh": fresh})
	return 0
}

// waitRetry blocks for the delay, a manual override, or cancellation.
// Returns (true, fresh) when a manual override cut the wait short.
func (m *Manager) waitRetry(ctx context.Context, delay time.Duration) (manual, fresh bool) {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false, false
	case fresh := <-m.manualCh:
		return true, fresh
	case <-timer.C:
		return false, false
	}
}

// waitManual blocks until a manual override or cancellation.
func (m *Manager) waitManual(ctx context.Context) (manual, fresh bool) {
	select {
	case <-ctx.Done():
		return false, false
	case fresh := <-m.manualCh:
		return true, fresh
	}
}

// connectAndConsume dials the stream and processes frames until the
// connection dies or a terminal event arrives. Returns nil only on a
// clean terminal close.
func (m *Manager) connectAndConsume(ctx context.Context, retryCount *int) error {
	resp, err := m.dial(ctx)
	if err != nil {
		return err
	}

	// Connection is live: the retry counter starts over. A manual retry
	// queued while the dial was in flight is stale; dropping it keeps a
	// later failure on the policy's backoff schedule.
	select {
	case <-m.manualCh:
	default:
	}
	*retryCount = 0
	m.pol.Reset()
	m.cfg.Collector.IncConnectSucceeded()
	m.monitor.Reset()
	m.transition(func(s *types.ConnectionStatus) {
		s.State = types.ConnConnected
		s.RetryCount = 0
		s.NextRetryIn = 0
		s.LastError = ""
	})

	return m.consume(ctx, resp.Body)
}

// dial opens the stream request, passing the resumption token as a query
// parameter (the transport cannot carry custom headers on reconnect).
func (m *Manager) dial(ctx context.Context) (*http.Response, error) {
	m.mu.Lock()
	m.attempts++
	attempt := m.attempts
	token := m.resumeToken
	m.mu.Unlock()
	m.cfg.Collector.IncConnectAttempted()

	u, err := url.Parse(m.cfg.StreamURL)
	if err != nil {
		return nil, &types.ConnectionError{Msg: "parse stream URL", Err: err}
	}
	if token != "" {
		q := u.Query()
		q.Set("last_event_id", token)
		u.RawQuery = q.Encode()
	}

	m.logger.Info("opening stream", map[string]any{
		"attempt": attempt,
		"resume":  token != "",
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &types.ConnectionError{Msg: "create stream request", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if m.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+m.cfg.AuthToken)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &types.ConnectionError{Msg: "stream connect", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &types.ConnectionError{
			Msg: fmt.Sprintf("stream endpoint returned status %d", resp.StatusCode),
		}
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		_ = resp.Body.Close()
		return nil, &types.ConnectionError{
			Msg: fmt.Sprintf("unexpected stream content type %q", ct),
		}
	}
	return resp, nil
}

type frameResult struct {
	frame *codec.Frame
	err   error
}

// consume reads frames until EOF, a transport error, a liveness timeout,
// or a terminal event. Closing the body unblocks the reader goroutine.
func (m *Manager) consume(ctx context.Context, body io.ReadCloser) error {
	defer func() { _ = body.Close() }()

	stop := make(chan struct{})
	defer close(stop)

	frames := make(chan frameResult)
	go func() {
		r := codec.NewReader(body)
		for {
			f, err := r.Next()
			select {
			case frames <- frameResult{frame: f, err: err}:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	// The liveness deadline is polled; a quarter of the timeout keeps
	// detection latency low without a busy loop.
	interval := m.monitor.Timeout() / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case fr := <-frames:
			if fr.err != nil {
				if errors.Is(fr.err, io.EOF) {
					if m.sawTerminal() {
						return nil
					}
					return &types.ConnectionError{Msg: "stream closed before terminal event"}
				}
				return &types.ConnectionError{Msg: "stream read failed", Err: fr.err}
			}
			if terminal := m.handleFrame(fr.frame); terminal {
				return nil
			}

		case <-ticker.C:
			if m.monitor.Expired() {
				m.cfg.Collector.IncLivenessTimeout()
				return &types.ConnectionError{
					Msg: fmt.Sprintf("no frame received for %s", m.monitor.Timeout()),
				}
			}
		}
	}
}

// handleFrame processes one raw frame: liveness first, then decode, then
// dispatch. A malformed frame is logged and skipped; it never terminates
// the stream. Returns true when the frame carried a terminal event.
func (m *Manager) handleFrame(frame *codec.Frame) bool {
	m.cfg.Collector.IncFrameReceived()
	m.monitor.OnFrame()

	event, err := codec.Decode(frame)
	if err != nil {
		m.cfg.Collector.IncDecodeError()
		m.logger.Warn("discarding malformed frame", map[string]any{
			"type":  frame.Type,
			"error": err.Error(),
		})
		return false
	}

	if event.Type == types.EventTypeHeartbeat {
		m.cfg.Collector.IncHeartbeat()
		now := time.Now()
		m.transition(func(s *types.ConnectionStatus) {
			s.LastHeartbeatAt = &now
		})
		m.advanceToken(event.ID)
		return false
	}

	if m.cfg.Handlers.OnEvent != nil {
		m.cfg.Handlers.OnEvent(event)
	}
	m.cfg.Collector.IncEventApplied()
	m.advanceToken(event.ID)

	if event.Type.IsTerminal() {
		m.mu.Lock()
		m.terminalSeen = true
		m.mu.Unlock()
		return true
	}
	return false
}

// advanceToken records the id of the last successfully processed event.
func (m *Manager) advanceToken(id string) {
	if id == "" {
		return
	}
	m.mu.Lock()
	m.resumeToken = id
	m.mu.Unlock()
}

func (m *Manager) sawTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminalSeen
}

// transition mutates the status under lock and notifies. After Disconnect
// the status stays Closed; late loop transitions are dropped.
func (m *Manager) transition(mutate func(*types.ConnectionStatus)) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	mutate(&m.status)
	status := m.status
	m.mu.Unlock()
	m.notifyStatus(status)
}

func (m *Manager) setClosed(lastErr string) {
	m.transition(func(s *types.ConnectionStatus) {
		s.State = types.ConnClosed
		s.NextRetryIn = 0
		if lastErr != "" {
			s.LastError = lastErr
		}
	})
}

func (m *Manager) notifyStatus(status types.ConnectionStatus) {
	if m.cfg.Handlers.OnConnectionChange != nil {
		m.cfg.Handlers.OnConnectionChange(status)
	}
}

func (m *Manager) notifyError(err error) {
	if m.cfg.Handlers.OnError != nil {
		m.cfg.Handlers.OnError(err)
	}
}
