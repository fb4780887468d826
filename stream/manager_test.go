package stream_test

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/inkwell/metrics"
	"github.com/pithecene-io/inkwell/policy"
	"github.com/pithecene-io/inkwell/stream"
	"github.com/pithecene-io/inkwell/types"
)

// recorder collects handler callbacks for assertions. Handlers run on the
// manager's loop goroutine, so access is guarded.
type recorder struct {
	mu       sync.Mutex
	events   []*types.StreamEvent
	statuses []types.ConnectionStatus
	errs     []error
}

func (r *recorder) handlers() stream.Handlers {
	return stream.Handlers{
		OnEvent: func(e *types.StreamEvent) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		},
		OnConnectionChange: func(s types.ConnectionStatus) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) eventTypes() []types.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.EventType
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) states() []types.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.ConnectionState
	for _, s := range r.statuses {
		out = append(out, s.State)
	}
	return out
}

func (r *recorder) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}

// sseWriter writes one SSE frame and flushes.
func sseWrite(w http.ResponseWriter, id, event, data string) {
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	w.(http.Flusher).Flush()
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
}

// fastPolicy returns a policy with millisecond backoff so tests run fast.
func fastPolicy(t *testing.T, maxRetries, threshold int) *policy.Policy {
	t.Helper()
	p, err := policy.New(policy.Config{
		Backoff:          []time.Duration{5 * time.Millisecond},
		MaxRetries:       maxRetries,
		BreakerThreshold: threshold,
		BreakerWindow:    time.Minute,
		BreakerCooldown:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	return p
}

func newManager(t *testing.T, url string, pol *policy.Policy, rec *recorder, col *metrics.Collector) *stream.Manager {
	t.Helper()
	m, err := stream.New(stream.Config{
		JobID:     "job-test",
		StreamURL: url,
		Policy:    pol,
		Collector: col,
		Handlers:  rec.handlers(),
	})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	t.Cleanup(m.Disconnect)
	return m
}

func waitDone(t *testing.T, m *stream.Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for manager to stop")
	}
}

func TestManager_StreamsToCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		sseWrite(w, "ev-1", "progress", `{"value":40,"step_label":"outlining"}`)
		sseWrite(w, "ev-2", "heartbeat", `{"server_timestamp":"2026-08-01T12:00:00Z"}`)
		sseWrite(w, "ev-3", "completed", `{"final_content":"X","token_count":10}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	col := metrics.NewCollector("job-test")
	m := newManager(t, srv.URL, fastPolicy(t, 3, 10), rec, col)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDone(t, m)

	// Heartbeats are inert to job state: only progress and completed
	// reach the event handler.
	got := rec.eventTypes()
	want := []types.EventType{types.EventTypeProgress, types.EventTypeCompleted}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("events = %v, want %v", got, want)
	}

	if tok := m.ResumeToken(); tok != "ev-3" {
		t.Errorf("ResumeToken = %q, want ev-3", tok)
	}
	if st := m.Status().State; st != types.ConnClosed {
		t.Errorf("final state = %s, want closed", st)
	}

	snap := col.Snapshot()
	if snap.Heartbeats != 1 {
		t.Errorf("Heartbeats = %d, want 1", snap.Heartbeats)
	}
	if snap.FramesReceived != 3 {
		t.Errorf("FramesReceived = %d, want 3", snap.FramesReceived)
	}

	// Saw the full lifecycle.
	states := rec.states()
	var sawConnected bool
	for _, s := range states {
		if s == types.ConnConnected {
			sawConnected = true
		}
	}
	if !sawConnected {
		t.Errorf("never observed connected state in %v", states)
	}
}

func TestManager_ReconnectResumesWithToken(t *testing.T) {
	var conns atomic.Int32
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		if n == 1 {
			// First connection delivers some progress, then dies without a
			// terminal event.
			sseWrite(w, "ev-1", "progress", `{"value":40,"step_label":"drafting"}`)
			sseWrite(w, "ev-2", "heartbeat", `{}`)
			return
		}
		gotToken.Store(r.URL.Query().Get("last_event_id"))
		sseWrite(w, "ev-3", "completed", `{"final_content":"X","token_count":5}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	m := newManager(t, srv.URL, fastPolicy(t, 5, 10), rec, nil)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDone(t, m)

	if conns.Load() != 2 {
		t.Fatalf("connections = %d, want 2", conns.Load())
	}
	// The reconnect passed the heartbeat's id: the last successfully
	// processed event of any kind.
	if tok, _ := gotToken.Load().(string); tok != "ev-2" {
		t.Errorf("last_event_id = %q, want ev-2", tok)
	}

	evs := rec.eventTypes()
	if len(evs) != 2 || evs[1] != types.EventTypeCompleted {
		t.Errorf("events = %v, want progress then completed", evs)
	}
}

func TestManager_ExhaustedThenManualRetry(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conns.Add(1)
		if failing.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sseHeaders(w)
		sseWrite(w, "ev-1", "completed", `{"final_content":"X","token_count":1}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	m := newManager(t, srv.URL, fastPolicy(t, 2, 100), rec, nil)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Wait until the retry budget is spent.
	deadline := time.Now().Add(5 * time.Second)
	for rec.firstError() == nil {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for exhausted error")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(rec.firstError(), stream.ErrRetriesExhausted) {
		t.Fatalf("error = %v, want ErrRetriesExhausted", rec.firstError())
	}

	// initial attempt + 2 retries, then parked: no more automatic dials.
	attemptsAtPark := m.Attempts()
	if attemptsAtPark != 3 {
		t.Errorf("attempts = %d, want 3", attemptsAtPark)
	}
	time.Sleep(50 * time.Millisecond)
	if m.Attempts() != attemptsAtPark {
		t.Error("automatic reconnects continued after exhaustion")
	}

	// Manual retry is honored immediately and succeeds.
	failing.Store(false)
	if err := m.Retry(false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitDone(t, m)

	evs := rec.eventTypes()
	if len(evs) == 0 || evs[len(evs)-1] != types.EventTypeCompleted {
		t.Errorf("events = %v, want trailing completed", evs)
	}
}

func TestManager_CircuitOpensAfterRapidFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := &recorder{}
	col := metrics.NewCollector("job-test")
	// High retry budget so the breaker trips before exhaustion.
	m := newManager(t, srv.URL, fastPolicy(t, 50, 3), rec, col)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for col.Snapshot().CircuitTrips == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for circuit trip")
		}
		time.Sleep(5 * time.Millisecond)
	}

	var sawOpen bool
	for _, s := range rec.states() {
		if s == types.ConnCircuitOpen {
			sawOpen = true
		}
	}
	if !sawOpen {
		t.Errorf("never observed circuit_open in %v", rec.states())
	}
}

func TestManager_DisconnectIsIdempotentAndFinal(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		sseWrite(w, "", "heartbeat", `{}`)
		<-block
	}))
	defer srv.Close()
	defer close(block)

	rec := &recorder{}
	m := newManager(t, srv.URL, fastPolicy(t, 3, 10), rec, nil)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Give the connection a moment to establish.
	deadline := time.Now().Add(5 * time.Second)
	for m.Status().State != types.ConnConnected {
		if time.Now().After(deadline) {
			t.Fatal("never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	m.Disconnect()
	m.Disconnect()
	waitDone(t, m)

	if st := m.Status().State; st != types.ConnClosed {
		t.Errorf("state = %s, want closed", st)
	}
	attempts := m.Attempts()
	time.Sleep(30 * time.Millisecond)
	if m.Attempts() != attempts {
		t.Error("disconnected manager reconnected")
	}
	if err := m.Connect(); !errors.Is(err, stream.ErrManagerClosed) {
		t.Errorf("Connect after Disconnect = %v, want ErrManagerClosed", err)
	}
	if err := m.Retry(false); !errors.Is(err, stream.ErrManagerClosed) {
		t.Errorf("Retry after Disconnect = %v, want ErrManagerClosed", err)
	}
}

func TestManager_MalformedFramesAreSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		sseWrite(w, "", "telemetry", `{"cpu":99}`)
		sseWrite(w, "", "progress", `{"value":`)
		sseWrite(w, "ev-2", "completed", `{"final_content":"X","token_count":1}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	col := metrics.NewCollector("job-test")
	m := newManager(t, srv.URL, fastPolicy(t, 3, 10), rec, col)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDone(t, m)

	evs := rec.eventTypes()
	if len(evs) != 1 || evs[0] != types.EventTypeCompleted {
		t.Errorf("events = %v, want only completed", evs)
	}
	if got := col.Snapshot().DecodeErrors; got != 2 {
		t.Errorf("DecodeErrors = %d, want 2", got)
	}
}

func TestManager_FreshRetryClearsToken(t *testing.T) {
	var conns atomic.Int32
	var secondToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		if n == 1 {
			sseWrite(w, "ev-9", "progress", `{"value":10}`)
			return // dies without terminal
		}
		secondToken.Store(r.URL.Query().Get("last_event_id"))
		sseWrite(w, "ev-10", "completed", `{"final_content":"X","token_count":1}`)
	}))
	defer srv.Close()

	rec := &recorder{}
	// Long backoff: manual override has to cut the wait short.
	pol, err := policy.New(policy.Config{
		Backoff:    []time.Duration{10 * time.Second},
		MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	m := newManager(t, srv.URL, pol, rec, nil)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status().State != types.ConnRetrying {
		if time.Now().After(deadline) {
			t.Fatal("never reached retrying")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := m.Retry(true); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	waitDone(t, m)

	if tok, _ := secondToken.Load().(string); tok != "" {
		t.Errorf("fresh retry sent last_event_id = %q, want empty", tok)
	}
}

func TestManager_LivenessTimeoutTriggersReconnect(t *testing.T) {
	var conns atomic.Int32
	hold := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		if n == 1 {
			// One frame, then silence until the test tears down.
			sseWrite(w, "ev-1", "progress", `{"value":10,"step_label":"drafting"}`)
			<-hold
			return
		}
		sseWrite(w, "ev-2", "completed", `{"final_content":"X","token_count":1}`)
	}))
	defer srv.Close()
	defer close(hold)

	rec := &recorder{}
	col := metrics.NewCollector("job-test")
	m, err := stream.New(stream.Config{
		JobID:            "job-test",
		StreamURL:        srv.URL,
		HeartbeatTimeout: 300 * time.Millisecond,
		Policy:           fastPolicy(t, 5, 10),
		Collector:        col,
		Handlers:         rec.handlers(),
	})
	if err != nil {
		t.Fatalf("stream.New: %v", err)
	}
	t.Cleanup(m.Disconnect)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitDone(t, m)

	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2 (silence should force a reconnect)", got)
	}
	if n := col.Snapshot().LivenessTimeouts; n != 1 {
		t.Errorf("LivenessTimeouts = %d, want 1", n)
	}

	// The silence surfaced as a retryable connection error, not a hard
	// stop: the retrying status carries the timeout message.
	var sawTimeout bool
	rec.mu.Lock()
	for _, s := range rec.statuses {
		if s.State == types.ConnRetrying && strings.Contains(s.LastError, "no frame received") {
			sawTimeout = true
		}
	}
	rec.mu.Unlock()
	if !sawTimeout {
		t.Error("no retrying status carried the liveness timeout error")
	}

	evs := rec.eventTypes()
	if len(evs) == 0 || evs[len(evs)-1] != types.EventTypeCompleted {
		t.Errorf("events = %v, want completed last", evs)
	}
}

func TestManager_RetryWhileConnectedIsDropped(t *testing.T) {
	var conns atomic.Int32
	hold := make(chan struct{})
	release := sync.OnceFunc(func() { close(hold) })
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		sseHeaders(w)
		if n == 1 {
			sseWrite(w, "ev-1", "progress", `{"value":10}`)
			<-hold
			return // dies without terminal
		}
		sseWrite(w, "ev-2", "completed", `{"final_content":"X","token_count":1}`)
	}))
	defer srv.Close()
	defer release()

	rec := &recorder{}
	pol, err := policy.New(policy.Config{
		Backoff:    []time.Duration{400 * time.Millisecond},
		MaxRetries: 5,
	})
	if err != nil {
		t.Fatalf("policy.New: %v", err)
	}
	m := newManager(t, srv.URL, pol, rec, nil)
	if err := m.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.Status().State != types.ConnConnected || len(rec.eventTypes()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("never reached connected")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// A retry keypress on a healthy connection must not queue up.
	if err := m.Retry(false); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	release()

	// The failure that follows must wait out the full backoff delay
	// instead of consuming the stale manual retry.
	time.Sleep(150 * time.Millisecond)
	if got := conns.Load(); got != 1 {
		t.Fatalf("connections = %d after 150ms, want 1 (stale manual retry was honored)", got)
	}
	waitDone(t, m)
	if got := conns.Load(); got != 2 {
		t.Fatalf("connections = %d, want 2", got)
	}
}

func TestRegistry_ReplaceTearsDownPrior(t *testing.T) {
	r := stream.NewRegistry()

	var torn []string
	r.Register("job-1", func() { torn = append(torn, "first") })
	r.Register("job-1", func() { torn = append(torn, "second") })

	if len(torn) != 1 || torn[0] != "first" {
		t.Errorf("teardowns = %v, want [first]", torn)
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}

	r.CleanupAll()
	if len(torn) != 2 || torn[1] != "second" {
		t.Errorf("teardowns = %v, want [first second]", torn)
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0 after CleanupAll", r.Len())
	}
}

func TestRegistry_UnregisterDoesNotTearDown(t *testing.T) {
	r := stream.NewRegistry()
	called := false
	r.Register("job-1", func() { called = true })
	r.Unregister("job-1")
	r.CleanupAll()
	if called {
		t.Error("teardown ran for unregistered job")
	}
}
