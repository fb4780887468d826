// Package liveness tracks wall-clock recency of stream frames.
//
// The server emits a heartbeat frame on a fixed interval, so silence longer
// than the interval plus a grace margin means the connection is dead even
// though the TCP socket may still look open. The monitor only tracks frame
// recency; it is oblivious to frame content.
package liveness

import (
	"sync"
	"time"
)

// DefaultTimeout is the default silence threshold: the 30s heartbeat
// interval plus a 15s grace margin.
const DefaultTimeout = 45 * time.Second

// Monitor raises a single timeout signal when no frame has been observed
// for the configured threshold. After firing it stays quiet until Reset.
type Monitor struct {
	mu       sync.Mutex
	timeout  time.Duration
	deadline time.Time
	fired    bool
	now      func() time.Time
}

// New creates a monitor with the given silence threshold. A non-positive
// timeout falls back to DefaultTimeout. The deadline is armed immediately.
func New(timeout time.Duration) *Monitor {
	return newMonitor(timeout, time.Now)
}

// newMonitor allows clock injection for tests.
func newMonitor(timeout time.Duration, now func() time.Time) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	m := &Monitor{timeout: timeout, now: now}
	m.deadline = now().Add(timeout)
	return m
}

// OnFrame records frame receipt and pushes the deadline forward. Every
// inbound frame counts, heartbeats included.
func (m *Monitor) OnFrame() {
	m.mu.Lock()
	m.deadline = m.now().Add(m.timeout)
	m.mu.Unlock()
}

// Expired reports whether the silence threshold has been crossed. It
// returns true exactly once per expiry; subsequent calls return false
// until Reset re-arms the monitor.
func (m *Monitor) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fired {
		return false
	}
	if m.now().Before(m.deadline) {
		return false
	}
	m.fired = true
	return true
}

// Reset clears a fired signal and re-arms the deadline. Called when a new
// connection attempt begins.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.fired = false
	m.deadline = m.now().Add(m.timeout)
	m.mu.Unlock()
}

// Timeout returns the configured silence threshold.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}
