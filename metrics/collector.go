// Package metrics provides per-session metrics collection.
//
// The Collector accumulates counters during one client session. It is a
// leaf package with no internal dependencies. All increment methods are
// nil-receiver safe so callers never need to guard on wiring.
package metrics

import "sync"

// Snapshot is an immutable point-in-time view of session counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Connection lifecycle
	ConnectsAttempted int64
	ConnectsSucceeded int64
	Reconnects        int64
	CircuitTrips      int64
	LivenessTimeouts  int64

	// Frames
	FramesReceived  int64
	DecodeErrors    int64
	EventsApplied   int64
	EventsDiscarded int64
	Heartbeats      int64

	// Dimensions (informational, set at construction)
	JobID string
}

// Collector accumulates metrics during one session.
// Thread-safe via sync.Mutex.
type Collector struct {
	mu sync.Mutex

	connectsAttempted int64
	connectsSucceeded int64
	reconnects        int64
	circuitTrips      int64
	livenessTimeouts  int64

	framesReceived  int64
	decodeErrors    int64
	eventsApplied   int64
	eventsDiscarded int64
	heartbeats      int64

	jobID string
}

// NewCollector creates a Collector labeled with the job id.
func NewCollector(jobID string) *Collector {
	return &Collector{jobID: jobID}
}

// IncConnectAttempted records a connection attempt.
func (c *Collector) IncConnectAttempted() {
	if c == nil {
		return
	}
	c.inc(&c.connectsAttempted)
}

// IncConnectSucceeded records a successfully opened stream.
func (c *Collector) IncConnectSucceeded() {
	if c == nil {
		return
	}
	c.inc(&c.connectsSucceeded)
}

// IncReconnect records an automatic reconnect.
func (c *Collector) IncReconnect() {
	if c == nil {
		return
	}
	c.inc(&c.reconnects)
}

// IncCircuitTrip records the circuit breaker opening.
func (c *Collector) IncCircuitTrip() {
	if c == nil {
		return
	}
	c.inc(&c.circuitTrips)
}

// IncLivenessTimeout records a heartbeat-silence timeout.
func (c *Collector) IncLivenessTimeout() {
	if c == nil {
		return
	}
	c.inc(&c.livenessTimeouts)
}

// IncFrameReceived records one inbound frame of any type.
func (c *Collector) IncFrameReceived() {
	if c == nil {
		return
	}
	c.inc(&c.framesReceived)
}

// IncDecodeError records a malformed frame.
func (c *Collector) IncDecodeError() {
	if c == nil {
		return
	}
	c.inc(&c.decodeErrors)
}

// IncEventApplied records an event forwarded into job state.
func (c *Collector) IncEventApplied() {
	if c == nil {
		return
	}
	c.inc(&c.eventsApplied)
}

// IncEventDiscarded records an event dropped after a terminal state.
func (c *Collector) IncEventDiscarded() {
	if c == nil {
		return
	}
	c.inc(&c.eventsDiscarded)
}

// IncHeartbeat records a heartbeat frame.
func (c *Collector) IncHeartbeat() {
	if c == nil {
		return
	}
	c.inc(&c.heartbeats)
}

func (c *Collector) inc(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

// Snapshot returns a consistent copy of all counters. Nil-receiver safe;
// a nil collector snapshots to zeroes.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ConnectsAttempted: c.connectsAttempted,
		ConnectsSucceeded: c.connectsSucceeded,
		Reconnects:        c.reconnects,
		CircuitTrips:      c.circuitTrips,
		LivenessTimeouts:  c.livenessTimeouts,
		FramesReceived:    c.framesReceived,
		DecodeErrors:      c.decodeErrors,
		EventsApplied:     c.eventsApplied,
		EventsDiscarded:   c.eventsDiscarded,
		Heartbeats:        c.heartbeats,
		JobID:             c.jobID,
	}
}
