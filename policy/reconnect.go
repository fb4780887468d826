// Package policy decides whether and when a failed stream connection is
// retried.
//
// The policy is a pure decision component: the connection manager reports
// each failure and receives back an action: retry after a jittered delay,
// give up until the user intervenes, or open the circuit breaker for a
// cooldown. The policy never touches the network itself.
package policy

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Defaults. The backoff table is indexed by min(retry, len-1); delays get
// independent ±10% jitter so a fleet of clients does not reconnect in
// lockstep after a server restart.
var DefaultBackoff = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
}

const (
	// DefaultMaxRetries is the automatic retry budget per connection.
	DefaultMaxRetries = 5
	// DefaultBreakerThreshold is the failure count that opens the circuit.
	DefaultBreakerThreshold = 5
	// DefaultBreakerWindow is the trailing window for counting failures.
	DefaultBreakerWindow = 60 * time.Second
	// DefaultBreakerCooldown is how long an open circuit suppresses retries.
	DefaultBreakerCooldown = 30 * time.Second
	// jitterFraction is the ± jitter applied to each computed delay.
	jitterFraction = 0.10
)

// ErrInvalidConfig is returned for nonsensical policy configuration.
var ErrInvalidConfig = errors.New("invalid reconnect policy config")

// ActionKind discriminates policy decisions.
type ActionKind int

const (
	// ActionRetry schedules an automatic reconnect after Delay.
	ActionRetry ActionKind = iota
	// ActionExhausted means the retry budget is spent; only a manual
	// retry may continue.
	ActionExhausted
	// ActionCircuitOpen suppresses automatic retries for Cooldown.
	ActionCircuitOpen
)

func (k ActionKind) String() string {
	switch k {
	case ActionRetry:
		return "retry"
	case ActionExhausted:
		return "exhausted"
	case ActionCircuitOpen:
		return "circuit_open"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// Action is the policy's decision for one failure.
type Action struct {
	Kind ActionKind
	// Delay is the jittered backoff before the next attempt (ActionRetry).
	Delay time.Duration
	// Cooldown is the circuit-open duration (ActionCircuitOpen).
	Cooldown time.Duration
}

// Config configures a reconnect policy. Zero values take defaults.
type Config struct {
	Backoff          []time.Duration
	MaxRetries       int
	BreakerThreshold int
	BreakerWindow    time.Duration
	BreakerCooldown  time.Duration
	// Rand overrides the jitter source (tests). Must return [0.0, 1.0).
	Rand func() float64
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Policy computes reconnect decisions. Not safe for concurrent use; the
// connection manager is its single caller, from its event loop.
type Policy struct {
	backoff   []time.Duration
	max       int
	threshold int
	window    time.Duration
	cooldown  time.Duration
	rand      func() float64
	now       func() time.Time

	// failures are timestamps of recent failures within the window.
	failures []time.Time
}

// New creates a policy from config, applying defaults.
func New(cfg Config) (*Policy, error) {
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: max retries must be >= 0, got %d", ErrInvalidConfig, cfg.MaxRetries)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = DefaultBackoff
	}
	for _, d := range cfg.Backoff {
		if d <= 0 {
			return nil, fmt.Errorf("%w: backoff delays must be positive", ErrInvalidConfig)
		}
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerWindow == 0 {
		cfg.BreakerWindow = DefaultBreakerWindow
	}
	if cfg.BreakerCooldown == 0 {
		cfg.BreakerCooldown = DefaultBreakerCooldown
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Policy{
		backoff:   cfg.Backoff,
		max:       cfg.MaxRetries,
		threshold: cfg.BreakerThreshold,
		window:    cfg.BreakerWindow,
		cooldown:  cfg.BreakerCooldown,
		rand:      cfg.Rand,
		now:       cfg.Now,
	}, nil
}

// MaxRetries returns the automatic retry budget.
func (p *Policy) MaxRetries() int { return p.max }

// NextAction records one failure and decides what happens next.
// retryCount is the number of automatic retries already attempted for the
// current connection.
//
// Decision order: a spent retry budget wins over the breaker (the user
// should see "retry manually", not a cooldown they cannot act on), then
// rapid-failure accumulation opens the circuit, otherwise retry with
// jittered backoff.
func (p *Policy) NextAction(retryCount int) Action {
	now := p.now()
	p.recordFailure(now)

	if retryCount >= p.max {
		return Action{Kind: ActionExhausted}
	}

	if len(p.failures) >= p.threshold {
		// Opening the circuit resets the rolling count so the next failure
		// after cooldown starts a fresh window.
		p.failures = p.failures[:0]
		return Action{Kind: ActionCircuitOpen, Cooldown: p.cooldown}
	}

	return Action{Kind: ActionRetry, Delay: p.delayFor(retryCount)}
}

// Reset clears the failure window. Called on a successful connection and
// on manual override, which also closes an open circuit.
func (p *Policy) Reset() {
	p.failures = p.failures[:0]
}

// delayFor computes the jittered backoff for the given retry index.
func (p *Policy) delayFor(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(p.backoff) {
		idx = len(p.backoff) - 1
	}
	base := p.backoff[idx]

	// Jitter in [1-jitterFraction, 1+jitterFraction).
	factor := 1 - jitterFraction + 2*jitterFraction*p.rand()
	return time.Duration(float64(base) * factor)
}

// recordFailure appends a failure timestamp and prunes entries that fell
// out of the trailing window.
func (p *Policy) recordFailure(now time.Time) {
	cutoff := now.Add(-p.window)
	kept := p.failures[:0]
	for _, ts := range p.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	p.failures = append(kept, now)
}
