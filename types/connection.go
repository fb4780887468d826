package types

import "time"

// ConnectionState is the state of the one live stream connection.
type ConnectionState string

// Connection state constants.
const (
	ConnClosed      ConnectionState = "closed"
	ConnConnecting  ConnectionState = "connecting"
	ConnConnected   ConnectionState = "connected"
	ConnRetrying    ConnectionState = "retrying"
	ConnCircuitOpen ConnectionState = "circuit_open"
)

// ConnectionStatus is derived state recomputed on every transition by the
// connection manager, which is its single writer. It must never diverge
// from the manager's internal counters.
type ConnectionStatus struct {
	State      ConnectionState `json:"state"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`

	// NextRetryIn is the delay before the next automatic attempt.
	// Zero unless State is ConnRetrying or ConnCircuitOpen.
	NextRetryIn time.Duration `json:"next_retry_in,omitempty"`

	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
}
