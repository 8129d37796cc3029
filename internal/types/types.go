package types

import "time"

// ConnectionState is the outcome of the most recent ping cycle
type ConnectionState int

const (
	StateNone ConnectionState = iota
	StateConnected
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "none"
	}
}

// LoopState is a heartbeat loop's position in its state machine
type LoopState int

const (
	LoopUnauthenticated LoopState = iota
	LoopAuthenticating
	LoopConnected
	LoopDisconnected
	LoopTerminated
)

func (s LoopState) String() string {
	switch s {
	case LoopUnauthenticated:
		return "unauthenticated"
	case LoopAuthenticating:
		return "authenticating"
	case LoopConnected:
		return "active(connected)"
	case LoopDisconnected:
		return "active(disconnected)"
	case LoopTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventKind identifies what a LoopEvent reports
type EventKind int

const (
	EventTransition EventKind = iota
	EventAuth
	EventPing
)

// LoopEvent is emitted by a heartbeat loop for every transition and network outcome
type LoopEvent struct {
	Kind            EventKind
	Proxy           string
	State           LoopState
	Success         bool
	Retries         int
	PingCount       int64
	SuccessfulPings int64
	Duration        time.Duration
	At              time.Time
	Err             error
}

// LoopStatus is a point-in-time copy of one loop's progress
type LoopStatus struct {
	Proxy          string    `json:"proxy"`
	State          string    `json:"state"`
	Retries        int       `json:"retries"`
	PingCount      int64     `json:"ping_count"`
	SuccessfulPing int64     `json:"successful_pings"`
	LastPingStatus string    `json:"last_ping_status"`
	LastPingTime   time.Time `json:"last_ping_time,omitempty"`
}

// WorkerStatus is a point-in-time copy of one credential worker
type WorkerStatus struct {
	Credential  string       `json:"credential"`
	ActiveLoops int          `json:"active_loops"`
	Evictions   int64        `json:"evictions"`
	Loops       []LoopStatus `json:"loops"`
	Updated     time.Time    `json:"updated"`
}

// PoolStats holds proxy pool statistics
type PoolStats struct {
	Members       int       `json:"members"`
	Available     int       `json:"available"`
	Assigned      int       `json:"assigned"`
	Evicted       int64     `json:"evicted_total"`
	LastRefill    time.Time `json:"last_refill"`
	LastRefillAdd int       `json:"last_refill_added"`
}
