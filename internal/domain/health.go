package domain

import "time"

// BackendState is the connection state of a store backend.
type BackendState int

const (
	StateDisconnected BackendState = iota
	StateConnecting
	StateConnected
	StateDegraded
	StateCritical
)

func (s BackendState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateCritical:
		return "critical"
	default:
		return "unknown"
	}
}

func (s BackendState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BackendEvent drives BackendState transitions.
type BackendEvent int

const (
	EventReconnect BackendEvent = iota // explicit reconnect attempt starts
	EventConnectOK
	EventConnectFail
	EventProbeOK
	EventProbeFail
)

// Transition returns the next state. consecutiveErrors must already include the
// failure being applied. It has no side effects.
func Transition(s BackendState, ev BackendEvent, consecutiveErrors, criticalThreshold int) BackendState {
	switch ev {
	case EventReconnect:
		return StateConnecting
	case EventConnectOK, EventProbeOK:
		return StateConnected
	case EventConnectFail:
		if consecutiveErrors > criticalThreshold {
			return StateCritical
		}
		return StateDisconnected
	case EventProbeFail:
		if consecutiveErrors > criticalThreshold {
			return StateCritical
		}
		switch s {
		case StateConnected, StateDegraded:
			return StateDegraded
		case StateCritical:
			return StateCritical
		default:
			return StateDisconnected
		}
	}
	return s
}

// OverallStatus classifies the combined health of both backends.
type OverallStatus string

const (
	StatusHealthy  OverallStatus = "healthy"
	StatusDegraded OverallStatus = "degraded"
	StatusCritical OverallStatus = "critical"
)

// ConnectionHealth is the per-backend health tuple.
type ConnectionHealth struct {
	Backend           string       `json:"backend"`
	State             BackendState `json:"state"`
	Connected         bool         `json:"connected"`
	LastCheck         time.Time    `json:"last_check"`
	ResponseTimeMs    int64        `json:"response_time_ms"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	LastError         string       `json:"last_error,omitempty"`
	ReconnectAttempt  int          `json:"reconnect_attempt"`
	NextReconnect     string       `json:"next_reconnect_delay,omitempty"`
	ReconnectPaused   bool         `json:"reconnect_paused"`
}

// StoreHealth is the gateway health report.
type StoreHealth struct {
	Durable ConnectionHealth `json:"postgres"`
	Cache   ConnectionHealth `json:"redis"`
	Overall OverallStatus    `json:"overall"`
}

// DeriveOverall returns healthy when both backends are connected, degraded when
// exactly one is, critical otherwise.
func DeriveOverall(durable, cache ConnectionHealth) OverallStatus {
	switch {
	case durable.Connected && cache.Connected:
		return StatusHealthy
	case durable.Connected || cache.Connected:
		return StatusDegraded
	default:
		return StatusCritical
	}
}

// ReconnectState tracks exponential backoff between reconnection attempts.
type ReconnectState struct {
	Attempt     int
	NextDelay   time.Duration
	MaxAttempts int

	base     time.Duration
	maxDelay time.Duration
}

// NewReconnectState creates a backoff schedule of base * 2^attempt capped at maxDelay.
func NewReconnectState(base, maxDelay time.Duration, maxAttempts int) ReconnectState {
	return ReconnectState{
		NextDelay:   base,
		MaxAttempts: maxAttempts,
		base:        base,
		maxDelay:    maxDelay,
	}
}

// Next consumes one attempt and returns its delay. ok is false once
// MaxAttempts have been used; the counter is left at MaxAttempts.
func (r *ReconnectState) Next() (delay time.Duration, ok bool) {
	if r.Paused() {
		return 0, false
	}
	delay = r.delayFor(r.Attempt)
	r.Attempt++
	r.NextDelay = r.delayFor(r.Attempt)
	return delay, true
}

// Paused reports whether the attempt budget is exhausted.
func (r *ReconnectState) Paused() bool {
	return r.MaxAttempts > 0 && r.Attempt >= r.MaxAttempts
}

// Reset returns the schedule to the base delay.
func (r *ReconnectState) Reset() {
	r.Attempt = 0
	r.NextDelay = r.base
}

func (r *ReconnectState) delayFor(attempt int) time.Duration {
	delay := r.base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= r.maxDelay || delay <= 0 {
			return r.maxDelay
		}
	}
	if delay > r.maxDelay {
		return r.maxDelay
	}
	return delay
}
