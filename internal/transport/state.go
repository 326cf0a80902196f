package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	// ErrNotOpen is returned by Send when no live connection is open.
	ErrNotOpen = errors.New("live connection not open")
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("transport already started")
)

// Phase is the connection lifecycle position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnectPending
	// PhaseClosed is terminal.
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnectPending:
		return "reconnect-pending"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText renders the phase name in JSON.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ConnectionState is the manager's view of the live connection.
type ConnectionState struct {
	Phase Phase `json:"phase"`
	// RetryCount is reset on every successful open and incremented on every
	// unexpected close or failed attempt.
	RetryCount int `json:"retry_count"`
	// Attempts counts every dial over the manager's lifetime.
	Attempts int `json:"attempts"`
}

// TransportError wraps a connection failure. It is logged, never returned to the host.
type TransportError struct {
	Op      string
	Attempt int
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (attempt %d): %v", e.Op, e.Attempt, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ReconnectPolicy controls the delay between a lost connection and the next attempt.
// A multiplier of 1 gives a fixed delay; MaxDelay is the ceiling for larger multipliers.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter is the randomization factor in [0,1).
	Jitter float64
}

// DefaultReconnectPolicy retries every 3 seconds.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: 3 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   1.0,
	}
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < p.InitialDelay {
		b.MaxInterval = p.InitialDelay
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

func nextDelay(b *backoff.ExponentialBackOff) time.Duration {
	d := b.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return b.MaxInterval
	}
	return d
}
