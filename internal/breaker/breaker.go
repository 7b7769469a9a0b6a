// Package breaker implements a circuit breaker used to guard calls to a
// cache layer's remote backing store. When the store misbehaves repeatedly
// the breaker opens and the layer skips the store entirely, treating every
// operation as a miss until the backend recovers.
package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrOpen is returned by Allow when the breaker is rejecting calls.
var ErrOpen = errors.New("breaker: open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Failing, reject requests
	StateHalfOpen              // Testing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker tuning. Zero values fall back to defaults.
type Config struct {
	FailureThreshold int           // consecutive failures before opening (default 5)
	SuccessThreshold int           // successes in half-open before closing (default 2)
	HalfOpenRequests int           // probe requests allowed while half-open (default 1)
	Timeout          time.Duration // open duration before probing (default 30s)
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenCount    int
	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration
	lastFailureTime  time.Time

	// Metrics (atomic for lock-free reads)
	totalRequests  atomic.Int64
	totalFailures  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}

	successThreshold := cfg.SuccessThreshold
	if successThreshold <= 0 {
		successThreshold = 2
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	halfOpenRequests := cfg.HalfOpenRequests
	if halfOpenRequests <= 0 {
		halfOpenRequests = 1
	}

	return &Breaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		halfOpenRequests: halfOpenRequests,
		timeout:          timeout,
	}
}

// Allow reports whether a call may proceed. It returns ErrOpen when the
// breaker is rejecting calls.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests.Add(1)

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// Check if timeout has elapsed
		if time.Since(b.lastFailureTime) >= b.timeout {
			b.state = StateHalfOpen
			b.halfOpenCount = 1 // This request counts as the first probe
			b.successCount = 0
			b.failureCount = 0
			return nil
		}
		b.totalRejected.Add(1)
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenCount < b.halfOpenRequests {
			b.halfOpenCount++
			return nil
		}
		b.totalRejected.Add(1)
		return ErrOpen
	}

	return ErrOpen
}

// Record reports the outcome of an allowed call. A nil err counts as a
// success, anything else as a failure.
func (b *Breaker) Record(err error) {
	if err == nil {
		b.recordSuccess()
		return
	}
	b.recordFailure()
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCount = 0
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures.Add(1)

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			b.lastFailureTime = time.Now()
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.lastFailureTime = time.Now()
		b.halfOpenCount = 0
		b.successCount = 0
	}
}

// Snapshot returns a point-in-time view of the breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Snapshot{
		State:            b.state.String(),
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.failureThreshold,
		SuccessThreshold: b.successThreshold,
		TotalRequests:    b.totalRequests.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}

// Snapshot is a point-in-time view of a circuit breaker.
type Snapshot struct {
	State            string `json:"state"`
	FailureCount     int    `json:"failure_count"`
	SuccessCount     int    `json:"success_count"`
	FailureThreshold int    `json:"failure_threshold"`
	SuccessThreshold int    `json:"success_threshold"`
	TotalRequests    int64  `json:"total_requests"`
	TotalFailures    int64  `json:"total_failures"`
	TotalSuccesses   int64  `json:"total_successes"`
	TotalRejected    int64  `json:"total_rejected"`
}
