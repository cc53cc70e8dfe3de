package llm

import (
	"errors"
	"sync"
	"time"

	"github.com/agentrt/aca/pkg/config"
)

// CBState is the circuit breaker's three-state machine.
type CBState int

const (
	CBClosed CBState = iota
	CBOpen
	CBHalfOpen
)

func (s CBState) String() string {
	switch s {
	case CBClosed:
		return "closed"
	case CBOpen:
		return "open"
	case CBHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after a failure, refuses calls until the timeout
// elapses, then allows a handful of half-open test requests before closing
// again. Opens immediately on any failure while closed rather than
// tracking a rolling failure rate.
type CircuitBreaker struct {
	cfg config.ErrorRecoveryConfig

	mu           sync.Mutex
	state        CBState
	openedAt     time.Time
	testRequests int

	now func() time.Time
}

func NewCircuitBreaker(cfg config.ErrorRecoveryConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg,
		state: CBClosed,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CanProceed reports whether a call is currently allowed, transitioning
// Open->HalfOpen once the timeout has elapsed.
func (cb *CircuitBreaker) CanProceed() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CBClosed:
		return true
	case CBOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cfg.CircuitBreakerTimeout {
			cb.state = CBHalfOpen
			cb.testRequests = 0
			return true
		}
		return false
	case CBHalfOpen:
		return cb.testRequests < 3
	default:
		return false
	}
}

// RecordSuccess closes the circuit once enough half-open test requests have
// passed; a single success while closed is a no-op.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CBHalfOpen {
		cb.testRequests++
		if cb.testRequests >= 3 {
			cb.state = CBClosed
			cb.testRequests = 0
		}
	}
}

// RecordFailure opens (or re-opens) the circuit, refreshing the timestamp
// the timeout is measured from.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBOpen
	cb.openedAt = cb.now()
	cb.testRequests = 0
}

func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBOpen
	cb.openedAt = cb.now()
}

func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CBClosed
	cb.testRequests = 0
}

func (cb *CircuitBreaker) State() CBState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ErrorStats accumulates error counters for observability, independent of
// the circuit breaker's own state machine.
type ErrorStats struct {
	ConsecutiveFailures  uint32
	ConsecutiveSuccesses uint32
	TotalErrors          uint64
	LastErrorTime        *time.Time
	ErrorTypes           map[ErrorKind]uint32
}

// RecoveryManager wraps an operation with circuit-breaker gating, retry
// classification and per-kind recovery delay, independent of the caller's
// own retry loop (the dispatcher uses this around each CLI invocation).
type RecoveryManager struct {
	cfg config.ErrorRecoveryConfig
	cb  *CircuitBreaker

	mu    sync.Mutex
	stats ErrorStats

	now   func() time.Time
	sleep func(time.Duration)
}

func NewRecoveryManager(cfg config.ErrorRecoveryConfig) *RecoveryManager {
	return &RecoveryManager{
		cfg:   cfg,
		cb:    NewCircuitBreaker(cfg),
		stats: ErrorStats{ErrorTypes: map[ErrorKind]uint32{}},
		now:   func() time.Time { return time.Now().UTC() },
		sleep: time.Sleep,
	}
}

func (m *RecoveryManager) CircuitBreaker() *CircuitBreaker { return m.cb }

// Execute runs op, retrying according to shouldRetry/recoveryDelay up to
// MaxRetries, gated by the circuit breaker on every attempt.
func (m *RecoveryManager) Execute(op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxRetries; attempt++ {
		if !m.cb.CanProceed() {
			return CircuitOpenError()
		}

		err := op()
		if err == nil {
			m.recordSuccess()
			m.cb.RecordSuccess()
			return nil
		}

		lastErr = err
		m.recordFailure(err)
		m.cb.RecordFailure()

		if !m.shouldRetry(err, attempt) {
			break
		}
		if delay, ok := m.recoveryDelay(err, attempt); ok {
			m.sleep(delay)
		}
	}

	if lastErr == nil {
		return OtherError(errors.New("no attempts made"))
	}
	return lastErr
}

func (m *RecoveryManager) shouldRetry(err error, attempt int) bool {
	if attempt >= m.cfg.MaxRetries {
		return false
	}
	e, ok := AsError(err)
	if !ok {
		return attempt < 2
	}
	switch e.Kind {
	case ErrKindRateLimit, ErrKindTimeout, ErrKindCliUnavailable, ErrKindNetwork:
		return true
	case ErrKindCliFailed:
		return true
	default:
		return false
	}
}

func (m *RecoveryManager) recoveryDelay(err error, attempt int) (time.Duration, bool) {
	e, ok := AsError(err)
	if !ok {
		return 0, false
	}
	switch e.Kind {
	case ErrKindRateLimit:
		if e.ResetTime != nil {
			if d := e.ResetTime.Sub(m.now()); d > 0 {
				if d > 300*time.Second {
					d = 300 * time.Second
				}
				return d, true
			}
		}
		return 60 * time.Second, true
	case ErrKindCliUnavailable, ErrKindNetwork:
		n := attempt
		if n > 5 {
			n = 5
		}
		return time.Duration(1<<uint(n)) * time.Second, true
	case ErrKindTimeout:
		return time.Duration(attempt) * 5 * time.Second, true
	default:
		return 0, false
	}
}

func (m *RecoveryManager) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ConsecutiveSuccesses++
	m.stats.ConsecutiveFailures = 0
}

func (m *RecoveryManager) recordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ConsecutiveFailures++
	m.stats.ConsecutiveSuccesses = 0
	m.stats.TotalErrors++
	now := m.now()
	m.stats.LastErrorTime = &now

	kind := ErrKindOther
	if e, ok := AsError(err); ok {
		kind = e.Kind
	}
	m.stats.ErrorTypes[kind]++
}

func (m *RecoveryManager) Stats() ErrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := ErrorStats{
		ConsecutiveFailures:  m.stats.ConsecutiveFailures,
		ConsecutiveSuccesses: m.stats.ConsecutiveSuccesses,
		TotalErrors:          m.stats.TotalErrors,
		LastErrorTime:        m.stats.LastErrorTime,
		ErrorTypes:           make(map[ErrorKind]uint32, len(m.stats.ErrorTypes)),
	}
	for k, v := range m.stats.ErrorTypes {
		cp.ErrorTypes[k] = v
	}
	return cp
}
