package llm

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/agentrt/aca/pkg/config"
)

// Permit is the opaque bookkeeping token returned by RateLimiter.Acquire.
type Permit struct {
	ID             string
	GrantedAt      time.Time
	TokensConsumed uint64
}

// RateLimiterStatus is a read-only snapshot for observability endpoints.
type RateLimiterStatus struct {
	AvailableTokens   uint64
	AvailableRequests uint32
	FailureCount      int
	LastFailure       *time.Time
}

// RateLimiter enforces a token bucket + request bucket per provider. Both
// buckets refill to full every 60 seconds; acquisition also applies an
// adaptive backoff sleep when recent calls have failed.
type RateLimiter struct {
	cfg config.RateLimitConfig

	mu                sync.Mutex
	tokens            uint64
	tokensLastRefill  time.Time
	requests          uint32
	requestsLastRefill time.Time
	failureCount      int
	lastFailure       *time.Time

	// sleep is overridable in tests to avoid real time.Sleep delays.
	sleep func(time.Duration)
	now   func() time.Time
}

// New constructs a RateLimiter with full buckets.
func New(cfg config.RateLimitConfig) *RateLimiter {
	now := time.Now().UTC()
	return &RateLimiter{
		cfg:                cfg,
		tokens:             cfg.MaxTokensPerMinute,
		tokensLastRefill:   now,
		requests:           0,
		requestsLastRefill: now,
		sleep:              time.Sleep,
		now:                func() time.Time { return time.Now().UTC() },
	}
}

// Acquire attempts to reserve estimatedTokens against the token bucket and
// one slot against the request bucket, sleeping for any adaptive backoff
// first. It never returns tokens on failure.
func (r *RateLimiter) Acquire(estimatedTokens uint64) (Permit, error) {
	r.mu.Lock()
	r.refillLocked()
	delay, shouldSleep := r.backoffDelayLocked()
	r.mu.Unlock()

	if shouldSleep {
		r.sleep(delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.requests >= r.cfg.MaxRequestsPerMinute {
		reset := r.requestsLastRefill.Add(60 * time.Second)
		return Permit{}, RateLimitError(reset, "request rate limit exceeded")
	}
	if r.tokens < estimatedTokens+0 && r.tokens+r.cfg.BurstAllowance < estimatedTokens {
		reset := r.tokensLastRefill.Add(60 * time.Second)
		return Permit{}, RateLimitError(reset, "token rate limit exceeded")
	}

	if estimatedTokens > r.tokens {
		r.tokens = 0
	} else {
		r.tokens -= estimatedTokens
	}
	r.requests++

	return Permit{
		ID:             uuid.NewString(),
		GrantedAt:      r.now(),
		TokensConsumed: estimatedTokens,
	}, nil
}

// RecordSuccess clears the failure counters driving adaptive backoff.
func (r *RateLimiter) RecordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount = 0
	r.lastFailure = nil
}

// RecordFailure increments the failure counter and timestamps it.
func (r *RateLimiter) RecordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failureCount++
	now := r.now()
	r.lastFailure = &now
}

// Status returns a read-only snapshot for observability.
func (r *RateLimiter) Status() RateLimiterStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateLimiterStatus{
		AvailableTokens:   r.tokens,
		AvailableRequests: r.cfg.MaxRequestsPerMinute - r.requests,
		FailureCount:      r.failureCount,
		LastFailure:       r.lastFailure,
	}
}

func (r *RateLimiter) refillLocked() {
	now := r.now()
	if now.Sub(r.tokensLastRefill) >= 60*time.Second {
		r.tokens = r.cfg.MaxTokensPerMinute
		r.tokensLastRefill = now
	}
	if now.Sub(r.requestsLastRefill) >= 60*time.Second {
		r.requests = 0
		r.requestsLastRefill = now
	}
}

// backoffDelayLocked computes the adaptive backoff 
// using backoff/v4's exponential curve for the base growth plus a
// symmetric ±10% jitter. Caller must
// hold r.mu; it is released before the actual sleep happens in Acquire.
func (r *RateLimiter) backoffDelayLocked() (time.Duration, bool) {
	if r.failureCount == 0 {
		return 0, false
	}
	if r.lastFailure != nil && r.now().Sub(*r.lastFailure) > 5*time.Minute {
		return 0, false
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = r.cfg.BackoffMultiplier
	b.RandomizationFactor = 0
	b.MaxInterval = r.cfg.MaxBackoffDelay

	n := r.failureCount
	if n > 5 {
		n = 5
	}
	var delay time.Duration
	for i := 0; i < n; i++ {
		delay = b.NextBackOff()
	}
	if delay <= 0 {
		delay = r.cfg.MaxBackoffDelay
	}

	jitter := (rand.Float64() - 0.5) * 0.2
	jittered := time.Duration(float64(delay) * (1 + jitter))
	if jittered > r.cfg.MaxBackoffDelay {
		jittered = r.cfg.MaxBackoffDelay
	}
	if jittered < 0 {
		jittered = 0
	}
	return jittered, true
}
