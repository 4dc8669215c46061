package host

import (
	"fmt"
	"sync"
	"time"
)

// Rate limiting of incoming connections, per source address:
//
//  1. Sliding window: at most maxAttempts connections per window.
//  2. Consecutive failures: after failureThreshold failed handshakes the
//     address is blocked, starting at initialBlock and doubling up to
//     maxBlock. A successful handshake resets both.
const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned when a connection is rejected by the limiter.
type ErrRateLimited struct {
	Key        string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("rate limited %s: %s (retry after %s)", e.Key, e.Reason, e.RetryAfter)
}

type sourceRateState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
}

type RateLimiter struct {
	mu          sync.Mutex
	states      map[string]*sourceRateState
	maxAttempts int
	nowFunc     func() time.Time
}

// NewRateLimiter creates a limiter. maxAttempts <= 0 uses the default of 10
// per minute.
func NewRateLimiter(maxAttempts int) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = rateLimitMaxAttempts
	}
	return &RateLimiter{
		states:      make(map[string]*sourceRateState),
		maxAttempts: maxAttempts,
		nowFunc:     time.Now,
	}
}

func (rl *RateLimiter) getOrCreate(key string) *sourceRateState {
	state, ok := rl.states[key]
	if !ok {
		state = &sourceRateState{}
		rl.states[key] = state
	}
	return state
}

// Allow records an attempt from key, or returns *ErrRateLimited.
func (rl *RateLimiter) Allow(key string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(key)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		return &ErrRateLimited{
			Key:        key,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: state.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-rateLimitWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rl.maxAttempts {
		retryAfter := max(state.attempts[0].Add(rateLimitWindow).Sub(now), 0)
		return &ErrRateLimited{
			Key:        key,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rl.maxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

func (rl *RateLimiter) RecordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	state, ok := rl.states[key]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure counts a failed handshake and blocks key once the threshold
// is reached.
func (rl *RateLimiter) RecordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state := rl.getOrCreate(key)
	state.consecutiveFailures++
	if state.consecutiveFailures < rateLimitFailureThreshold {
		return
	}
	if state.blockDuration == 0 {
		state.blockDuration = rateLimitInitialBlock
	} else {
		state.blockDuration = min(state.blockDuration*2, rateLimitMaxBlock)
	}
	state.blockedUntil = rl.nowFunc().Add(state.blockDuration)
}
