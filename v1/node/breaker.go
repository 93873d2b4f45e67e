package node

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Client with circuit breaker logic. Once a node has
// failed threshold times in a row it is skipped until cooldown has passed,
// so acquisitions stop spending their validity window on a dead node.
type Breaker struct {
	inner     Client
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	cooldown  time.Duration
	lastFail  time.Time
}

// NewBreaker returns a new Breaker around inner.
func NewBreaker(inner Client, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		inner:     inner,
		threshold: threshold,
		cooldown:  cooldown,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *Breaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.cooldown
	}
	return true
}

// allow checks if a call should reach the node. It moves an open circuit
// to half-open once the cooldown elapsed and lets exactly that caller through.
func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.cooldown {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *Breaker) record(res Result) Result {
	// Cancellation comes from the caller short-circuiting a fan-out, not
	// from the node.
	if res.Failed() && errors.Is(res.Err, context.Canceled) {
		cb.mu.Lock()
		if cb.state == stateHalfOpen {
			cb.state = stateOpen
		}
		cb.mu.Unlock()
		return res
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !res.Failed() {
		cb.state = stateClosed
		cb.failures = 0
		return res
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
	return res
}

func (cb *Breaker) reject() Result {
	return Result{Status: StatusFailed, Err: ErrCircuitOpen}
}

// Name implements Client.Name.
func (cb *Breaker) Name() string { return cb.inner.Name() }

// SetNX implements Client.SetNX with circuit breaker logic.
func (cb *Breaker) SetNX(ctx context.Context, key, value string, ttl time.Duration) Result {
	if !cb.allow() {
		return cb.reject()
	}
	return cb.record(cb.inner.SetNX(ctx, key, value, ttl))
}

// Get implements Client.Get with circuit breaker logic.
func (cb *Breaker) Get(ctx context.Context, key string) Result {
	if !cb.allow() {
		return cb.reject()
	}
	return cb.record(cb.inner.Get(ctx, key))
}

// Delete implements Client.Delete with circuit breaker logic.
func (cb *Breaker) Delete(ctx context.Context, key string) Result {
	if !cb.allow() {
		return cb.reject()
	}
	return cb.record(cb.inner.Delete(ctx, key))
}

// CompareAndDelete implements Client.CompareAndDelete with circuit breaker
// logic.
func (cb *Breaker) CompareAndDelete(ctx context.Context, key, value string) Result {
	if !cb.allow() {
		return cb.reject()
	}
	return cb.record(cb.inner.CompareAndDelete(ctx, key, value))
}
