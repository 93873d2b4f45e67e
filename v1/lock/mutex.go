package lock

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/mirkobrombin/go-redlock/v1/redlock"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// ErrNotAcquired is returned by Lock when every allowed attempt was denied.
var ErrNotAcquired = errors.New("lock: not acquired")

const defaultRetryDelay = 200 * time.Millisecond

// Mutex is a caller of a redlock.Manager that retries until it wins.
type Mutex struct {
	mgr        *redlock.Manager
	bus        syncbus.Bus
	retryDelay time.Duration
	tries      int
}

// MutexOption configures a Mutex.
type MutexOption func(*Mutex)

// WithRetryDelay sets the mean delay between attempts. Each wait is drawn
// from [d/2, 3d/2).
func WithRetryDelay(d time.Duration) MutexOption {
	return func(m *Mutex) {
		if d > 0 {
			m.retryDelay = d
		}
	}
}

// WithTries caps the number of attempts made by Lock. Zero means retry
// until the context is done.
func WithTries(n int) MutexOption {
	return func(m *Mutex) {
		m.tries = n
	}
}

// NewMutex returns a Mutex that acquires through mgr and exchanges
// lock:<resource> and unlock:<resource> events over bus.
func NewMutex(mgr *redlock.Manager, bus syncbus.Bus, opts ...MutexOption) *Mutex {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	m := &Mutex{mgr: mgr, bus: bus, retryDelay: defaultRetryDelay}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryLock makes a single acquisition attempt.
func (m *Mutex) TryLock(ctx context.Context, resource string, ttl time.Duration) (redlock.Lease, bool, error) {
	lease, ok, err := m.mgr.Acquire(ctx, resource, ttl)
	if err != nil || !ok {
		return redlock.Lease{}, false, err
	}
	_ = m.bus.Publish(ctx, "lock:"+resource)
	return lease, true, nil
}

// Lock blocks until the lock is obtained, the attempts run out or the
// context is cancelled.
func (m *Mutex) Lock(ctx context.Context, resource string, ttl time.Duration) (redlock.Lease, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Without a subscription Lock still works, it just polls.
	unlocked, err := m.bus.Subscribe(subCtx, "unlock:"+resource)
	if err != nil {
		unlocked = nil
	}

	for attempt := 1; ; attempt++ {
		lease, ok, err := m.TryLock(ctx, resource, ttl)
		if err != nil {
			return redlock.Lease{}, err
		}
		if ok {
			return lease, nil
		}
		if m.tries > 0 && attempt >= m.tries {
			return redlock.Lease{}, ErrNotAcquired
		}

		timer := time.NewTimer(m.backoff())
		select {
		case _, open := <-unlocked:
			if !open {
				unlocked = nil
			}
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return redlock.Lease{}, ctx.Err()
		}
		timer.Stop()
	}
}

// Unlock releases lease and tells waiters about it. It returns the number
// of nodes cleared.
func (m *Mutex) Unlock(ctx context.Context, lease redlock.Lease) int {
	cleared := m.mgr.Release(ctx, lease.Resource, lease.Token)
	_ = m.bus.Publish(ctx, "unlock:"+lease.Resource)
	return cleared
}

// WithLock runs fn while holding resource. The context passed to fn ends
// when the lease validity runs out.
func (m *Mutex) WithLock(ctx context.Context, resource string, ttl time.Duration, fn func(context.Context) error) error {
	lease, err := m.Lock(ctx, resource, ttl)
	if err != nil {
		return err
	}
	defer m.Unlock(context.WithoutCancel(ctx), lease)

	lctx, cancel := context.WithTimeout(ctx, lease.Validity)
	defer cancel()
	return fn(lctx)
}

func (m *Mutex) backoff() time.Duration {
	return m.retryDelay/2 + rand.N(m.retryDelay)
}
