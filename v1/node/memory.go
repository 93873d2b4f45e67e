package node

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

type entry struct {
	value string
	timer *time.Timer
}

// Memory implements Client using local memory. Entries expire on their own
// through timers, like keys with a PX expiry on a real node. It can be
// switched down or slowed down to simulate partitions.
type Memory struct {
	name    string
	timeout time.Duration
	mu      sync.Mutex
	entries map[string]*entry
	down    atomic.Bool
	latency atomic.Int64
}

// MemoryOption configures a Memory node.
type MemoryOption func(*Memory)

// WithMemoryTimeout sets the per-call timeout. Like on Redis nodes it is
// clamped below the lock ttl on every SetNX.
func WithMemoryTimeout(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.timeout = d
	}
}

// NewMemory returns an empty in-memory node.
func NewMemory(name string, opts ...MemoryOption) *Memory {
	m := &Memory{name: name, timeout: DefaultTimeout, entries: make(map[string]*entry)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name implements Client.Name.
func (m *Memory) Name() string { return m.name }

// SetDown makes every subsequent call fail as if the node were unreachable.
func (m *Memory) SetDown(down bool) { m.down.Store(down) }

// SetLatency delays every subsequent call by d.
func (m *Memory) SetLatency(d time.Duration) { m.latency.Store(int64(d)) }

// Len returns the number of live entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Memory) gate(ctx context.Context) *Result {
	if err := ctx.Err(); err != nil {
		res := Fail(err)
		return &res
	}
	if m.down.Load() {
		return &Result{Status: StatusFailed, Err: lockerrors.ErrUnreachable}
	}
	if d := time.Duration(m.latency.Load()); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			res := Fail(ctx.Err())
			return &res
		}
	}
	return nil
}

// SetNX implements Client.SetNX.
func (m *Memory) SetNX(ctx context.Context, key, value string, ttl time.Duration) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(m.timeout, ttl))
	defer cancel()
	if res := m.gate(cctx); res != nil {
		return *res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return Result{Status: StatusRejected}
	}
	e := &entry{value: value}
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() { m.expire(key, e) })
	}
	m.entries[key] = e
	return Result{Status: StatusOK, Value: value}
}

func (m *Memory) expire(key string, e *entry) {
	m.mu.Lock()
	if m.entries[key] == e {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}

// Get implements Client.Get.
func (m *Memory) Get(ctx context.Context, key string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(m.timeout, 0))
	defer cancel()
	if res := m.gate(cctx); res != nil {
		return *res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Result{Status: StatusMissing}
	}
	return Result{Status: StatusOK, Value: e.value}
}

// Delete implements Client.Delete.
func (m *Memory) Delete(ctx context.Context, key string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(m.timeout, 0))
	defer cancel()
	if res := m.gate(cctx); res != nil {
		return *res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Result{Status: StatusMissing}
	}
	m.remove(key, e)
	return Result{Status: StatusOK}
}

// CompareAndDelete implements Client.CompareAndDelete.
func (m *Memory) CompareAndDelete(ctx context.Context, key, value string) Result {
	cctx, cancel := context.WithTimeout(ctx, callTimeout(m.timeout, 0))
	defer cancel()
	if res := m.gate(cctx); res != nil {
		return *res
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Result{Status: StatusMissing}
	}
	if e.value != value {
		return Result{Status: StatusRejected}
	}
	m.remove(key, e)
	return Result{Status: StatusOK, Value: value}
}

// remove must be called with m.mu held.
func (m *Memory) remove(key string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(m.entries, key)
}
