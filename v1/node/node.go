package node

import (
	"context"
	"errors"
	"net"
	"time"

	lockerrors "github.com/mirkobrombin/go-redlock/v1/errors"
)

// DefaultTimeout bounds a single node call when no timeout is configured.
const DefaultTimeout = 50 * time.Millisecond

// Status is the outcome of a single node call.
type Status int

const (
	// StatusOK means the node applied the operation.
	StatusOK Status = iota
	// StatusRejected means the node answered but refused the operation
	// (the key exists, or it holds a different value).
	StatusRejected
	// StatusMissing means the key was absent.
	StatusMissing
	// StatusFailed means the node could not be reached or answered with an
	// error. Err carries the cause.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusRejected:
		return "rejected"
	case StatusMissing:
		return "missing"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Result is returned by every Client call instead of an error so that a
// fan-out can aggregate outcomes without aborting on the first failure.
type Result struct {
	Status Status
	Value  string
	Err    error
}

// OK reports whether the node applied the operation.
func (r Result) OK() bool { return r.Status == StatusOK }

// Failed reports whether the call never got a usable answer.
func (r Result) Failed() bool { return r.Status == StatusFailed }

// Client talks to one storage node.
//
// Implementations must be safe for concurrent use and must never block
// longer than their per-call timeout.
type Client interface {
	// Name identifies the node in logs and metrics.
	Name() string
	// SetNX stores value under key with the given expiry only if key is
	// absent.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) Result
	// Get reads the value stored under key.
	Get(ctx context.Context, key string) Result
	// Delete removes key unconditionally.
	Delete(ctx context.Context, key string) Result
	// CompareAndDelete removes key only if it currently holds value. The
	// comparison and the removal happen atomically on the node.
	CompareAndDelete(ctx context.Context, key, value string) Result
}

// HealthReporter is implemented by clients that know when their node is
// being skipped, such as Breaker.
type HealthReporter interface {
	IsHealthy() bool
}

// Healthy reports whether c is expected to reach its node. Clients that do
// not track health are assumed healthy.
func Healthy(c Client) bool {
	if h, ok := c.(HealthReporter); ok {
		return h.IsHealthy()
	}
	return true
}

// Fail builds a failed Result, folding deadline and network timeouts into
// errors.ErrTimeout.
func Fail(err error) Result {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		err = lockerrors.ErrTimeout
	case errors.As(err, &ne) && ne.Timeout():
		err = lockerrors.ErrTimeout
	}
	return Result{Status: StatusFailed, Err: err}
}

// callTimeout returns the per-call budget for an operation on a key with the
// given ttl. The budget is always strictly shorter than ttl.
func callTimeout(timeout, ttl time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if ttl > 0 && timeout >= ttl {
		timeout = ttl / 2
	}
	return timeout
}
