// Package errors holds transport-level sentinel errors shared by node
// clients and buses.
package errors

import "errors"

var (
	// ErrTimeout is reported when a node call exceeds its per-call deadline.
	ErrTimeout = errors.New("timeout")
	// ErrConnectionClosed is reported when the underlying client was closed.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnreachable is reported by nodes that are known to be down.
	ErrUnreachable = errors.New("node unreachable")
)
