// Package redlock implements a quorum lock over N independent storage nodes.
//
// Acquire writes a fresh random token to every node with a conditional set
// and an expiry, counts the nodes that accepted it, and measures how long
// that took on a monotonic clock. The lock is granted only if a strict
// majority of nodes (N/2 + 1) accepted the token and the time left on the
// lease, ttl minus elapsed time minus a clock drift allowance, is still
// positive. A denied attempt removes whatever partial entries it created
// before returning.
//
// Release removes the entry from every node that still stores the caller's
// token. The comparison and the removal run as one atomic operation on each
// node, so a release issued after the lease expired can never delete the
// entry of the next holder.
//
// A Manager keeps no lock state of its own: it only holds the node set and
// the derived quorum, and is safe for concurrent use without locking.
// Node failures never surface as errors; they only cost the attempt a vote.
// A denied acquisition is reported as granted == false with a nil error.
// Errors are reserved for invalid input and for a clock that runs
// backwards.
//
// Retrying a denied attempt is the caller's job; see package lock for a
// blocking Mutex built on top of Manager.
package redlock
