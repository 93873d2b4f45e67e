// Package node provides clients for the independent storage nodes a quorum
// lock is spread over. Each client exposes conditional set, get, delete and
// an atomic compare-and-delete, and reports every outcome as a Result so a
// failing node only withholds its vote. Redis and in-memory implementations
// are included, plus a circuit breaker that fails fast on nodes known to be
// down.
package node
