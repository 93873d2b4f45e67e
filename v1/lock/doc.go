// Package lock provides a blocking Mutex on top of a redlock.Manager.
// Manager.Acquire tries exactly once; Mutex retries with jittered backoff
// and wakes early when an unlock event for the resource arrives on a
// syncbus Bus, so waiters in other processes do not sleep out a full delay.
package lock
