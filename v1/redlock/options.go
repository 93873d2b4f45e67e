package redlock

import (
	"log/slog"

	"github.com/mirkobrombin/go-redlock/v1/clock"
)

// DefaultDriftFactor is the share of the ttl reserved for clock drift
// between nodes.
const DefaultDriftFactor = 0.01

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source used to measure acquisitions. It is always
// wrapped in a clock.Guard.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = clock.Guard(c)
	}
}

// WithDriftFactor sets the share of the ttl subtracted from the validity
// window. The allowance is ttl*f plus 2ms; zero disables it entirely.
func WithDriftFactor(f float64) Option {
	return func(m *Manager) {
		if f < 0 {
			f = 0
		}
		m.driftFactor = f
	}
}

// WithTokenGenerator replaces the default UUID token generator.
func WithTokenGenerator(g TokenGenerator) Option {
	return func(m *Manager) {
		m.tokens = g
	}
}

// WithSequentialFanout contacts nodes one after the other instead of in
// parallel.
func WithSequentialFanout() Option {
	return func(m *Manager) {
		m.sequential = true
	}
}

// WithLogger sets the logger. Node failures are logged at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
