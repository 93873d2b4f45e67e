package redlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-redlock/v1/clock"
	"github.com/mirkobrombin/go-redlock/v1/metrics"
	"github.com/mirkobrombin/go-redlock/v1/node"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-redlock/v1/redlock")

var (
	ErrNoNodes         = errors.New("redlock: no nodes configured")
	ErrInvalidTTL      = errors.New("redlock: ttl must be positive")
	ErrInvalidResource = errors.New("redlock: invalid resource")
	ErrInvalidToken    = errors.New("redlock: invalid token")
)

const (
	driftFloor     = 2 * time.Millisecond
	maxResourceLen = 512
)

// Lease describes a granted lock.
type Lease struct {
	Resource string
	Token    Token
	// Validity is how long the lock can be trusted as exclusive, measured
	// from the moment Acquire returned.
	Validity time.Duration
	// Votes is the number of nodes that accepted the token.
	Votes int
}

// Manager runs the quorum lock algorithm over a fixed set of nodes.
type Manager struct {
	nodes       []node.Client
	quorum      int
	clock       *clock.Guarded
	driftFactor float64
	tokens      TokenGenerator
	sequential  bool
	logger      *slog.Logger
}

// New returns a Manager over nodes. The node set is copied and never
// changes; the quorum is a strict majority of it.
func New(nodes []node.Client, opts ...Option) (*Manager, error) {
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}
	for i, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("redlock: node %d is nil", i)
		}
	}
	m := &Manager{
		nodes:       append([]node.Client(nil), nodes...),
		quorum:      len(nodes)/2 + 1,
		clock:       clock.Guard(clock.System()),
		driftFactor: DefaultDriftFactor,
		tokens:      UUIDTokens,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Quorum returns the number of nodes that must accept a token.
func (m *Manager) Quorum() int { return m.quorum }

// Size returns the number of nodes.
func (m *Manager) Size() int { return len(m.nodes) }

// Unhealthy returns the names of the nodes currently being skipped, for
// example because their circuit breaker is open.
func (m *Manager) Unhealthy() []string {
	var names []string
	for _, n := range m.nodes {
		if !node.Healthy(n) {
			names = append(names, n.Name())
		}
	}
	return names
}

// Acquire tries once to lock resource for ttl.
//
// It returns granted == false with a nil error when the quorum was not
// reached or the validity window ran out; any entries written during the
// attempt are removed before it returns. A non-nil error means the request
// was invalid or the clock went backwards; in both cases nothing is held.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (Lease, bool, error) {
	ctx, span := tracer.Start(ctx, "Manager.Acquire", trace.WithAttributes(
		attribute.String("redlock.resource", resource),
		attribute.Int64("redlock.ttl_ms", ttl.Milliseconds()),
	))
	defer span.End()

	if err := validate(resource, ttl); err != nil {
		metrics.AcquireCounter.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return Lease{}, false, err
	}
	token, err := m.tokens()
	if err == nil && token == "" {
		err = ErrInvalidToken
	}
	if err != nil {
		metrics.AcquireCounter.WithLabelValues("invalid").Inc()
		span.SetStatus(codes.Error, err.Error())
		return Lease{}, false, fmt.Errorf("redlock: generate token: %w", err)
	}

	start := m.clock.Now()
	votes := m.vote(ctx, resource, token, ttl)
	elapsed, err := m.clock.Since(start)
	if err != nil {
		metrics.AcquireCounter.WithLabelValues("clock_error").Inc()
		m.logger.Error("redlock: clock went backwards, refusing grant", "resource", resource, "error", err)
		span.SetStatus(codes.Error, err.Error())
		m.rollback(ctx, resource, token)
		return Lease{}, false, err
	}
	metrics.AcquireLatency.Observe(elapsed.Seconds())

	validity := ttl - elapsed - m.drift(ttl)
	span.SetAttributes(
		attribute.Int("redlock.votes", votes),
		attribute.Int("redlock.quorum", m.quorum),
		attribute.Int64("redlock.validity_ms", validity.Milliseconds()),
	)
	if votes >= m.quorum && validity > 0 {
		metrics.AcquireCounter.WithLabelValues("granted").Inc()
		metrics.ValidityGauge.Set(validity.Seconds())
		span.SetAttributes(attribute.Bool("redlock.granted", true))
		return Lease{Resource: resource, Token: token, Validity: validity, Votes: votes}, true, nil
	}

	metrics.AcquireCounter.WithLabelValues("denied").Inc()
	span.SetAttributes(attribute.Bool("redlock.granted", false))
	m.logger.Info("redlock: acquisition denied",
		"resource", resource,
		"votes", votes,
		"quorum", m.quorum,
		"validity", validity,
		"unhealthy", m.Unhealthy(),
	)
	m.rollback(ctx, resource, token)
	return Lease{}, false, nil
}

// Release removes resource from every node that still stores token and
// returns how many nodes were cleared. Unreachable nodes are skipped.
// Calling it again with the same token clears nothing.
func (m *Manager) Release(ctx context.Context, resource string, token Token) int {
	ctx, span := tracer.Start(ctx, "Manager.Release", trace.WithAttributes(
		attribute.String("redlock.resource", resource),
	))
	defer span.End()

	metrics.ReleaseCounter.Inc()
	if token == "" || validateResource(resource) != nil {
		return 0
	}
	cleared := m.fanOut(ctx, "compare_and_delete", -1, func(ctx context.Context, n node.Client) node.Result {
		return n.CompareAndDelete(ctx, resource, string(token))
	})
	metrics.ReleasedNodesCounter.Add(float64(cleared))
	span.SetAttributes(attribute.Int("redlock.cleared", cleared))
	return cleared
}

// Holders returns how many nodes currently store token for resource. It is
// meant for diagnostics; the answer may be stale by the time it returns.
func (m *Manager) Holders(ctx context.Context, resource string, token Token) int {
	if token == "" || validateResource(resource) != nil {
		return 0
	}
	return m.fanOut(ctx, "get", -1, func(ctx context.Context, n node.Client) node.Result {
		res := n.Get(ctx, resource)
		if res.OK() && res.Value != string(token) {
			res.Status = node.StatusRejected
		}
		return res
	})
}

func (m *Manager) vote(ctx context.Context, resource string, token Token, ttl time.Duration) int {
	// Votes collected after ttl has passed are worthless.
	ctx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return m.fanOut(ctx, "setnx", len(m.nodes)-m.quorum, func(ctx context.Context, n node.Client) node.Result {
		return n.SetNX(ctx, resource, string(token), ttl)
	})
}

// rollback runs a release that outlives the caller's cancellation, so a
// cancelled Acquire still cleans up after itself.
func (m *Manager) rollback(ctx context.Context, resource string, token Token) {
	cleared := m.Release(context.WithoutCancel(ctx), resource, token)
	if cleared > 0 {
		m.logger.Info("redlock: rolled back partial acquisition", "resource", resource, "cleared", cleared)
	}
}

// fanOut calls op on every node and returns the number of StatusOK
// results. Once more than maxMisses nodes did not answer OK the remaining
// calls are cancelled; a negative maxMisses never cancels.
func (m *Manager) fanOut(ctx context.Context, op string, maxMisses int, call func(context.Context, node.Client) node.Result) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var ok, misses atomic.Int32
	handle := func(n node.Client, res node.Result) {
		if res.OK() {
			ok.Add(1)
			return
		}
		if res.Failed() && !errors.Is(res.Err, context.Canceled) {
			metrics.NodeFailureCounter.WithLabelValues(n.Name(), op).Inc()
			m.logger.Debug("redlock: node call failed", "node", n.Name(), "op", op, "error", res.Err)
		}
		if maxMisses >= 0 && int(misses.Add(1)) > maxMisses {
			cancel()
		}
	}

	if m.sequential {
		for _, n := range m.nodes {
			if ctx.Err() != nil {
				break
			}
			handle(n, call(ctx, n))
		}
		return int(ok.Load())
	}

	var g errgroup.Group
	for _, n := range m.nodes {
		g.Go(func() error {
			handle(n, call(ctx, n))
			return nil
		})
	}
	_ = g.Wait()
	return int(ok.Load())
}

func (m *Manager) drift(ttl time.Duration) time.Duration {
	if m.driftFactor == 0 {
		return 0
	}
	return time.Duration(float64(ttl)*m.driftFactor) + driftFloor
}

func validate(resource string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidTTL, ttl)
	}
	return validateResource(resource)
}

func validateResource(resource string) error {
	if resource == "" {
		return fmt.Errorf("%w: empty", ErrInvalidResource)
	}
	if len(resource) > maxResourceLen {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidResource, maxResourceLen)
	}
	if !utf8.ValidString(resource) {
		return fmt.Errorf("%w: not valid UTF-8", ErrInvalidResource)
	}
	for _, r := range resource {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: contains control characters", ErrInvalidResource)
		}
	}
	return nil
}
