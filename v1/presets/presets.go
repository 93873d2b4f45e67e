package presets

import (
	"errors"
	"fmt"
	"time"

	"github.com/mirkobrombin/go-redlock/v1/node"
	"github.com/mirkobrombin/go-redlock/v1/redlock"
)

// RedisOptions configures the connections to the Redis nodes.
type RedisOptions struct {
	// Addrs lists one address per independent node.
	Addrs    []string
	Password string
	DB       int
	// Timeout bounds every node call. Zero uses node.DefaultTimeout.
	Timeout time.Duration
	// BreakerThreshold enables a circuit breaker per node that opens after
	// this many consecutive failures. Zero disables it.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Cluster bundles a manager with the node handles behind it.
type Cluster struct {
	*redlock.Manager
	closers []func() error
}

// Close releases the node connections.
func (c *Cluster) Close() error {
	var errs []error
	for _, fn := range c.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// NewRedis creates a Manager over independent Redis nodes.
func NewRedis(opts RedisOptions, mopts ...redlock.Option) (*Cluster, error) {
	if len(opts.Addrs) == 0 {
		return nil, redlock.ErrNoNodes
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = node.DefaultTimeout
	}
	cooldown := opts.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Second
	}

	c := &Cluster{}
	nodes := make([]node.Client, 0, len(opts.Addrs))
	for _, addr := range opts.Addrs {
		rn := node.NewRedis(addr, node.WithTimeout(timeout), node.WithAuth(opts.Password, opts.DB))
		c.closers = append(c.closers, rn.Close)
		var n node.Client = rn
		if opts.BreakerThreshold > 0 {
			n = node.NewBreaker(rn, opts.BreakerThreshold, cooldown)
		}
		nodes = append(nodes, n)
	}
	mgr, err := redlock.New(nodes, mopts...)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Manager = mgr
	return c, nil
}

// InMemoryOptions configures an in-process cluster.
type InMemoryOptions struct {
	// Nodes is the number of independent nodes.
	Nodes int
	// Timeout bounds every node call. Zero uses node.DefaultTimeout.
	Timeout time.Duration
}

// NewInMemory creates a Manager over in-process nodes. It needs no
// external services and is meant for local development and simulations.
func NewInMemory(opts InMemoryOptions, mopts ...redlock.Option) (*redlock.Manager, []*node.Memory, error) {
	if opts.Nodes <= 0 {
		return nil, nil, redlock.ErrNoNodes
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = node.DefaultTimeout
	}
	mems := make([]*node.Memory, opts.Nodes)
	nodes := make([]node.Client, opts.Nodes)
	for i := range mems {
		mems[i] = node.NewMemory(fmt.Sprintf("memory-%d", i+1), node.WithMemoryTimeout(timeout))
		nodes[i] = mems[i]
	}
	mgr, err := redlock.New(nodes, mopts...)
	if err != nil {
		return nil, nil, err
	}
	return mgr, mems, nil
}
