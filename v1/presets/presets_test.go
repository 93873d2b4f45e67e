package presets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/mirkobrombin/go-redlock/v1/redlock"
)

func TestNewInMemory(t *testing.T) {
	mgr, mems, err := NewInMemory(InMemoryOptions{Nodes: 5})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(mems) != 5 || mgr.Quorum() != 3 {
		t.Fatalf("unexpected cluster: %d nodes quorum %d", len(mems), mgr.Quorum())
	}
	ctx := context.Background()
	lease, ok, err := mgr.Acquire(ctx, "foo", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	for _, m := range mems {
		if m.Len() != 1 {
			t.Fatalf("node %s holds %d entries", m.Name(), m.Len())
		}
	}
	mgr.Release(ctx, "foo", lease.Token)

	if _, _, err := NewInMemory(InMemoryOptions{}); !errors.Is(err, redlock.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	addrs := make([]string, 3)
	for i := range addrs {
		addrs[i] = miniredis.RunT(t).Addr()
	}
	c, err := NewRedis(RedisOptions{Addrs: addrs, Timeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	lease, ok, err := c.Acquire(ctx, "foo", time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	if n := c.Release(ctx, "foo", lease.Token); n != 3 {
		t.Fatalf("expected 3 nodes released, got %d", n)
	}
}

func TestNewRedisWithBreakerSkipsDeadNode(t *testing.T) {
	servers := make([]*miniredis.Miniredis, 3)
	addrs := make([]string, 3)
	for i := range servers {
		servers[i] = miniredis.RunT(t)
		addrs[i] = servers[i].Addr()
	}
	c, err := NewRedis(RedisOptions{
		Addrs:            addrs,
		Timeout:          200 * time.Millisecond,
		BreakerThreshold: 1,
		BreakerCooldown:  time.Minute,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()
	servers[0].Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		lease, ok, err := c.Acquire(ctx, "foo", time.Second)
		if err != nil || !ok {
			t.Fatalf("attempt %d: %v ok %v", i, err, ok)
		}
		if lease.Votes != 2 {
			t.Fatalf("expected 2 votes, got %d", lease.Votes)
		}
		c.Release(ctx, "foo", lease.Token)
	}
	if got := c.Unhealthy(); len(got) != 1 || got[0] != addrs[0] {
		t.Fatalf("expected %s reported unhealthy, got %v", addrs[0], got)
	}
}

func TestNewRedisRequiresNodes(t *testing.T) {
	if _, err := NewRedis(RedisOptions{}); !errors.Is(err, redlock.ErrNoNodes) {
		t.Fatalf("expected ErrNoNodes, got %v", err)
	}
}

func TestNewInMemoryAppliesNodeTimeout(t *testing.T) {
	mgr, mems, err := NewInMemory(InMemoryOptions{Nodes: 5, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	lease, ok, err := mgr.Acquire(ctx, "foo", 10*time.Second)
	if err != nil || !ok {
		t.Fatalf("acquire: %v ok %v", err, ok)
	}
	mems[0].SetLatency(2 * time.Second)

	start := time.Now()
	if cleared := mgr.Release(ctx, "foo", lease.Token); cleared != 4 {
		t.Fatalf("expected 4 nodes cleared, got %d", cleared)
	}
	if took := time.Since(start); took > 500*time.Millisecond {
		t.Fatalf("release waited on the slow node: %v", took)
	}
}
