package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alicebob/miniredis/v2"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-redlock/v1/presets"
	"github.com/mirkobrombin/go-redlock/v1/redlock"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// cluster is everything a subcommand needs to talk to the nodes.
type cluster struct {
	mgr     *redlock.Manager
	bus     syncbus.Bus
	addrs   []string
	closers []func() error
}

func (c *cluster) close() error {
	var errs []error
	// Reverse order: the bus goes before the nodes it may share a server with.
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

func buildCluster(cfg config, mopts ...redlock.Option) (*cluster, error) {
	c := &cluster{}
	if err := c.buildNodes(cfg, mopts); err != nil {
		_ = c.close()
		return nil, err
	}
	if err := c.buildBus(cfg); err != nil {
		_ = c.close()
		return nil, err
	}
	return c, nil
}

func (c *cluster) buildNodes(cfg config, mopts []redlock.Option) error {
	switch cfg.Backend {
	case backendMemory:
		mgr, _, err := presets.NewInMemory(presets.InMemoryOptions{
			Nodes:   cfg.Size,
			Timeout: cfg.NodeTimeout,
		}, mopts...)
		if err != nil {
			return err
		}
		c.mgr = mgr
		return nil
	case backendEmbedded:
		for i := 0; i < cfg.Size; i++ {
			mr, err := miniredis.Run()
			if err != nil {
				return fmt.Errorf("start embedded node %d: %w", i+1, err)
			}
			c.closers = append(c.closers, func() error { mr.Close(); return nil })
			c.addrs = append(c.addrs, mr.Addr())
		}
	default:
		c.addrs = cfg.Nodes
	}

	rc, err := presets.NewRedis(presets.RedisOptions{
		Addrs:            c.addrs,
		Password:         cfg.Password,
		DB:               cfg.DB,
		Timeout:          cfg.NodeTimeout,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerCooldown:  time.Second,
	}, mopts...)
	if err != nil {
		return err
	}
	c.closers = append(c.closers, rc.Close)
	c.mgr = rc.Manager
	return nil
}

func (c *cluster) buildBus(cfg config) error {
	switch cfg.Bus {
	case busRedis:
		addr := cfg.BusURL
		if addr == "" {
			addr = c.addrs[0]
		}
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
		bus := syncbus.NewRedisBus(client)
		c.closers = append(c.closers, client.Close, bus.Close)
		c.bus = bus
	case busNATS:
		conn, err := nats.Connect(cfg.BusURL, nats.Name("redlock"))
		if err != nil {
			return fmt.Errorf("connect to nats: %w", err)
		}
		bus := syncbus.NewNATSBus(conn)
		c.closers = append(c.closers, func() error { conn.Close(); return nil }, bus.Close)
		c.bus = bus
	case busKafka:
		bus, err := syncbus.NewKafkaBus(strings.Split(cfg.BusURL, ","), nil)
		if err != nil {
			return fmt.Errorf("connect to kafka: %w", err)
		}
		c.closers = append(c.closers, bus.Close)
		c.bus = bus
	default:
		c.bus = syncbus.NewInMemoryBus()
	}
	return nil
}
