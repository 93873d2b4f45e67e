package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-redlock/v1/redlock"
)

type benchConfig struct {
	Concurrency int
	Requests    int
	// Resources is the number of distinct resources the workers rotate over.
	// Fewer resources than workers means contention.
	Resources int
	TTL       time.Duration
}

type benchResult struct {
	Ops      int64
	Denied   int64
	Errors   int64
	Elapsed  time.Duration
	Avg      time.Duration
	P99      time.Duration
	OpsPerS  float64
	Requests int
}

// runBench performs Requests acquire/release pairs spread over
// Concurrency workers.
func runBench(ctx context.Context, mgr *redlock.Manager, cfg benchConfig, log zerolog.Logger) benchResult {
	perWorker := cfg.Requests / cfg.Concurrency
	latencies := make([][]time.Duration, cfg.Concurrency)
	var ops, denied, errCount atomic.Int64

	start := time.Now()
	var g errgroup.Group
	for w := 0; w < cfg.Concurrency; w++ {
		g.Go(func() error {
			lat := make([]time.Duration, 0, perWorker)
			for j := 0; j < perWorker && ctx.Err() == nil; j++ {
				resource := fmt.Sprintf("bench:%d", (w+j*cfg.Concurrency)%cfg.Resources)
				t0 := time.Now()
				lease, ok, err := mgr.Acquire(ctx, resource, cfg.TTL)
				switch {
				case err != nil:
					errCount.Add(1)
					log.Debug().Err(err).Msg("acquire failed")
				case !ok:
					denied.Add(1)
				default:
					mgr.Release(ctx, resource, lease.Token)
				}
				lat = append(lat, time.Since(t0))
				ops.Add(1)
			}
			latencies[w] = lat
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	var all []time.Duration
	for _, l := range latencies {
		all = append(all, l...)
	}
	res := benchResult{
		Ops:      ops.Load(),
		Denied:   denied.Load(),
		Errors:   errCount.Load(),
		Elapsed:  elapsed,
		Requests: cfg.Requests,
	}
	if len(all) == 0 {
		return res
	}
	slices.Sort(all)
	var total time.Duration
	for _, d := range all {
		total += d
	}
	res.Avg = total / time.Duration(len(all))
	res.P99 = all[int(math.Ceil(0.99*float64(len(all))))-1]
	res.OpsPerS = float64(res.Ops) / elapsed.Seconds()
	return res
}

func printBench(w io.Writer, r benchResult) {
	fmt.Fprintf(w, "Finished %d ops in %v\n", r.Ops, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput: %.2f ops/s\n", r.OpsPerS)
	fmt.Fprintf(w, "Avg latency: %v\n", r.Avg)
	fmt.Fprintf(w, "P99 latency: %v\n", r.P99)
	fmt.Fprintf(w, "Denied: %d\n", r.Denied)
	if r.Errors > 0 {
		fmt.Fprintf(w, "Errors: %d\n", r.Errors)
	}
}

func newBenchCmd(a *app) *cobra.Command {
	var cfg benchConfig
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure acquire and release throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.Concurrency <= 0 || cfg.Requests < cfg.Concurrency {
				return fmt.Errorf("need at least one request per worker (concurrency %d, requests %d)", cfg.Concurrency, cfg.Requests)
			}
			if cfg.Resources <= 0 {
				cfg.Resources = cfg.Concurrency
			}
			a.log.Info().
				Int("requests", cfg.Requests).
				Int("concurrency", cfg.Concurrency).
				Int("resources", cfg.Resources).
				Msg("starting benchmark")
			printBench(cmd.OutOrStdout(), runBench(cmd.Context(), a.cluster.mgr, cfg, a.log))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&cfg.Concurrency, "concurrency", "c", 50, "Number of concurrent workers")
	f.IntVarP(&cfg.Requests, "requests", "n", 10000, "Total number of acquire/release pairs")
	f.IntVar(&cfg.Resources, "resources", 0, "Distinct resources to rotate over (default: one per worker)")
	f.DurationVar(&cfg.TTL, "ttl", 10*time.Second, "Lock time to live")
	return cmd
}
