package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/redlock"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

// simConfig describes a contention scenario. Client i starts after
// Delays[i % len(Delays)].
type simConfig struct {
	Clients  int
	Delays   []time.Duration
	Hold     time.Duration
	TTL      time.Duration
	Resource string
	// Wait makes clients retry until granted instead of trying once.
	Wait bool
}

func (c simConfig) delay(client int) time.Duration {
	if len(c.Delays) == 0 {
		return 0
	}
	return c.Delays[client%len(c.Delays)]
}

// simOutcome is what happened to one simulated client. Times are relative
// to the start of the simulation.
type simOutcome struct {
	Client     int
	Granted    bool
	Token      redlock.Token
	Validity   time.Duration
	AcquiredAt time.Duration
	ReleasedAt time.Duration
	Cleared    int
	Err        error
}

func runSimulation(ctx context.Context, mgr *redlock.Manager, bus syncbus.Bus, cfg simConfig, log zerolog.Logger) []simOutcome {
	outcomes := make([]simOutcome, cfg.Clients)
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < cfg.Clients; i++ {
		g.Go(func() error {
			outcomes[i] = runClient(ctx, mgr, bus, cfg, i, start, log.With().Int("client", i).Logger())
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func runClient(ctx context.Context, mgr *redlock.Manager, bus syncbus.Bus, cfg simConfig, id int, start time.Time, log zerolog.Logger) simOutcome {
	out := simOutcome{Client: id}

	t := time.NewTimer(cfg.delay(id))
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
		out.Err = ctx.Err()
		return out
	}

	mu := lock.NewMutex(mgr, bus)
	log.Info().Msg("attempting to acquire lock")
	var (
		lease redlock.Lease
		err   error
	)
	if cfg.Wait {
		lease, err = mu.Lock(ctx, cfg.Resource, cfg.TTL)
		out.Granted = err == nil
	} else {
		lease, out.Granted, err = mu.TryLock(ctx, cfg.Resource, cfg.TTL)
	}
	if err != nil {
		out.Err = err
		log.Warn().Err(err).Msg("acquire failed")
		return out
	}
	if !out.Granted {
		log.Info().Msg("failed to acquire lock")
		return out
	}

	out.AcquiredAt = time.Since(start)
	out.Token = lease.Token
	out.Validity = lease.Validity
	log.Info().Str("token", string(lease.Token)).Dur("validity", lease.Validity).Msg("lock acquired")
	if cfg.Hold >= lease.Validity {
		log.Warn().Dur("hold", cfg.Hold).Dur("validity", lease.Validity).Msg("hold outlasts the validity window")
	}

	t = time.NewTimer(cfg.Hold)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}
	out.ReleasedAt = time.Since(start)
	out.Cleared = mu.Unlock(context.WithoutCancel(ctx), lease)
	log.Info().Int("cleared", out.Cleared).Msg("lock released")
	return out
}

func printOutcomes(w io.Writer, outcomes []simOutcome) {
	sorted := append([]simOutcome(nil), outcomes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Client < sorted[j].Client })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLIENT\tRESULT\tACQUIRED\tRELEASED\tVALIDITY\tCLEARED")
	for _, o := range sorted {
		switch {
		case o.Err != nil:
			fmt.Fprintf(tw, "%d\terror: %v\t-\t-\t-\t-\n", o.Client, o.Err)
		case !o.Granted:
			fmt.Fprintf(tw, "%d\tdenied\t-\t-\t-\t-\n", o.Client)
		default:
			fmt.Fprintf(tw, "%d\tgranted\t%s\t%s\t%s\t%d\n", o.Client,
				o.AcquiredAt.Round(time.Millisecond),
				o.ReleasedAt.Round(time.Millisecond),
				o.Validity.Round(time.Millisecond),
				o.Cleared)
		}
	}
	_ = tw.Flush()
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		cfg    simConfig
		delays string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run staggered clients competing for one resource",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := parseDelays(delays)
			if err != nil {
				return err
			}
			cfg.Delays = d
			if cfg.Clients <= 0 {
				return fmt.Errorf("invalid number of clients %d", cfg.Clients)
			}
			a.log.Info().
				Int("clients", cfg.Clients).
				Str("resource", cfg.Resource).
				Dur("ttl", cfg.TTL).
				Dur("hold", cfg.Hold).
				Msg("starting simulation")
			outcomes := runSimulation(cmd.Context(), a.cluster.mgr, a.cluster.bus, cfg, a.log)
			printOutcomes(cmd.OutOrStdout(), outcomes)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&cfg.Clients, "clients", 5, "Number of concurrent clients")
	f.StringVar(&delays, "delays", "0s,1s,1s,1s,4s", "Comma-separated start delays, cycled over the clients")
	f.DurationVar(&cfg.Hold, "hold", 3*time.Second, "How long a client keeps the lock once granted")
	f.DurationVar(&cfg.TTL, "ttl", 5*time.Second, "Lock time to live")
	f.StringVar(&cfg.Resource, "resource", "shared_resource", "Resource the clients compete for")
	f.BoolVar(&cfg.Wait, "wait", false, "Retry until granted instead of giving up after one attempt")
	return cmd
}
