package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-redlock/v1/lock"
	"github.com/mirkobrombin/go-redlock/v1/redlock"
)

var errDenied = errors.New("lock not acquired")

func newAcquireCmd(a *app) *cobra.Command {
	var (
		ttl     time.Duration
		wait    bool
		timeout time.Duration
		hold    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire a lock and print its token",
		Long: `Acquire tries to lock the resource and prints the token and the validity
window. Without --hold the lock stays on the nodes until its ttl expires or
it is released with "redlock release".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			resource := args[0]

			var (
				lease redlock.Lease
				ok    bool
				err   error
			)
			mu := lock.NewMutex(a.cluster.mgr, a.cluster.bus)
			if wait {
				lease, err = mu.Lock(ctx, resource, ttl)
				ok = err == nil
				if errors.Is(err, context.DeadlineExceeded) {
					err = nil
				}
			} else {
				lease, ok, err = mu.TryLock(ctx, resource, ttl)
			}
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "denied resource=%s\n", resource)
				return errDenied
			}

			fmt.Fprintf(cmd.OutOrStdout(), "granted resource=%s token=%s validity=%s votes=%d/%d\n",
				lease.Resource, lease.Token, lease.Validity.Round(time.Millisecond), lease.Votes, a.cluster.mgr.Size())
			a.log.Info().
				Str("resource", resource).
				Str("token", string(lease.Token)).
				Dur("validity", lease.Validity).
				Msg("lock granted")

			if hold <= 0 {
				return nil
			}
			select {
			case <-time.After(hold):
			case <-cmd.Context().Done():
			}
			cleared := mu.Unlock(context.WithoutCancel(cmd.Context()), lease)
			fmt.Fprintf(cmd.OutOrStdout(), "released resource=%s cleared=%d\n", resource, cleared)
			return nil
		},
	}
	f := cmd.Flags()
	f.DurationVar(&ttl, "ttl", 10*time.Second, "Lock time to live")
	f.BoolVar(&wait, "wait", false, "Retry until the lock is granted or --timeout expires")
	f.DurationVar(&timeout, "timeout", 30*time.Second, "Give up after this long (0 waits forever with --wait)")
	f.DurationVar(&hold, "hold", 0, "Hold the lock for this long, then release it")
	return cmd
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release <resource> <token>",
		Short: "Release a lock held with the given token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mu := lock.NewMutex(a.cluster.mgr, a.cluster.bus)
			cleared := mu.Unlock(cmd.Context(), redlock.Lease{Resource: args[0], Token: redlock.Token(args[1])})
			fmt.Fprintf(cmd.OutOrStdout(), "released resource=%s cleared=%d\n", args[0], cleared)
			a.log.Info().Str("resource", args[0]).Int("cleared", cleared).Msg("lock released")
			return nil
		},
	}
}
