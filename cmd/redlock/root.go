package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-redlock/v1/redlock"
)

var version = "dev"

// app holds the state shared by the subcommands of one invocation.
type app struct {
	v       *viper.Viper
	cfg     config
	log     zerolog.Logger
	cluster *cluster

	stopTracing func(context.Context) error
	httpSrv     *http.Server
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{v: viper.New(), log: zerolog.Nop()}
	root := &cobra.Command{
		Use:   "redlock",
		Short: "Distributed locks over independent Redis nodes",
		Long: `redlock grants a lock when a strict majority of independent nodes
accept a random token for the resource within the lock ttl.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	setupFlags(root)
	root.AddCommand(
		newAcquireCmd(a),
		newReleaseCmd(a),
		newSimulateCmd(a),
		newBenchCmd(a),
		newVersionCmd(),
	)
	return root, a
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := initConfig(a.v, cmd); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)

	if cfg.Trace {
		stop, err := setupTracing(cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("setup tracing: %w", err)
		}
		a.stopTracing = stop
	}
	mopts := []redlock.Option{
		redlock.WithDriftFactor(cfg.DriftFactor),
		redlock.WithLogger(newSlogLogger(a.log)),
	}
	if cfg.Sequential {
		mopts = append(mopts, redlock.WithSequentialFanout())
	}
	c, err := buildCluster(cfg, mopts...)
	if err != nil {
		return fmt.Errorf("build cluster: %w", err)
	}
	a.cluster = c
	if cfg.MetricsAddr != "" {
		srv, err := serveHTTP(cfg.MetricsAddr, c.bus, a.log)
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
		a.httpSrv = srv
	}
	a.log.Debug().
		Str("backend", cfg.Backend).
		Str("bus", cfg.Bus).
		Int("nodes", c.mgr.Size()).
		Int("quorum", c.mgr.Quorum()).
		Msg("cluster ready")
	return nil
}

func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.cluster != nil {
		if err := a.cluster.close(); err != nil {
			a.log.Warn().Err(err).Msg("closing cluster")
		}
		a.cluster = nil
	}
	if a.httpSrv != nil {
		_ = a.httpSrv.Close()
		a.httpSrv = nil
	}
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			a.log.Warn().Err(err).Msg("flushing spans")
		}
		a.stopTracing = nil
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		// No cluster needed.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
