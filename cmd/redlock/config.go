package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	backendRedis    = "redis"
	backendMemory   = "memory"
	backendEmbedded = "embedded"

	busMemory = "memory"
	busRedis  = "redis"
	busNATS   = "nats"
	busKafka  = "kafka"

	defaultNodes = "localhost:63791,localhost:63792,localhost:63793,localhost:63794,localhost:63795"
)

type config struct {
	Nodes            []string
	Backend          string
	Size             int
	NodeTimeout      time.Duration
	DriftFactor      float64
	Sequential       bool
	BreakerThreshold int
	Password         string
	DB               int
	LogLevel         string
	LogFormat        string
	MetricsAddr      string
	Trace            bool
	Bus              string
	BusURL           string
}

// setupFlags registers the flags shared by every subcommand.
func setupFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("nodes", defaultNodes, "Comma-separated addresses of the independent Redis nodes")
	f.String("backend", backendRedis, "Node backend: redis, memory (in-process) or embedded (in-process Redis servers)")
	f.Int("size", 5, "Number of nodes for the memory and embedded backends")
	f.Duration("node-timeout", 50*time.Millisecond, "Timeout of a single node call")
	f.Float64("drift-factor", 0.01, "Share of the ttl reserved for clock drift")
	f.Bool("sequential", false, "Contact nodes one after the other instead of in parallel")
	f.Int("breaker-threshold", 0, "Skip a node after this many consecutive failures (0 disables)")
	f.String("password", "", "Redis password")
	f.Int("db", 0, "Redis database")
	f.String("log-level", "info", "Log level: debug, info, warn, error")
	f.String("log-format", "console", "Log format: console or json")
	f.String("metrics-addr", "", "Serve Prometheus metrics and lock event streams on this address (e.g. :2112)")
	f.Bool("trace", false, "Print OpenTelemetry spans to stderr")
	f.String("bus", "", "Unlock event bus: memory, redis, nats or kafka (default: redis for Redis backends, memory otherwise)")
	f.String("bus-url", "", "Address of the event bus (Redis address, NATS URL or comma-separated Kafka brokers)")
}

// initConfig loads .env files and binds environment variables with the
// REDLOCK_ prefix.
func initConfig(v *viper.Viper, cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix("redlock")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(cmd.Flags())
}

func loadConfig(v *viper.Viper) (config, error) {
	cfg := config{
		Backend:          strings.ToLower(v.GetString("backend")),
		Size:             v.GetInt("size"),
		NodeTimeout:      v.GetDuration("node-timeout"),
		DriftFactor:      v.GetFloat64("drift-factor"),
		Sequential:       v.GetBool("sequential"),
		BreakerThreshold: v.GetInt("breaker-threshold"),
		Password:         v.GetString("password"),
		DB:               v.GetInt("db"),
		LogLevel:         v.GetString("log-level"),
		LogFormat:        v.GetString("log-format"),
		MetricsAddr:      v.GetString("metrics-addr"),
		Trace:            v.GetBool("trace"),
		Bus:              strings.ToLower(v.GetString("bus")),
		BusURL:           v.GetString("bus-url"),
	}
	for _, addr := range strings.Split(v.GetString("nodes"), ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.Nodes = append(cfg.Nodes, addr)
		}
	}

	switch cfg.Backend {
	case backendRedis:
		if len(cfg.Nodes) == 0 {
			return cfg, fmt.Errorf("no nodes configured")
		}
	case backendMemory, backendEmbedded:
		if cfg.Size <= 0 {
			return cfg, fmt.Errorf("invalid size %d", cfg.Size)
		}
	default:
		return cfg, fmt.Errorf("invalid backend %q", cfg.Backend)
	}
	if cfg.Bus == "" {
		cfg.Bus = busMemory
		if cfg.Backend != backendMemory {
			cfg.Bus = busRedis
		}
	}
	switch cfg.Bus {
	case busMemory:
	case busRedis:
		if cfg.Backend == backendMemory && cfg.BusURL == "" {
			return cfg, fmt.Errorf("bus redis needs --bus-url with the memory backend")
		}
	case busNATS, busKafka:
		if cfg.BusURL == "" {
			return cfg, fmt.Errorf("bus %s needs --bus-url", cfg.Bus)
		}
	default:
		return cfg, fmt.Errorf("invalid bus %q", cfg.Bus)
	}
	if cfg.NodeTimeout <= 0 {
		return cfg, fmt.Errorf("invalid node timeout %v", cfg.NodeTimeout)
	}
	return cfg, nil
}

// parseDelays parses a comma-separated list of durations.
func parseDelays(s string) ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil {
			return nil, fmt.Errorf("invalid delay %q: %w", part, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("negative delay %q", part)
		}
		out = append(out, d)
	}
	return out, nil
}
