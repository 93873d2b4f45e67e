package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"reflect"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-redlock/v1/presets"
	"github.com/mirkobrombin/go-redlock/v1/syncbus"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root, a := newRootCmd()
	t.Cleanup(a.close)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func mustExecute(t *testing.T, args ...string) string {
	t.Helper()
	out, err := execute(t, args...)
	if err != nil {
		t.Fatalf("%v failed: %v", args, err)
	}
	return out
}

func parseConfig(t *testing.T, args ...string) (config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	setupFlags(cmd)
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	v := viper.New()
	if err := initConfig(v, cmd); err != nil {
		t.Fatalf("initConfig failed: %v", err)
	}
	return loadConfig(v)
}

func assertContains(t *testing.T, s, sub string) {
	t.Helper()
	if !strings.Contains(s, sub) {
		t.Errorf("expected %q in output:\n%s", sub, s)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := parseConfig(t)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Backend != backendRedis || cfg.Bus != busRedis {
		t.Fatalf("unexpected backend/bus: %s/%s", cfg.Backend, cfg.Bus)
	}
	if len(cfg.Nodes) != 5 || cfg.Nodes[0] != "localhost:63791" {
		t.Fatalf("unexpected nodes: %v", cfg.Nodes)
	}
	if cfg.NodeTimeout != 50*time.Millisecond {
		t.Fatalf("expected 50ms node timeout, got %v", cfg.NodeTimeout)
	}
	if d := cfg.DriftFactor - 0.01; d > 1e-9 || d < -1e-9 {
		t.Fatalf("expected drift factor 0.01, got %v", cfg.DriftFactor)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("REDLOCK_BACKEND", "memory")
	t.Setenv("REDLOCK_NODE_TIMEOUT", "20ms")
	t.Setenv("REDLOCK_NODES", "a:1, b:2 ,,c:3")

	cfg, err := parseConfig(t)
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.Backend != backendMemory || cfg.Bus != busMemory {
		t.Fatalf("unexpected backend/bus: %s/%s", cfg.Backend, cfg.Bus)
	}
	if cfg.NodeTimeout != 20*time.Millisecond {
		t.Fatalf("expected 20ms node timeout, got %v", cfg.NodeTimeout)
	}
	if want := []string{"a:1", "b:2", "c:3"}; !reflect.DeepEqual(cfg.Nodes, want) {
		t.Fatalf("expected nodes %v, got %v", want, cfg.Nodes)
	}
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	cases := map[string][]string{
		"backend":   {"--backend", "etcd"},
		"size":      {"--backend", "memory", "--size", "0"},
		"timeout":   {"--node-timeout", "0s"},
		"nodes":     {"--nodes", " , "},
		"bus":       {"--bus", "zeromq"},
		"nats url":  {"--bus", "nats"},
		"redis bus": {"--backend", "memory", "--bus", "redis"},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseConfig(t, args...); err == nil {
				t.Fatalf("expected %v to be rejected", args)
			}
		})
	}
}

func TestParseDelays(t *testing.T) {
	d, err := parseDelays("0s, 1s,,250ms")
	if err != nil {
		t.Fatalf("parseDelays failed: %v", err)
	}
	if want := []time.Duration{0, time.Second, 250 * time.Millisecond}; !reflect.DeepEqual(d, want) {
		t.Fatalf("expected %v, got %v", want, d)
	}

	for _, bad := range []string{"1s,soon", "-1s"} {
		if _, err := parseDelays(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestRunSimulationSingleAttempt(t *testing.T) {
	mgr, _, err := presets.NewInMemory(presets.InMemoryOptions{Nodes: 5})
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}

	cfg := simConfig{
		Clients:  5,
		Delays:   []time.Duration{0, 50 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond, 400 * time.Millisecond},
		Hold:     200 * time.Millisecond,
		TTL:      2 * time.Second,
		Resource: "shared_resource",
	}
	outcomes := runSimulation(context.Background(), mgr, syncbus.NewInMemoryBus(), cfg, zerolog.Nop())
	if len(outcomes) != 5 {
		t.Fatalf("expected 5 outcomes, got %d", len(outcomes))
	}

	granted := map[int]bool{}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("client %d failed: %v", o.Client, o.Err)
		}
		granted[o.Client] = o.Granted
	}
	if want := map[int]bool{0: true, 1: false, 2: false, 3: false, 4: true}; !reflect.DeepEqual(granted, want) {
		t.Fatalf("expected grants %v, got %v", want, granted)
	}
	if outcomes[0].Cleared != 5 || outcomes[4].Cleared != 5 {
		t.Fatalf("expected holders to clear 5 nodes, got %d and %d", outcomes[0].Cleared, outcomes[4].Cleared)
	}
}

func TestRunSimulationWaitSerializesHolders(t *testing.T) {
	mgr, mems, err := presets.NewInMemory(presets.InMemoryOptions{Nodes: 3})
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg := simConfig{
		Clients:  4,
		Hold:     30 * time.Millisecond,
		TTL:      2 * time.Second,
		Resource: "shared_resource",
		Wait:     true,
	}
	outcomes := runSimulation(ctx, mgr, syncbus.NewInMemoryBus(), cfg, zerolog.Nop())

	for _, o := range outcomes {
		if o.Err != nil || !o.Granted {
			t.Fatalf("client %d not granted: %v", o.Client, o.Err)
		}
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].AcquiredAt < outcomes[j].AcquiredAt })
	for i := 1; i < len(outcomes); i++ {
		if outcomes[i].AcquiredAt < outcomes[i-1].ReleasedAt {
			t.Errorf("client %d acquired while client %d held the lock", outcomes[i].Client, outcomes[i-1].Client)
		}
	}
	for i, m := range mems {
		if n := m.Len(); n != 0 {
			t.Errorf("node %d holds %d entries", i, n)
		}
	}
}

func TestPrintOutcomes(t *testing.T) {
	var buf bytes.Buffer
	printOutcomes(&buf, []simOutcome{
		{Client: 1},
		{Client: 0, Granted: true, Validity: time.Second, AcquiredAt: time.Millisecond, ReleasedAt: 3 * time.Millisecond, Cleared: 5},
		{Client: 2, Err: context.Canceled},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected a header and 3 rows, got:\n%s", buf.String())
	}
	assertContains(t, lines[1], "granted")
	assertContains(t, lines[2], "denied")
	assertContains(t, lines[3], "context canceled")
}

func TestAcquireCommandEmbedded(t *testing.T) {
	out := mustExecute(t, "--backend", "embedded", "--size", "3", "--log-level", "error",
		"acquire", "orders", "--ttl", "2s", "--hold", "10ms")
	assertContains(t, out, "granted resource=orders")
	assertContains(t, out, "votes=3/3")
	assertContains(t, out, "released resource=orders cleared=3")
}

func TestAcquireCommandWaitEmbedded(t *testing.T) {
	out := mustExecute(t, "--backend", "embedded", "--size", "3", "--log-level", "error",
		"acquire", "orders", "--wait", "--timeout", "5s")
	assertContains(t, out, "granted resource=orders")
}

func TestReleaseCommandUnknownToken(t *testing.T) {
	out := mustExecute(t, "--backend", "memory", "release", "orders", "not-a-holder")
	assertContains(t, out, "cleared=0")
}

func TestInvalidBackendFails(t *testing.T) {
	_, err := execute(t, "--backend", "etcd", "acquire", "orders")
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
	assertContains(t, err.Error(), "invalid backend")
}

func TestSimulateCommandMemory(t *testing.T) {
	out := mustExecute(t, "--backend", "memory", "--log-level", "error",
		"simulate", "--clients", "2", "--delays", "0s,50ms", "--hold", "200ms", "--ttl", "2s")
	assertContains(t, out, "CLIENT")
	assertContains(t, out, "granted")
	assertContains(t, out, "denied")
}

func TestBenchCommandMemory(t *testing.T) {
	out := mustExecute(t, "--backend", "memory", "--log-level", "error",
		"bench", "-c", "4", "-n", "100")
	assertContains(t, out, "Finished 100 ops")
	assertContains(t, out, "Denied: 0")
}

func TestVersionCommand(t *testing.T) {
	if out := mustExecute(t, "version"); out != version+"\n" {
		t.Fatalf("expected %q, got %q", version+"\n", out)
	}
}

func TestSlogBridgeWritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	log := newSlogLogger(newLogger(&buf, "debug", "json")).With("node", "n1").WithGroup("call")
	log.Debug("node call failed", "op", "setnx")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v\n%s", err, buf.String())
	}
	want := map[string]any{
		"level":   "debug",
		"message": "node call failed",
		"node":    "n1",
		"call.op": "setnx",
		"service": "redlock",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("field %q: expected %v, got %v", k, v, entry[k])
		}
	}
}

func TestSlogBridgeRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	log := newSlogLogger(newLogger(&buf, "warn", "json"))
	log.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	log.Error("loud")
	assertContains(t, buf.String(), "loud")
}

func TestServeHTTPExposesMetricsAndEvents(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	srv, err := serveHTTP("127.0.0.1:0", bus, zerolog.Nop())
	if err != nil {
		t.Fatalf("serveHTTP failed: %v", err)
	}
	defer srv.Close()

	mgr, _, err := presets.NewInMemory(presets.InMemoryOptions{Nodes: 3})
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	if _, ok, err := mgr.Acquire(context.Background(), "metrics-check", time.Second); err != nil || !ok {
		t.Fatalf("Acquire failed: granted=%v err=%v", ok, err)
	}

	resp, err := http.Get("http://" + srv.Addr + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatal(err)
	}
	assertContains(t, string(body), `redlock_acquire_total{result="granted"}`)

	resp, err = http.Get("http://" + srv.Addr + "/events")
	if err != nil {
		t.Fatalf("GET /events failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without a key, got %d", resp.StatusCode)
	}
}
