package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
heap:
  reserve: 64MB
  region_size: 65536
  young_capacity: "1 MB"
gc:
  workers: 8
  concurrent_sweep: true
broker:
  client: sarama
  brokers: [localhost:9092]
  interval: 2s
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Heap.Reserve != 64<<20 || cfg.Heap.RegionSize != 64<<10 || cfg.Heap.YoungCapacity != 1<<20 {
		t.Fatalf("heap = %+v", cfg.Heap)
	}
	if cfg.GC.Workers != 8 || !cfg.GC.ConcurrentSweep {
		t.Fatalf("gc = %+v", cfg.GC)
	}
	if cfg.Broker.Interval != 2*time.Second || cfg.Broker.Topic != "gc-cycles" {
		t.Fatalf("broker = %+v", cfg.Broker)
	}
	if cfg.Server.GRPCAddr != ":50051" {
		t.Fatalf("default lost: %+v", cfg.Server)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if opts := cfg.HeapOptions(); opts.RegionSize != 64<<10 || opts.YoungCapacity != 1<<20 {
		t.Fatalf("heap options = %+v", opts)
	}
	if opts := cfg.GCOptions(); opts.Workers != 8 || !opts.ConcurrentSweep {
		t.Fatalf("gc options = %+v", opts)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("gc:\n  wrokers: 3\n")); err == nil {
		t.Fatalf("typo accepted")
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyFlags(`-gc.workers=3 -heap.young "2 MB" -gc.concurrent-sweep -journal.dir '/tmp/gc journal'`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GC.Workers != 3 || cfg.Heap.YoungCapacity != 2<<20 || !cfg.GC.ConcurrentSweep {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Journal.Dir != "/tmp/gc journal" {
		t.Fatalf("journal dir = %q", cfg.Journal.Dir)
	}

	if err := cfg.ApplyFlags("-no-such-flag"); err == nil {
		t.Fatalf("unknown flag accepted")
	}
	if err := cfg.ApplyFlags("-heap.young=lots"); err == nil {
		t.Fatalf("bad size accepted")
	}
	if err := cfg.ApplyFlags("stray"); err == nil {
		t.Fatalf("positional argument accepted")
	}
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"client":  func(c *Config) { c.Broker.Client = "carrier-pigeon" },
		"brokers": func(c *Config) { c.Broker.Client = "kafka-go" },
		"workers": func(c *Config) { c.GC.Workers = 0 },
		"ratio":   func(c *Config) { c.GC.MixedThreshold = 1.5 },
		"reserve": func(c *Config) { c.Heap.Reserve = 0 },
		"tlab":    func(c *Config) { c.GC.TLABSize = 200 << 10 },
		"tlab-region": func(c *Config) {
			c.Heap.RegionSize = 64 << 10
			c.GC.TLABSize = 48 << 10
		},
	} {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: invalid config accepted", name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	cfg := Default()
	cfg.Heap.RegionSize = 64 << 10
	cfg.GC.TLABSize = 32 << 10
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tlab of half a region rejected: %v", err)
	}
}

func TestLoadAppliesEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regiongc.yaml")
	if err := os.WriteFile(path, []byte("gc:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(FlagsEnv, "-gc.workers=6")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GC.Workers != 6 {
		t.Fatalf("workers = %d, want the environment to win", cfg.GC.Workers)
	}
}

func TestSizeString(t *testing.T) {
	if s := Size(3 << 20).String(); !strings.HasPrefix(s, "3") || !strings.HasSuffix(s, "MB") {
		t.Fatalf("size string = %q", s)
	}
}
