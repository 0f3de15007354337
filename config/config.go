// Package config loads the server configuration from YAML and from the
// REGIONGC_FLAGS environment variable.
package config

import (
	"flag"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"regiongc/domain/gc"
	"regiongc/domain/heap"
)

// FlagsEnv holds extra command-line style overrides, e.g.
// REGIONGC_FLAGS='-gc.workers=4 -heap.young="8 MB"'.
const FlagsEnv = "REGIONGC_FLAGS"

// Size is a byte count written either as a number or as "64MB".
type Size uint64

func ParseSize(s string) (Size, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, errors.Wrapf(err, "config: bad size %q", s)
	}
	return Size(b), nil
}

func (s Size) String() string { return bytesize.New(float64(s)).String() }

func (s *Size) Set(v string) error {
	n, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = n
	return nil
}

func (s *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	return s.Set(str)
}

type Heap struct {
	Base           uint64 `yaml:"base"`
	Reserve        Size   `yaml:"reserve"`
	RegionSize     Size   `yaml:"region_size"`
	YoungCapacity  Size   `yaml:"young_capacity"`
	OldCapacity    Size   `yaml:"old_capacity"`
	MaxOldCapacity Size   `yaml:"max_old_capacity"`
	HugeThreshold  Size   `yaml:"huge_threshold"`
}

type GC struct {
	Workers             int     `yaml:"workers"`
	NodeCapacity        int     `yaml:"node_capacity"`
	TLABSize            Size    `yaml:"tlab_size"`
	RelocationLiveRatio float64 `yaml:"relocation_live_ratio"`
	MixedThreshold      float64 `yaml:"mixed_threshold"`
	FullFragmentation   float64 `yaml:"full_fragmentation"`
	ConcurrentSweep     bool    `yaml:"concurrent_sweep"`
	Verify              bool    `yaml:"verify"`
}

type Journal struct {
	Dir        string `yaml:"dir"`
	PruneAcked bool   `yaml:"prune_acked"`
}

// Broker selects the cycle publisher. An empty Client disables publishing.
type Broker struct {
	Client     string        `yaml:"client"` // "sarama" or "kafka-go"
	Brokers    []string      `yaml:"brokers"`
	Topic      string        `yaml:"topic"`
	Key        string        `yaml:"key"`
	Interval   time.Duration `yaml:"interval"`
	MaxRetries uint32        `yaml:"max_retries"`
}

type Server struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Mutator drives the synthetic workload of the server binary.
type Mutator struct {
	Goroutines int           `yaml:"goroutines"`
	LiveSet    int           `yaml:"live_set"`
	Pause      time.Duration `yaml:"pause"`
}

type Config struct {
	Heap    Heap    `yaml:"heap"`
	GC      GC      `yaml:"gc"`
	Journal Journal `yaml:"journal"`
	Broker  Broker  `yaml:"broker"`
	Server  Server  `yaml:"server"`
	Mutator Mutator `yaml:"mutator"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() Config {
	return Config{
		Heap: Heap{
			Base:    1 << 32,
			Reserve: 256 << 20,
		},
		GC: GC{
			Workers: 4,
		},
		Journal: Journal{
			Dir: "./gc_journal",
		},
		Broker: Broker{
			Topic:    "gc-cycles",
			Interval: 250 * time.Millisecond,
		},
		Server: Server{
			GRPCAddr:    ":50051",
			MetricsAddr: ":9090",
		},
		Mutator: Mutator{
			Goroutines: 2,
			LiveSet:    4096,
			Pause:      time.Millisecond,
		},
	}
}

// Parse decodes YAML over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config: parse")
	}
	return cfg, nil
}

// Load reads path (if not empty), applies REGIONGC_FLAGS and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
		if cfg, err = Parse(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyFlags(os.Getenv(FlagsEnv)); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyFlags overrides fields from a shell-quoted flag string.
func (c *Config) ApplyFlags(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return errors.Wrapf(err, "config: split %s", FlagsEnv)
	}
	if len(args) == 0 {
		return nil
	}

	fs := flag.NewFlagSet(FlagsEnv, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Var(&c.Heap.Reserve, "heap.reserve", "bytes reserved for the heap")
	fs.Var(&c.Heap.RegionSize, "heap.region", "region size")
	fs.Var(&c.Heap.YoungCapacity, "heap.young", "semispace capacity")
	fs.Var(&c.Heap.OldCapacity, "heap.old", "initial old-space capacity")
	fs.Var(&c.Heap.MaxOldCapacity, "heap.max-old", "old-space growth limit")
	fs.IntVar(&c.GC.Workers, "gc.workers", c.GC.Workers, "marking goroutines")
	fs.Var(&c.GC.TLABSize, "gc.tlab", "evacuation buffer size")
	fs.BoolVar(&c.GC.ConcurrentSweep, "gc.concurrent-sweep", c.GC.ConcurrentSweep, "sweep in the background")
	fs.BoolVar(&c.GC.Verify, "gc.verify", c.GC.Verify, "verify the heap after every cycle")
	fs.StringVar(&c.Journal.Dir, "journal.dir", c.Journal.Dir, "cycle journal directory")
	fs.StringVar(&c.Broker.Client, "broker.client", c.Broker.Client, "sarama, kafka-go or empty")
	fs.StringVar(&c.Server.GRPCAddr, "grpc", c.Server.GRPCAddr, "inspector listen address")
	fs.StringVar(&c.Server.MetricsAddr, "metrics", c.Server.MetricsAddr, "metrics listen address")
	fs.IntVar(&c.Mutator.Goroutines, "mutator.goroutines", c.Mutator.Goroutines, "synthetic mutators")
	if err := fs.Parse(args); err != nil {
		return errors.Wrapf(err, "config: %s", FlagsEnv)
	}
	if fs.NArg() > 0 {
		return errors.Newf("config: %s: unexpected argument %q", FlagsEnv, fs.Arg(0))
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Broker.Client {
	case "", "sarama", "kafka-go":
	default:
		return errors.Newf("config: unknown broker client %q", c.Broker.Client)
	}
	if c.Broker.Client != "" && (len(c.Broker.Brokers) == 0 || c.Broker.Topic == "") {
		return errors.New("config: broker client needs brokers and a topic")
	}
	if c.Heap.Reserve == 0 {
		return errors.New("config: heap.reserve must be set")
	}
	if c.GC.Workers < 1 {
		return errors.Newf("config: gc.workers = %d", c.GC.Workers)
	}
	region := c.Heap.RegionSize
	if region == 0 {
		region = heap.DefaultRegionSize
	}
	if c.GC.TLABSize > region/2 {
		return errors.Newf("config: gc.tlab_size %s exceeds half the region size %s", c.GC.TLABSize, region)
	}
	for name, v := range map[string]float64{
		"relocation_live_ratio": c.GC.RelocationLiveRatio,
		"mixed_threshold":       c.GC.MixedThreshold,
		"full_fragmentation":    c.GC.FullFragmentation,
	} {
		if v < 0 || v > 1 {
			return errors.Newf("config: gc.%s = %v, want a fraction", name, v)
		}
	}
	return nil
}

func (c Config) HeapOptions() heap.Options {
	return heap.Options{
		RegionSize:     uint64(c.Heap.RegionSize),
		YoungCapacity:  uint64(c.Heap.YoungCapacity),
		OldCapacity:    uint64(c.Heap.OldCapacity),
		MaxOldCapacity: uint64(c.Heap.MaxOldCapacity),
		HugeThreshold:  uint64(c.Heap.HugeThreshold),
	}
}

// GCOptions leaves Logger and Fatal to the caller.
func (c Config) GCOptions() gc.Options {
	return gc.Options{
		Workers:             c.GC.Workers,
		NodeCapacity:        c.GC.NodeCapacity,
		TLABSize:            uint64(c.GC.TLABSize),
		RelocationLiveRatio: c.GC.RelocationLiveRatio,
		MixedThreshold:      c.GC.MixedThreshold,
		FullFragmentation:   c.GC.FullFragmentation,
		ConcurrentSweep:     c.GC.ConcurrentSweep,
		VerifyAfter:         c.GC.Verify,
	}
}
