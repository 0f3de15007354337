package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"google.golang.org/grpc"

	"regiongc/api/grpcserver"
	"regiongc/config"
	"regiongc/domain/gc"
	"regiongc/domain/heap"
	"regiongc/domain/shape"
	"regiongc/infra/journal"
	"regiongc/infra/kafka"
	"regiongc/infra/memory"
	"regiongc/infra/metrics"
	"regiongc/jobs/broadcaster"
	"regiongc/service"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---------------- Logging ----------------

	gcLog := log.New(terminalOut(), "", log.LstdFlags|log.Lmicroseconds)

	// ---------------- Heap ----------------

	res, err := memory.Reserve(uint64(cfg.Heap.Reserve))
	if err != nil {
		log.Fatalf("heap reservation failed: %v", err)
	}
	defer res.Close()

	mem, err := heap.NewMemory(heap.Addr(cfg.Heap.Base), res.Words())
	if err != nil {
		log.Fatalf("heap memory: %v", err)
	}

	shapes := shape.NewTable()
	node, err := shapes.RegisterFixed("node", 4, 1, 2)
	if err != nil {
		log.Fatalf("shape table: %v", err)
	}
	refs := shapes.RegisterArray("refs", true)

	h, err := heap.New(mem, shapes, cfg.HeapOptions())
	if err != nil {
		log.Fatalf("heap init failed: %v", err)
	}

	opts := cfg.GCOptions()
	opts.Logger = gcLog
	opts.Fatal = func(err error) { log.Fatalf("[gc] fatal: %+v", err) }
	rt := gc.NewRuntime(h, opts)
	defer rt.Close()

	// ---------------- Journal ----------------

	j, err := journal.Open(cfg.Journal.Dir)
	if err != nil {
		log.Fatalf("journal init failed: %v", err)
	}
	defer j.Close()

	last, err := j.LastSeq()
	if err != nil {
		log.Fatalf("journal scan failed: %v", err)
	}
	rt.ResumeCycleIDs(last)

	// ---------------- Service ----------------

	m := metrics.New()
	svc := service.New(rt, shapes, j, m, service.Config{})

	// ---------------- Background Jobs ----------------

	if sender := newSender(cfg.Broker); sender != nil {
		bc := broadcaster.New(j, sender, m, broadcaster.Config{
			Key:        cfg.Broker.Key,
			Interval:   cfg.Broker.Interval,
			MaxRetries: cfg.Broker.MaxRetries,
			PruneAcked: cfg.Journal.PruneAcked,
		})
		bc.Start(ctx)
		defer bc.Close()
	}

	for g := 0; g < cfg.Mutator.Goroutines; g++ {
		go runMutator(ctx, svc, node, refs, cfg.Mutator, int64(g))
	}

	// ---------------- Metrics ----------------

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	httpSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[metrics] server exited: %v", err)
		}
	}()

	// ---------------- gRPC ----------------

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		log.Fatalf("listen failed: %v", err)
	}

	grpcSrv := grpc.NewServer()
	grpcserver.RegisterInspectorServer(grpcSrv, grpcserver.NewServer(svc))

	go func() {
		<-ctx.Done()
		grpcSrv.GracefulStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("regiongc inspector on %s, metrics on %s\n", cfg.Server.GRPCAddr, cfg.Server.MetricsAddr)

	if err := grpcSrv.Serve(lis); err != nil {
		log.Printf("gRPC server exited: %v", err)
	}
}

// terminalOut colours output on a terminal, Windows consoles included.
func terminalOut() io.Writer {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return &prefixWriter{w: colorable.NewColorableStdout(), prefix: "\x1b[36m", suffix: "\x1b[0m"}
	}
	return os.Stdout
}

type prefixWriter struct {
	w              io.Writer
	prefix, suffix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	if _, err := io.WriteString(p.w, p.prefix); err != nil {
		return 0, err
	}
	n, err := p.w.Write(b)
	if err != nil {
		return n, err
	}
	_, err = io.WriteString(p.w, p.suffix)
	return n, err
}

func newSender(b config.Broker) broadcaster.Sender {
	switch b.Client {
	case "sarama":
		s, err := broadcaster.NewSaramaSender(b.Brokers, b.Topic)
		if err != nil {
			log.Fatalf("sarama producer: %v", err)
		}
		return s
	case "kafka-go":
		p, err := kafka.NewProducer(kafka.Config{Brokers: b.Brokers, Topic: b.Topic})
		if err != nil {
			log.Fatalf("kafka producer: %v", err)
		}
		return p
	}
	return nil
}

// runMutator churns a fixed set of roots: every step allocates a node,
// links it to a random root's current value and replaces another root with
// it. One link in eight is cut so lists stay short and most nodes die young.
// Every 64th step also allocates a short-lived reference array and offers it
// to the intern table, whose entries drop once their array dies.
func runMutator(ctx context.Context, svc *service.HeapService, node, refs heap.ShapeRef, cfg config.Mutator, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	slots := make([]int, cfg.LiveSet)
	for i := range slots {
		slots[i] = svc.PushRoot(heap.Null)
	}

	for step := 0; ctx.Err() == nil; step++ {
		err := svc.Mutate(func(m service.Mutator) error {
			kind := heap.KindYoung
			if rng.Intn(16) == 0 {
				kind = heap.KindOld
			}
			obj, err := m.Allocate(kind, node)
			if err != nil {
				return err
			}
			if rng.Intn(8) != 0 {
				m.SetField(obj, 1, m.Root(slots[rng.Intn(len(slots))]))
			}
			m.SetField(obj, 3, heap.MakeInt(int64(step)))
			m.SetRoot(slots[rng.Intn(len(slots))], heap.Ref(obj))

			if step%64 == 0 {
				arr, err := m.AllocateArray(heap.KindYoung, refs, 16)
				if err != nil {
					return err
				}
				m.SetField(arr, shape.ArrayHeaderWords, m.Root(slots[0]))
				m.Intern(fmt.Sprintf("refs/%d", step/64%8), heap.Ref(arr))
			}
			return nil
		})
		if err != nil {
			log.Printf("[mutator %d] stopped: %v", seed, err)
			return
		}
		if cfg.Pause > 0 && step%256 == 0 {
			time.Sleep(cfg.Pause)
		}
	}
}
