package grpcserver

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"regiongc/domain/gc"
	"regiongc/domain/heap"
	"regiongc/domain/shape"
	"regiongc/service"
)

func newInspector(t *testing.T) (*InspectorClient, *service.HeapService, heap.ShapeRef) {
	t.Helper()
	const regionSize = 4096
	mem, err := heap.NewMemory(1<<32, make([]uint64, 32*regionSize/heap.WordSize))
	if err != nil {
		t.Fatal(err)
	}
	shapes := shape.NewTable()
	node, err := shapes.RegisterFixed("node", 4, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	h, err := heap.New(mem, shapes, heap.Options{RegionSize: regionSize})
	if err != nil {
		t.Fatal(err)
	}
	rt := gc.NewRuntime(h, gc.Options{})
	t.Cleanup(rt.Close)
	svc := service.New(rt, shapes, nil, nil, service.Config{})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterInspectorServer(srv, NewServer(svc))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewInspectorClient(conn), svc, node
}

func TestCollectOverRPC(t *testing.T) {
	client, svc, node := newInspector(t)
	obj, err := svc.Allocate(heap.KindYoung, node)
	if err != nil {
		t.Fatal(err)
	}
	svc.PushRoot(heap.Ref(obj))

	res, err := client.Collect(context.Background(), "young", "operator")
	if err != nil {
		t.Fatal(err)
	}
	f := res.GetFields()
	if f["kind"].GetStringValue() != "young" || f["cause"].GetStringValue() != "operator" {
		t.Fatalf("response = %v", res)
	}
	if f["objects_alive"].GetNumberValue() != 1 || f["id"].GetNumberValue() != 1 {
		t.Fatalf("response = %v", res)
	}
}

func TestCollectRejectsUnknownKind(t *testing.T) {
	client, _, _ := newInspector(t)
	_, err := client.Collect(context.Background(), "sideways", "")
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v", err)
	}
}

func TestCollectWithoutKindUsesSelector(t *testing.T) {
	client, svc, _ := newInspector(t)
	if _, err := client.Collect(context.Background(), "", ""); err != nil {
		t.Fatal(err)
	}
	if svc.Stats().Cycles[gc.Young] != 1 {
		t.Fatalf("selector on an empty heap did not pick young: %v", svc.Stats().Cycles)
	}
}

func TestStatsRegionsAndVerify(t *testing.T) {
	client, svc, node := newInspector(t)
	obj, err := svc.Allocate(heap.KindOld, node)
	if err != nil {
		t.Fatal(err)
	}
	svc.PushRoot(heap.Ref(obj))
	client.Collect(context.Background(), "mixed", "")

	stats, err := client.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	cycles := stats.GetFields()["cycles"].GetStructValue().GetFields()
	if cycles["mixed"].GetNumberValue() != 1 {
		t.Fatalf("stats = %v", stats)
	}
	if stats.GetFields()["last"].GetStructValue().GetFields()["kind"].GetStringValue() != "mixed" {
		t.Fatalf("last cycle = %v", stats.GetFields()["last"])
	}
	if stats.GetFields()["roots"].GetNumberValue() != 1 || stats.GetFields()["sweeping"].GetBoolValue() {
		t.Fatalf("root and sweep state = %v", stats)
	}
	if _, ok := stats.GetFields()["interned"]; !ok {
		t.Fatalf("stats lack the intern table size")
	}

	regions, err := client.Regions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	list := regions.GetFields()["regions"].GetListValue().GetValues()
	if len(list) != 1 || list[0].GetStructValue().GetFields()["kind"].GetStringValue() != "old" {
		t.Fatalf("regions = %v", regions)
	}

	v, err := client.Verify(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !v.GetFields()["ok"].GetBoolValue() {
		t.Fatalf("verify = %v", v)
	}
}
