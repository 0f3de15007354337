package grpcserver

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"regiongc/domain/gc"
	"regiongc/service"
)

// Server adapts HeapService to the Inspector gRPC service.
type Server struct {
	svc *service.HeapService
}

func NewServer(svc *service.HeapService) *Server {
	return &Server{svc: svc}
}

// -------------------- Commands --------------------

func (s *Server) Collect(
	ctx context.Context,
	req *structpb.Struct,
) (*structpb.Struct, error) {
	fields := req.GetFields()
	kindName := fields["kind"].GetStringValue()
	cause := fields["cause"].GetStringValue()
	if cause == "" {
		cause = "rpc"
	}

	var (
		stats *gc.CycleStats
		err   error
	)
	if kindName == "" {
		stats, err = s.svc.CollectAuto(cause)
	} else {
		kind, perr := gc.ParseKind(kindName)
		if perr != nil {
			return nil, status.Error(codes.InvalidArgument, perr.Error())
		}
		stats, err = s.svc.Collect(kind, cause)
	}

	log.Printf("[gRPC] Collect kind=%q cause=%q err=%v", kindName, cause, err)

	if errors.Is(err, gc.ErrClosed) {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return toStruct(stats)
}

// -------------------- Queries --------------------

func (s *Server) Stats(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	st := s.svc.Stats()
	cycles := make(map[string]uint64, len(st.Cycles))
	for k, n := range st.Cycles {
		cycles[k.String()] = n
	}
	return toStruct(map[string]any{
		"heap":         st.Heap,
		"last":         st.Last,
		"cycles":       cycles,
		"roots":        st.Roots,
		"handles":      st.Handles,
		"weak_handles": st.WeakHandles,
		"interned":     st.Interned,
		"sweeping":     st.Sweeping,
	})
}

func (s *Server) Regions(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	regions := s.svc.Regions()

	out := make([]map[string]any, 0, len(regions))
	for _, r := range regions {
		out = append(out, map[string]any{
			"id":         r.ID,
			"kind":       r.Kind.String(),
			"begin":      r.Begin.String(),
			"top":        r.Top.String(),
			"end":        r.End.String(),
			"live_bytes": r.LiveBytes,
			"free_bytes": r.FreeBytes,
			"objects":    r.Objects,
			"flags":      r.Flags,
		})
	}
	return toStruct(map[string]any{"regions": out})
}

func (s *Server) Verify(
	ctx context.Context,
	_ *emptypb.Empty,
) (*structpb.Struct, error) {
	res := map[string]any{"ok": true}
	if err := s.svc.Verify(); err != nil {
		res = map[string]any{"ok": false, "error": err.Error()}
	}
	return structpb.NewStruct(res)
}

// -------------------- Converters --------------------

// toStruct goes through JSON so struct tags and TextMarshalers apply.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
