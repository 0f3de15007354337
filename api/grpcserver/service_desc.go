package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// The Inspector messages are well-known types, so the service needs no
// generated code: this file is what protoc-gen-go-grpc would emit for
//
//	service Inspector {
//	  rpc Stats(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Regions(google.protobuf.Empty) returns (google.protobuf.Struct);
//	  rpc Collect(google.protobuf.Struct) returns (google.protobuf.Struct);
//	  rpc Verify(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}

const serviceName = "regiongc.Inspector"

type InspectorServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Regions(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Collect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Verify(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterInspectorServer(s grpc.ServiceRegistrar, srv InspectorServer) {
	s.RegisterService(&InspectorServiceDesc, srv)
}

var InspectorServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*InspectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: emptyHandler("Stats", InspectorServer.Stats)},
		{MethodName: "Regions", Handler: emptyHandler("Regions", InspectorServer.Regions)},
		{MethodName: "Collect", Handler: collectHandler},
		{MethodName: "Verify", Handler: emptyHandler("Verify", InspectorServer.Verify)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "regiongc/inspector.proto",
}

type emptyMethod func(InspectorServer, context.Context, *emptypb.Empty) (*structpb.Struct, error)

func emptyHandler(name string, call emptyMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(InspectorServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(InspectorServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func collectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InspectorServer).Collect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Collect"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(InspectorServer).Collect(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// -------------------- Client --------------------

type InspectorClient struct {
	cc grpc.ClientConnInterface
}

func NewInspectorClient(cc grpc.ClientConnInterface) *InspectorClient {
	return &InspectorClient{cc: cc}
}

func (c *InspectorClient) Stats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Stats", &emptypb.Empty{}, opts)
}

func (c *InspectorClient) Regions(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Regions", &emptypb.Empty{}, opts)
}

// Collect asks for a cycle of kind ("young", "mixed", "full"); an empty
// kind lets the selector decide.
func (c *InspectorClient) Collect(ctx context.Context, kind, cause string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(map[string]any{"kind": kind, "cause": cause})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, "Collect", in, opts)
}

func (c *InspectorClient) Verify(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Verify", &emptypb.Empty{}, opts)
}

func (c *InspectorClient) invoke(ctx context.Context, method string, in any, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
