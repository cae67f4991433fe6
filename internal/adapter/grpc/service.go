package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const serviceName = "mixflow.v1.MixService"

// MixServiceServer is the server API for the mixflow.v1.MixService service.
// Messages are google.protobuf.Struct documents so any gRPC client (grpcurl
// included, through reflection) can call the service without generated stubs.
type MixServiceServer interface {
	StartMix(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PlanMix(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetRun(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(srv MixServiceServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(MixServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + serviceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(MixServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// MixServiceDesc is the grpc.ServiceDesc for the mixflow.v1.MixService service
var MixServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*MixServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StartMix", Handler: unaryHandler("StartMix", MixServiceServer.StartMix)},
		{MethodName: "PlanMix", Handler: unaryHandler("PlanMix", MixServiceServer.PlanMix)},
		{MethodName: "GetRun", Handler: unaryHandler("GetRun", MixServiceServer.GetRun)},
		{MethodName: "ListRuns", Handler: unaryHandler("ListRuns", MixServiceServer.ListRuns)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mixflow/v1/mixflow.proto",
}

// RegisterMixServiceServer registers srv on s
func RegisterMixServiceServer(s grpc.ServiceRegistrar, srv MixServiceServer) {
	s.RegisterService(&MixServiceDesc, srv)
}

// MixServiceClient is the client API for the mixflow.v1.MixService service
type MixServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewMixServiceClient creates a client on top of an existing connection
func NewMixServiceClient(cc grpc.ClientConnInterface) *MixServiceClient {
	return &MixServiceClient{cc: cc}
}

func (c *MixServiceClient) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// StartMix runs a mix and returns its report
func (c *MixServiceClient) StartMix(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "StartMix", req, opts...)
}

// PlanMix returns the transfer schedule of a mix without moving funds
func (c *MixServiceClient) PlanMix(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "PlanMix", req, opts...)
}

// GetRun returns a stored run report
func (c *MixServiceClient) GetRun(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetRun", req, opts...)
}

// ListRuns returns stored run reports, newest first
func (c *MixServiceClient) ListRuns(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListRuns", req, opts...)
}
