package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Messages are protobuf well-known types: requests and responses are
// structpb.Struct documents with the JSON field names of the store package.

const (
	DetectService_Detect_FullMethodName           = "/pickledet.DetectService/Detect"
	DetectService_DetectBatch_FullMethodName      = "/pickledet.DetectService/DetectBatch"
	DetectService_PerformanceStats_FullMethodName = "/pickledet.DetectService/PerformanceStats"
	DetectService_AssessQuality_FullMethodName    = "/pickledet.DetectService/AssessQuality"
	DetectService_Shutdown_FullMethodName         = "/pickledet.DetectService/Shutdown"
)

type DetectServiceServer interface {
	Detect(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DetectBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PerformanceStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	AssessQuality(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

func unaryHandler[Req any, Resp any](fullMethod string, call func(DetectServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(DetectServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(DetectServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "pickledet.DetectService",
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler:    unaryHandler(DetectService_Detect_FullMethodName, DetectServiceServer.Detect),
		},
		{
			MethodName: "DetectBatch",
			Handler:    unaryHandler(DetectService_DetectBatch_FullMethodName, DetectServiceServer.DetectBatch),
		},
		{
			MethodName: "PerformanceStats",
			Handler:    unaryHandler(DetectService_PerformanceStats_FullMethodName, DetectServiceServer.PerformanceStats),
		},
		{
			MethodName: "AssessQuality",
			Handler:    unaryHandler(DetectService_AssessQuality_FullMethodName, DetectServiceServer.AssessQuality),
		},
		{
			MethodName: "Shutdown",
			Handler:    unaryHandler(DetectService_Shutdown_FullMethodName, DetectServiceServer.Shutdown),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pickledet/detect.proto",
}

type DetectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) *DetectServiceClient {
	return &DetectServiceClient{cc: cc}
}

func (c *DetectServiceClient) Detect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_Detect_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) DetectBatch(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_DetectBatch_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) PerformanceStats(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_PerformanceStats_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) AssessQuality(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_AssessQuality_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, DetectService_Shutdown_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
