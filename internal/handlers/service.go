package handlers

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of permgate.v1.PermissionService.
const (
	PermissionServiceName    = "permgate.v1.PermissionService"
	EvaluateFullMethodName   = "/" + PermissionServiceName + "/Evaluate"
	InvalidateFullMethodName = "/" + PermissionServiceName + "/Invalidate"
)

// PermissionServiceServer is the server API for permgate.v1.PermissionService.
// Messages are google.protobuf.Struct so that clients need no generated code.
type PermissionServiceServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Invalidate(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPermissionServiceServer registers srv with s.
func RegisterPermissionServiceServer(s grpc.ServiceRegistrar, srv PermissionServiceServer) {
	s.RegisterService(&PermissionServiceDesc, srv)
}

// PermissionServiceDesc is the grpc.ServiceDesc for permgate.v1.PermissionService.
var PermissionServiceDesc = grpc.ServiceDesc{
	ServiceName: PermissionServiceName,
	HandlerType: (*PermissionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "Invalidate", Handler: invalidateHandler},
	},
	Streams: []grpc.StreamDesc{},
}

func evaluateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PermissionServiceServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PermissionServiceServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func invalidateHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PermissionServiceServer).Invalidate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: InvalidateFullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PermissionServiceServer).Invalidate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PermissionServiceClient is the client API for permgate.v1.PermissionService.
type PermissionServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewPermissionServiceClient creates a client on cc.
func NewPermissionServiceClient(cc grpc.ClientConnInterface) *PermissionServiceClient {
	return &PermissionServiceClient{cc: cc}
}

// Evaluate calls PermissionService.Evaluate.
func (c *PermissionServiceClient) Evaluate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Invalidate calls PermissionService.Invalidate.
func (c *PermissionServiceClient) Invalidate(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, InvalidateFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
