// Package posreservev1 описывает gRPC API общего хранилища снимков.
package posreservev1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	SnapshotStore_ServiceName = "posreserve.v1.SnapshotStore"

	SnapshotStore_LoadAll_FullMethodName        = "/posreserve.v1.SnapshotStore/LoadAll"
	SnapshotStore_PutSnapshot_FullMethodName    = "/posreserve.v1.SnapshotStore/PutSnapshot"
	SnapshotStore_DeleteSnapshot_FullMethodName = "/posreserve.v1.SnapshotStore/DeleteSnapshot"
)

// SnapshotStoreClient: клиентский API хранилища снимков.
type SnapshotStoreClient interface {
	LoadAll(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	PutSnapshot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	DeleteSnapshot(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type snapshotStoreClient struct {
	cc grpc.ClientConnInterface
}

// NewSnapshotStoreClient создаёт клиента поверх соединения.
func NewSnapshotStoreClient(cc grpc.ClientConnInterface) SnapshotStoreClient {
	return &snapshotStoreClient{cc: cc}
}

func (c *snapshotStoreClient) LoadAll(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, SnapshotStore_LoadAll_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *snapshotStoreClient) PutSnapshot(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, SnapshotStore_PutSnapshot_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *snapshotStoreClient) DeleteSnapshot(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, SnapshotStore_DeleteSnapshot_FullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SnapshotStoreServer: серверная сторона хранилища снимков.
type SnapshotStoreServer interface {
	LoadAll(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	PutSnapshot(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	DeleteSnapshot(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// UnimplementedSnapshotStoreServer встраивается в реализации для совместимости вперёд.
type UnimplementedSnapshotStoreServer struct{}

func (UnimplementedSnapshotStoreServer) LoadAll(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method LoadAll not implemented")
}

func (UnimplementedSnapshotStoreServer) PutSnapshot(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PutSnapshot not implemented")
}

func (UnimplementedSnapshotStoreServer) DeleteSnapshot(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteSnapshot not implemented")
}

// RegisterSnapshotStoreServer регистрирует реализацию на gRPC-сервере.
func RegisterSnapshotStoreServer(s grpc.ServiceRegistrar, srv SnapshotStoreServer) {
	s.RegisterService(&SnapshotStore_ServiceDesc, srv)
}

func _SnapshotStore_LoadAll_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotStoreServer).LoadAll(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotStore_LoadAll_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SnapshotStoreServer).LoadAll(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _SnapshotStore_PutSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotStoreServer).PutSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotStore_PutSnapshot_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SnapshotStoreServer).PutSnapshot(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func _SnapshotStore_DeleteSnapshot_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SnapshotStoreServer).DeleteSnapshot(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SnapshotStore_DeleteSnapshot_FullMethodName}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SnapshotStoreServer).DeleteSnapshot(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// SnapshotStore_ServiceDesc: описание сервиса для grpc.ServiceRegistrar.
var SnapshotStore_ServiceDesc = grpc.ServiceDesc{
	ServiceName: SnapshotStore_ServiceName,
	HandlerType: (*SnapshotStoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadAll", Handler: _SnapshotStore_LoadAll_Handler},
		{MethodName: "PutSnapshot", Handler: _SnapshotStore_PutSnapshot_Handler},
		{MethodName: "DeleteSnapshot", Handler: _SnapshotStore_DeleteSnapshot_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "posreserve/v1/snapshot_store.proto",
}
