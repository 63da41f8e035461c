package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "zkap.storage.v1.Storage"

// StorageServer is implemented by the gRPC storage service.
type StorageServer interface {
	GetVersion(context.Context, *GetVersionRequest) (*GetVersionResponse, error)
	AllocateBuckets(context.Context, *AllocateBucketsRequest) (*AllocateBucketsResponse, error)
	WriteBucket(context.Context, *WriteBucketRequest) (*Empty, error)
	CloseBucket(context.Context, *CloseBucketRequest) (*Empty, error)
	GetBuckets(context.Context, *GetBucketsRequest) (*GetBucketsResponse, error)
	AddLease(context.Context, *AddLeaseRequest) (*Empty, error)
	ShareSizes(context.Context, *ShareSizesRequest) (*ShareSizesResponse, error)
	StatShares(context.Context, *StatSharesRequest) (*StatSharesResponse, error)
	SlotReadv(context.Context, *SlotReadvRequest) (*SlotReadvResponse, error)
	SlotTestvAndReadvAndWritev(context.Context, *SlotWriteRequest) (*SlotWriteResponse, error)
	AdviseCorruptShare(context.Context, *AdviseCorruptShareRequest) (*Empty, error)
}

// ServiceDesc describes the storage service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StorageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetVersion", StorageServer.GetVersion),
		unary("AllocateBuckets", StorageServer.AllocateBuckets),
		unary("WriteBucket", StorageServer.WriteBucket),
		unary("CloseBucket", StorageServer.CloseBucket),
		unary("GetBuckets", StorageServer.GetBuckets),
		unary("AddLease", StorageServer.AddLease),
		unary("ShareSizes", StorageServer.ShareSizes),
		unary("StatShares", StorageServer.StatShares),
		unary("SlotReadv", StorageServer.SlotReadv),
		unary("SlotTestvAndReadvAndWritev", StorageServer.SlotTestvAndReadvAndWritev),
		unary("AdviseCorruptShare", StorageServer.AdviseCorruptShare),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zkap/storage/v1",
}

// RegisterStorageServer attaches srv to s.
func RegisterStorageServer(s grpc.ServiceRegistrar, srv StorageServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unary[Req, Resp any](name string, call func(StorageServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StorageServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(StorageServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
