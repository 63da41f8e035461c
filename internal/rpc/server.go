package rpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
)

// Server exposes a storage.Gateway as the gRPC storage service.
type Server struct {
	gw  *storage.Gateway
	log *zap.Logger
}

func NewServer(gw *storage.Gateway, log *zap.Logger) *Server {
	return &Server{gw: gw, log: log}
}

// NewGRPCServer builds a grpc.Server with logging and panic recovery and
// registers srv on it.
func NewGRPCServer(srv *Server, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)))
	s := grpc.NewServer(opts...)
	RegisterStorageServer(s, srv)
	return s
}

func (s *Server) fail(method string, err error) error {
	st, unexpected := toStatus(err)
	if unexpected {
		s.log.Error("storage operation failed", zap.String("method", method), zap.Error(err))
	}
	return st
}

func checkVersion(e Envelope) error {
	if e.Version != Version {
		return errUnsupportedVersion
	}
	return nil
}

func (s *Server) GetVersion(ctx context.Context, req *GetVersionRequest) (*GetVersionResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	v, err := s.gw.GetVersion(ctx)
	if err != nil {
		return nil, s.fail("GetVersion", err)
	}
	return &GetVersionResponse{Version: v}, nil
}

func (s *Server) AllocateBuckets(ctx context.Context, req *AllocateBucketsRequest) (*AllocateBucketsResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	res, err := s.gw.AllocateBuckets(ctx, req.Passes, req.StorageIndex, req.RenewSecret, req.CancelSecret, req.ShareNumbers, req.AllocatedSize)
	if err != nil {
		return nil, s.fail("AllocateBuckets", err)
	}
	return &AllocateBucketsResponse{AllocateResult: res}, nil
}

func (s *Server) WriteBucket(ctx context.Context, req *WriteBucketRequest) (*Empty, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	if err := s.gw.WriteBucket(ctx, req.StorageIndex, req.ShareNumber, req.Offset, req.Data); err != nil {
		return nil, s.fail("WriteBucket", err)
	}
	return &Empty{}, nil
}

func (s *Server) CloseBucket(ctx context.Context, req *CloseBucketRequest) (*Empty, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	if err := s.gw.CloseBucket(ctx, req.StorageIndex, req.ShareNumber); err != nil {
		return nil, s.fail("CloseBucket", err)
	}
	return &Empty{}, nil
}

func (s *Server) GetBuckets(ctx context.Context, req *GetBucketsRequest) (*GetBucketsResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	shares, err := s.gw.GetBuckets(ctx, req.StorageIndex)
	if err != nil {
		return nil, s.fail("GetBuckets", err)
	}
	return &GetBucketsResponse{Shares: shares}, nil
}

func (s *Server) AddLease(ctx context.Context, req *AddLeaseRequest) (*Empty, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	if err := s.gw.AddLease(ctx, req.Passes, req.StorageIndex, req.RenewSecret, req.CancelSecret); err != nil {
		return nil, s.fail("AddLease", err)
	}
	return &Empty{}, nil
}

func (s *Server) ShareSizes(ctx context.Context, req *ShareSizesRequest) (*ShareSizesResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	sizes, err := s.gw.ShareSizes(ctx, req.StorageIndex, req.ShareNumbers)
	if err != nil {
		return nil, s.fail("ShareSizes", err)
	}
	return &ShareSizesResponse{Sizes: sizes}, nil
}

func (s *Server) StatShares(ctx context.Context, req *StatSharesRequest) (*StatSharesResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	stats, err := s.gw.StatShares(ctx, req.StorageIndexes)
	if err != nil {
		return nil, s.fail("StatShares", err)
	}
	return &StatSharesResponse{Stats: stats}, nil
}

func (s *Server) SlotReadv(ctx context.Context, req *SlotReadvRequest) (*SlotReadvResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	data, err := s.gw.SlotReadv(ctx, req.StorageIndex, req.ShareNumbers, req.ReadVector)
	if err != nil {
		return nil, s.fail("SlotReadv", err)
	}
	return &SlotReadvResponse{Data: data}, nil
}

func (s *Server) SlotTestvAndReadvAndWritev(ctx context.Context, req *SlotWriteRequest) (*SlotWriteResponse, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	ok, data, err := s.gw.SlotTestvAndReadvAndWritev(ctx, req.Passes, req.StorageIndex, req.Secrets, req.TestWriteVectors, req.ReadVector)
	if err != nil {
		return nil, s.fail("SlotTestvAndReadvAndWritev", err)
	}
	return &SlotWriteResponse{Success: ok, Data: data}, nil
}

func (s *Server) AdviseCorruptShare(ctx context.Context, req *AdviseCorruptShareRequest) (*Empty, error) {
	if err := checkVersion(req.Envelope); err != nil {
		return nil, err
	}
	if err := s.gw.AdviseCorruptShare(ctx, req.Corruption); err != nil {
		return nil, s.fail("AdviseCorruptShare", err)
	}
	return &Empty{}, nil
}
