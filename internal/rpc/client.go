package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
)

// Client calls a remote storage service. Its method set mirrors
// storage.Gateway; pass rejections come back as gRPC errors that
// MorePassesRequired decodes.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Dial opens a connection that uses the JSON codec for every call.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append(opts, grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)))
	return grpc.NewClient(target, opts...)
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, fullMethod(method), req, resp, grpc.CallContentSubtype(CodecName))
}

func (c *Client) GetVersion(ctx context.Context) (storage.Version, error) {
	var resp GetVersionResponse
	err := c.invoke(ctx, "GetVersion", &GetVersionRequest{Envelope: envelope()}, &resp)
	return resp.Version, err
}

func (c *Client) AllocateBuckets(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string, shareNums []int, allocatedSize int64) (storage.AllocateResult, error) {
	var resp AllocateBucketsResponse
	err := c.invoke(ctx, "AllocateBuckets", &AllocateBucketsRequest{
		Envelope:      envelope(),
		Passes:        passes,
		StorageIndex:  si,
		RenewSecret:   renewSecret,
		CancelSecret:  cancelSecret,
		ShareNumbers:  shareNums,
		AllocatedSize: allocatedSize,
	}, &resp)
	return resp.AllocateResult, err
}

func (c *Client) WriteBucket(ctx context.Context, si string, shareNum int, offset int64, data []byte) error {
	return c.invoke(ctx, "WriteBucket", &WriteBucketRequest{
		Envelope:     envelope(),
		StorageIndex: si,
		ShareNumber:  shareNum,
		Offset:       offset,
		Data:         data,
	}, &Empty{})
}

func (c *Client) CloseBucket(ctx context.Context, si string, shareNum int) error {
	return c.invoke(ctx, "CloseBucket", &CloseBucketRequest{
		Envelope:     envelope(),
		StorageIndex: si,
		ShareNumber:  shareNum,
	}, &Empty{})
}

func (c *Client) GetBuckets(ctx context.Context, si string) (map[int][]byte, error) {
	var resp GetBucketsResponse
	err := c.invoke(ctx, "GetBuckets", &GetBucketsRequest{Envelope: envelope(), StorageIndex: si}, &resp)
	return resp.Shares, err
}

func (c *Client) AddLease(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string) error {
	return c.invoke(ctx, "AddLease", &AddLeaseRequest{
		Envelope:     envelope(),
		Passes:       passes,
		StorageIndex: si,
		RenewSecret:  renewSecret,
		CancelSecret: cancelSecret,
	}, &Empty{})
}

func (c *Client) ShareSizes(ctx context.Context, si string, shareNums []int) (map[int]int64, error) {
	var resp ShareSizesResponse
	err := c.invoke(ctx, "ShareSizes", &ShareSizesRequest{
		Envelope:     envelope(),
		StorageIndex: si,
		ShareNumbers: shareNums,
	}, &resp)
	return resp.Sizes, err
}

func (c *Client) StatShares(ctx context.Context, sis []string) ([]map[int]storage.ShareStat, error) {
	var resp StatSharesResponse
	err := c.invoke(ctx, "StatShares", &StatSharesRequest{Envelope: envelope(), StorageIndexes: sis}, &resp)
	return resp.Stats, err
}

func (c *Client) SlotReadv(ctx context.Context, si string, shareNums []int, readv []storage.ReadVector) (map[int][][]byte, error) {
	var resp SlotReadvResponse
	err := c.invoke(ctx, "SlotReadv", &SlotReadvRequest{
		Envelope:     envelope(),
		StorageIndex: si,
		ShareNumbers: shareNums,
		ReadVector:   readv,
	}, &resp)
	return resp.Data, err
}

func (c *Client) SlotTestvAndReadvAndWritev(ctx context.Context, passes []pass.Pass, si string, secrets storage.SlotSecrets, tw map[int]storage.TestWriteVectors, readv []storage.ReadVector) (bool, map[int][][]byte, error) {
	var resp SlotWriteResponse
	err := c.invoke(ctx, "SlotTestvAndReadvAndWritev", &SlotWriteRequest{
		Envelope:         envelope(),
		Passes:           passes,
		StorageIndex:     si,
		Secrets:          secrets,
		TestWriteVectors: tw,
		ReadVector:       readv,
	}, &resp)
	return resp.Success, resp.Data, err
}

func (c *Client) AdviseCorruptShare(ctx context.Context, corruption storage.Corruption) error {
	return c.invoke(ctx, "AdviseCorruptShare", &AdviseCorruptShareRequest{
		Envelope:   envelope(),
		Corruption: corruption,
	}, &Empty{})
}
