package rpc

import (
	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
)

// Version is the only request envelope version understood.
const Version = 1

// Envelope is embedded in every request.
type Envelope struct {
	Version int `json:"version"`
}

func envelope() Envelope { return Envelope{Version: Version} }

type GetVersionRequest struct {
	Envelope
}

type GetVersionResponse struct {
	storage.Version
}

type AllocateBucketsRequest struct {
	Envelope
	Passes        []pass.Pass `json:"passes"`
	StorageIndex  string      `json:"storage-index"`
	RenewSecret   string      `json:"renew-secret"`
	CancelSecret  string      `json:"cancel-secret"`
	ShareNumbers  []int       `json:"share-numbers"`
	AllocatedSize int64       `json:"allocated-size"`
}

type AllocateBucketsResponse struct {
	storage.AllocateResult
}

type WriteBucketRequest struct {
	Envelope
	StorageIndex string `json:"storage-index"`
	ShareNumber  int    `json:"share-number"`
	Offset       int64  `json:"offset"`
	Data         []byte `json:"data"`
}

type CloseBucketRequest struct {
	Envelope
	StorageIndex string `json:"storage-index"`
	ShareNumber  int    `json:"share-number"`
}

type Empty struct{}

type GetBucketsRequest struct {
	Envelope
	StorageIndex string `json:"storage-index"`
}

type GetBucketsResponse struct {
	Shares map[int][]byte `json:"shares"`
}

type AddLeaseRequest struct {
	Envelope
	Passes       []pass.Pass `json:"passes"`
	StorageIndex string      `json:"storage-index"`
	RenewSecret  string      `json:"renew-secret"`
	CancelSecret string      `json:"cancel-secret"`
}

type ShareSizesRequest struct {
	Envelope
	StorageIndex string `json:"storage-index"`
	ShareNumbers []int  `json:"share-numbers,omitempty"`
}

type ShareSizesResponse struct {
	Sizes map[int]int64 `json:"sizes"`
}

type StatSharesRequest struct {
	Envelope
	StorageIndexes []string `json:"storage-indexes"`
}

type StatSharesResponse struct {
	Stats []map[int]storage.ShareStat `json:"stats"`
}

type SlotReadvRequest struct {
	Envelope
	StorageIndex string               `json:"storage-index"`
	ShareNumbers []int                `json:"share-numbers,omitempty"`
	ReadVector   []storage.ReadVector `json:"read-vector"`
}

type SlotReadvResponse struct {
	Data map[int][][]byte `json:"data"`
}

type SlotWriteRequest struct {
	Envelope
	Passes           []pass.Pass                      `json:"passes"`
	StorageIndex     string                           `json:"storage-index"`
	Secrets          storage.SlotSecrets              `json:"secrets"`
	TestWriteVectors map[int]storage.TestWriteVectors `json:"test-write-vectors"`
	ReadVector       []storage.ReadVector             `json:"read-vector"`
}

type SlotWriteResponse struct {
	Success bool             `json:"success"`
	Data    map[int][][]byte `json:"data"`
}

type AdviseCorruptShareRequest struct {
	Envelope
	storage.Corruption
}
