// Package storage is the pass-authorized storage server.
//
// A Backend holds shares. The Gateway wraps a Backend and requires
// passes, priced by the price package, for every operation that
// allocates space or extends a lease.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNoSpace            = errors.New("insufficient storage space")
	ErrShareTooLarge      = errors.New("share exceeds maximum size")
	ErrNoSuchShare        = errors.New("no such share")
	ErrShareClosed        = errors.New("share already closed")
	ErrWriteOutOfBounds   = errors.New("write beyond allocated size")
	ErrBadWriteEnabler    = errors.New("write enabler mismatch")
	ErrUnsupportedOp      = errors.New("unsupported test vector operator")
	ErrNoSuchStorageIndex = errors.New("no shares for storage index")
)

// Version describes server limits.
type Version struct {
	MaximumImmutableShareSize int64  `json:"maximum-immutable-share-size"`
	MaximumMutableShareSize   int64  `json:"maximum-mutable-share-size"`
	AvailableSpace            int64  `json:"available-space"`
	ApplicationVersion        string `json:"application-version"`
}

// AllocateResult lists which requested shares already existed and which
// were newly allocated.
type AllocateResult struct {
	AlreadyGot []int `json:"already-got"`
	Allocated  []int `json:"allocated"`
}

// ShareStat is a share's size and lease expiration (unix seconds).
type ShareStat struct {
	Size            int64 `json:"size"`
	LeaseExpiration int64 `json:"lease-expiration"`
}

// ReadVector selects Size bytes at Offset.
type ReadVector struct {
	Offset int64 `json:"offset"`
	Size   int64 `json:"size"`
}

// TestVector compares Size bytes at Offset with Specimen.
type TestVector struct {
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Operator string `json:"operator"`
	Specimen []byte `json:"specimen"`
}

// WriteVector writes Data at Offset.
type WriteVector struct {
	Offset int64  `json:"offset"`
	Data   []byte `json:"data"`
}

// TestWriteVectors is the conditional write for one mutable share.
// NewLength, when set, truncates the share after writing.
type TestWriteVectors struct {
	Test      []TestVector  `json:"test"`
	Write     []WriteVector `json:"write"`
	NewLength *int64        `json:"new-length,omitempty"`
}

// SlotSecrets authorize mutable slot writes and leases.
type SlotSecrets struct {
	WriteEnabler string `json:"write-enabler"`
	RenewSecret  string `json:"renew-secret"`
	CancelSecret string `json:"cancel-secret"`
}

// Corruption is an advisory about a damaged share.
type Corruption struct {
	ShareType    string `json:"share-type"`
	StorageIndex string `json:"storage-index"`
	ShareNumber  int    `json:"share-number"`
	Reason       string `json:"reason"`
}

// Backend is the unauthorized storage contract the Gateway wraps.
type Backend interface {
	GetVersion(ctx context.Context) (Version, error)

	AllocateBuckets(ctx context.Context, storageIndex, renewSecret, cancelSecret string, shareNums []int, allocatedSize int64) (AllocateResult, error)
	WriteBucket(ctx context.Context, storageIndex string, shareNum int, offset int64, data []byte) error
	CloseBucket(ctx context.Context, storageIndex string, shareNum int) error
	GetBuckets(ctx context.Context, storageIndex string) (map[int][]byte, error)

	AddLease(ctx context.Context, storageIndex, renewSecret, cancelSecret string) error

	// ShareSizes returns the size of each requested share, 0 for absent
	// ones. A nil shareNums means every present share.
	ShareSizes(ctx context.Context, storageIndex string, shareNums []int) (map[int]int64, error)

	// StatShares returns, per storage index, the stat of each present
	// share. A storage index with no shares yields an empty map.
	StatShares(ctx context.Context, storageIndexes []string) ([]map[int]ShareStat, error)

	SlotReadv(ctx context.Context, storageIndex string, shareNums []int, readv []ReadVector) (map[int][][]byte, error)
	SlotTestvAndReadvAndWritev(ctx context.Context, storageIndex string, secrets SlotSecrets, tw map[int]TestWriteVectors, readv []ReadVector) (bool, map[int][][]byte, error)

	AdviseCorruptShare(ctx context.Context, c Corruption) error
}
