// Package client spends ledger tokens on pass-authorized storage calls.
//
// Every gated call reserves tokens, presents them as passes and settles
// them according to the outcome: spent on success, returned to the pool on
// a failure unrelated to passes, and invalidated when the server reports
// a bad signature.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/rpc"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/storage"
)

// ErrInsufficientTokens means the ledger holds fewer available tokens than
// an operation needs.
var ErrInsufficientTokens = errors.New("not enough tokens available")

// Tokens is the ledger surface the client spends from.
type Tokens interface {
	GetTokens(ctx context.Context, count int) ([]pass.UnblindedToken, error)
	Spend(ctx context.Context, tokens []pass.UnblindedToken) error
	Reset(ctx context.Context, tokens []pass.UnblindedToken) error
	Invalidate(ctx context.Context, tokens []pass.UnblindedToken) error
	TrackStorageIndex(ctx context.Context, storageIndex string) error
}

// Storage is the pass-authorized storage service. Both *rpc.Client and
// *storage.Gateway implement it.
type Storage interface {
	AllocateBuckets(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string, shareNums []int, allocatedSize int64) (storage.AllocateResult, error)
	AddLease(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string) error
	SlotTestvAndReadvAndWritev(ctx context.Context, passes []pass.Pass, si string, secrets storage.SlotSecrets, tw map[int]storage.TestWriteVectors, readv []storage.ReadVector) (bool, map[int][][]byte, error)
	ShareSizes(ctx context.Context, si string, shareNums []int) (map[int]int64, error)
	StatShares(ctx context.Context, sis []string) ([]map[int]storage.ShareStat, error)
}

type Config struct {
	PassValue int64
	// LeaseSecret seeds the per-storage-index renew and cancel secrets.
	LeaseSecret []byte
	// MaxAttempts bounds retries after MORE_PASSES_REQUIRED. Default 3.
	MaxAttempts int
}

type Client struct {
	tokens Tokens
	remote Storage
	cfg    Config
	log    *zap.Logger
}

func New(tokens Tokens, remote Storage, cfg Config, log *zap.Logger) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Client{tokens: tokens, remote: remote, cfg: cfg, log: log}
}

// LeaseSecrets derives the renew and cancel secrets for a storage index.
func (c *Client) LeaseSecrets(si string) (renew, cancel string) {
	derive := func(tag string) string {
		return hex.EncodeToString(crypto.Keccak256([]byte(tag), c.cfg.LeaseSecret, []byte(si)))
	}
	return derive("lease-renew"), derive("lease-cancel")
}

// AllocateBuckets pays for the shares not yet present and tracks the
// storage index for lease maintenance.
func (c *Client) AllocateBuckets(ctx context.Context, si string, shareNums []int, allocatedSize int64) (storage.AllocateResult, error) {
	present, err := c.remote.ShareSizes(ctx, si, nil)
	if err != nil {
		return storage.AllocateResult{}, fmt.Errorf("allocate buckets: share sizes: %w", err)
	}
	var sizes []int64
	for _, n := range shareNums {
		if _, ok := present[n]; !ok {
			sizes = append(sizes, allocatedSize)
		}
	}
	required, err := price.RequiredPasses(c.cfg.PassValue, sizes)
	if err != nil {
		return storage.AllocateResult{}, fmt.Errorf("allocate buckets: %w", err)
	}

	renew, cancel := c.LeaseSecrets(si)
	var res storage.AllocateResult
	err = c.withPasses(ctx, "allocate_buckets", int(required), func(passes []pass.Pass) error {
		var err error
		res, err = c.remote.AllocateBuckets(ctx, passes, si, renew, cancel, shareNums, allocatedSize)
		return err
	})
	if err != nil {
		return storage.AllocateResult{}, err
	}
	if err := c.tokens.TrackStorageIndex(ctx, si); err != nil {
		c.log.Warn("track storage index", zap.String("storage_index", si), zap.Error(err))
	}
	return res, nil
}

// AddLease renews the lease on every share of si.
func (c *Client) AddLease(ctx context.Context, si string) error {
	sizes, err := c.remote.ShareSizes(ctx, si, nil)
	if err != nil {
		return fmt.Errorf("add lease: share sizes: %w", err)
	}
	if len(sizes) == 0 {
		return fmt.Errorf("add lease: %w: %s", storage.ErrNoSuchStorageIndex, si)
	}
	all := make([]int64, 0, len(sizes))
	for _, size := range sizes {
		all = append(all, size)
	}
	required, err := price.RequiredPasses(c.cfg.PassValue, all)
	if err != nil {
		return fmt.Errorf("add lease: %w", err)
	}
	renew, cancel := c.LeaseSecrets(si)
	return c.withPasses(ctx, "add_lease", int(required), func(passes []pass.Pass) error {
		return c.remote.AddLease(ctx, passes, si, renew, cancel)
	})
}

// SlotWrite applies a conditional mutable write, paying for any growth.
func (c *Client) SlotWrite(ctx context.Context, si, writeEnabler string, tw map[int]storage.TestWriteVectors, readv []storage.ReadVector) (bool, map[int][][]byte, error) {
	current, err := c.remote.ShareSizes(ctx, si, nil)
	if err != nil {
		return false, nil, fmt.Errorf("slot write: share sizes: %w", err)
	}
	required, err := storage.RequiredForMutableWrite(c.cfg.PassValue, current, tw)
	if err != nil {
		return false, nil, fmt.Errorf("slot write: %w", err)
	}

	renew, cancel := c.LeaseSecrets(si)
	secrets := storage.SlotSecrets{WriteEnabler: writeEnabler, RenewSecret: renew, CancelSecret: cancel}
	var (
		ok    bool
		reads map[int][][]byte
	)
	err = c.withPasses(ctx, "slot_write", int(required), func(passes []pass.Pass) error {
		var err error
		ok, reads, err = c.remote.SlotTestvAndReadvAndWritev(ctx, passes, si, secrets, tw, readv)
		return err
	})
	if err != nil {
		return false, nil, err
	}
	if ok {
		if err := c.tokens.TrackStorageIndex(ctx, si); err != nil {
			c.log.Warn("track storage index", zap.String("storage_index", si), zap.Error(err))
		}
	}
	return ok, reads, nil
}

// withPasses reserves count tokens and runs call with them as passes,
// settling the tokens by outcome. A MORE_PASSES_REQUIRED rejection
// invalidates the passes that failed signature checks and retries.
func (c *Client) withPasses(ctx context.Context, op string, count int, call func([]pass.Pass) error) error {
	if count == 0 {
		return call(nil)
	}
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		tokens, err := c.tokens.GetTokens(ctx, count)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if len(tokens) < count {
			c.reset(ctx, tokens)
			return fmt.Errorf("%s: %w: have %d, need %d", op, ErrInsufficientTokens, len(tokens), count)
		}
		passes, err := pass.Passes(tokens)
		if err != nil {
			c.invalidate(ctx, tokens)
			return fmt.Errorf("%s: %w", op, err)
		}

		err = call(passes)
		if err == nil {
			if err := c.tokens.Spend(ctx, tokens); err != nil {
				c.log.Error("spend tokens after successful call", zap.String("op", op), zap.Int("count", len(tokens)), zap.Error(err))
			}
			return nil
		}

		mpr, ok := morePassesRequired(err)
		if !ok {
			c.reset(ctx, tokens)
			return fmt.Errorf("%s: %w", op, err)
		}
		bad := make(map[int]bool, len(mpr.SignatureCheckFailed))
		for _, i := range mpr.SignatureCheckFailed {
			bad[i] = true
		}
		var invalid, rest []pass.UnblindedToken
		for i, t := range tokens {
			if bad[i] {
				invalid = append(invalid, t)
			} else {
				rest = append(rest, t)
			}
		}
		c.invalidate(ctx, invalid)
		c.reset(ctx, rest)
		c.log.Warn("passes rejected",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Int("valid", mpr.Valid),
			zap.Int("required", mpr.Required),
			zap.Int("signature_check_failed", len(invalid)),
		)
		count = max(count, mpr.Required)
		lastErr = err
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", op, c.cfg.MaxAttempts, lastErr)
}

func (c *Client) reset(ctx context.Context, tokens []pass.UnblindedToken) {
	if len(tokens) == 0 {
		return
	}
	if err := c.tokens.Reset(ctx, tokens); err != nil {
		c.log.Error("reset tokens", zap.Int("count", len(tokens)), zap.Error(err))
	}
}

func (c *Client) invalidate(ctx context.Context, tokens []pass.UnblindedToken) {
	if len(tokens) == 0 {
		return
	}
	if err := c.tokens.Invalidate(ctx, tokens); err != nil {
		c.log.Error("invalidate tokens", zap.Int("count", len(tokens)), zap.Error(err))
	}
}

// morePassesRequired recognizes the rejection from a local gateway or
// from the gRPC service.
func morePassesRequired(err error) (*storage.MorePassesRequiredError, bool) {
	var mpr *storage.MorePassesRequiredError
	if errors.As(err, &mpr) {
		return mpr, true
	}
	return rpc.MorePassesRequired(err)
}
