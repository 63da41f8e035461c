package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/pass"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
)

// MaxPasses caps the passes accepted in one call.
const MaxPasses = 1 << 20

const (
	spendAttempts   = 3
	spendRetryDelay = 100 * time.Millisecond
)

var ErrTooManyPasses = fmt.Errorf("more than %d passes", MaxPasses)

// MorePassesRequiredError rejects an operation whose passes do not cover
// its price. SignatureCheckFailed holds the indexes of passes that are
// malformed or not signed by an allowed issuer; the client should discard
// those tokens.
type MorePassesRequiredError struct {
	Valid                int
	Required             int
	SignatureCheckFailed []int
}

func (e *MorePassesRequiredError) Error() string {
	return fmt.Sprintf("more passes required: %d valid, %d required, %d failed signature check",
		e.Valid, e.Required, len(e.SignatureCheckFailed))
}

// Gateway is the pass-authorized front of a Backend.
type Gateway struct {
	backend   Backend
	spent     *SpentRegistry
	verifier  *pass.Verifier
	passValue int64
	log       *zap.Logger
}

func NewGateway(backend Backend, spent *SpentRegistry, verifier *pass.Verifier, passValue int64, log *zap.Logger) *Gateway {
	return &Gateway{
		backend:   backend,
		spent:     spent,
		verifier:  verifier,
		passValue: passValue,
		log:       log,
	}
}

// PassValue is the number of share bytes one pass pays for.
func (g *Gateway) PassValue() int64 { return g.passValue }

// Backend exposes the wrapped backend.
func (g *Gateway) Backend() Backend { return g.backend }

// authorize checks passes against the required count and reserves the
// ones it accepts. The returned IDs must be passed to settle.
func (g *Gateway) authorize(ctx context.Context, passes []pass.Pass, required int64) ([]string, error) {
	if required <= 0 {
		return nil, nil
	}
	if len(passes) > MaxPasses {
		return nil, ErrTooManyPasses
	}
	if int64(len(passes)) < required {
		// Not examined.
		return nil, &MorePassesRequiredError{Required: int(required)}
	}

	var (
		ids    []string
		failed []int
	)
	for i, p := range passes {
		if err := g.verifier.Verify(p); err != nil {
			failed = append(failed, i)
			continue
		}
		ids = append(ids, p.ID())
	}

	claimed, err := g.spent.Reserve(ctx, ids)
	if err != nil {
		return nil, err
	}
	accepted := make([]string, 0, len(ids))
	for i, ok := range claimed {
		if ok {
			accepted = append(accepted, ids[i])
		}
	}

	if int64(len(accepted)) < required {
		g.release(ctx, accepted)
		return nil, &MorePassesRequiredError{
			Valid:                len(accepted),
			Required:             int(required),
			SignatureCheckFailed: failed,
		}
	}
	g.release(ctx, accepted[required:])
	return accepted[:required], nil
}

// settle spends reserved passes after a successful operation and
// releases them after a failed one.
func (g *Gateway) settle(ctx context.Context, ids []string, opErr error) {
	if len(ids) == 0 {
		return
	}
	if opErr != nil {
		g.release(ctx, ids)
		return
	}
	// The operation already happened; the spend must land even if the
	// caller has gone away.
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= spendAttempts; attempt++ {
		if err = g.spent.Spend(ctx, ids); err == nil {
			return
		}
		g.log.Warn("spend passes", zap.Int("attempt", attempt), zap.Int("count", len(ids)), zap.Error(err))
		time.Sleep(time.Duration(attempt) * spendRetryDelay)
	}
	// The passes stay reserved, so they cannot be presented again until
	// ReleaseStaleReservations frees them.
	g.log.Error("spend passes after successful operation", zap.Int("count", len(ids)), zap.Error(err))
}

// ReleaseStaleReservations frees passes reserved longer than maxAge ago,
// left behind by requests that never settled.
func (g *Gateway) ReleaseStaleReservations(ctx context.Context, maxAge time.Duration) (int, error) {
	return g.spent.ReleaseStale(ctx, g.spent.now().Add(-maxAge))
}

// RunReservationSweeper calls ReleaseStaleReservations every interval
// until ctx is cancelled.
func (g *Gateway) RunReservationSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.log.Info("reservation sweeper started", zap.Duration("interval", interval), zap.Duration("max_age", maxAge))
	for {
		select {
		case <-ctx.Done():
			g.log.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
			n, err := g.ReleaseStaleReservations(ctx, maxAge)
			if err != nil {
				g.log.Error("release stale reservations", zap.Error(err))
				continue
			}
			if n > 0 {
				g.log.Warn("released stale reservations", zap.Int("count", n))
			}
		}
	}
}

func (g *Gateway) release(ctx context.Context, ids []string) {
	if err := g.spent.Release(ctx, ids); err != nil {
		g.log.Error("release passes", zap.Int("count", len(ids)), zap.Error(err))
	}
}

// ── Unauthorized operations ────────────────────────────────────────────────

func (g *Gateway) GetVersion(ctx context.Context) (Version, error) {
	return g.backend.GetVersion(ctx)
}

func (g *Gateway) WriteBucket(ctx context.Context, si string, shareNum int, offset int64, data []byte) error {
	return g.backend.WriteBucket(ctx, si, shareNum, offset, data)
}

func (g *Gateway) CloseBucket(ctx context.Context, si string, shareNum int) error {
	return g.backend.CloseBucket(ctx, si, shareNum)
}

func (g *Gateway) GetBuckets(ctx context.Context, si string) (map[int][]byte, error) {
	return g.backend.GetBuckets(ctx, si)
}

func (g *Gateway) ShareSizes(ctx context.Context, si string, shareNums []int) (map[int]int64, error) {
	return g.backend.ShareSizes(ctx, si, shareNums)
}

func (g *Gateway) StatShares(ctx context.Context, sis []string) ([]map[int]ShareStat, error) {
	return g.backend.StatShares(ctx, sis)
}

func (g *Gateway) SlotReadv(ctx context.Context, si string, shareNums []int, readv []ReadVector) (map[int][][]byte, error) {
	return g.backend.SlotReadv(ctx, si, shareNums, readv)
}

func (g *Gateway) AdviseCorruptShare(ctx context.Context, c Corruption) error {
	return g.backend.AdviseCorruptShare(ctx, c)
}

// ── Authorized operations ──────────────────────────────────────────────────

// AllocateBuckets charges for the shares that do not exist yet.
func (g *Gateway) AllocateBuckets(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string, shareNums []int, allocatedSize int64) (AllocateResult, error) {
	present, err := g.backend.ShareSizes(ctx, si, nil)
	if err != nil {
		return AllocateResult{}, err
	}
	var sizes []int64
	for _, n := range shareNums {
		if _, ok := present[n]; !ok {
			sizes = append(sizes, allocatedSize)
		}
	}
	required, err := price.RequiredPasses(g.passValue, sizes)
	if err != nil {
		return AllocateResult{}, err
	}
	ids, err := g.authorize(ctx, passes, required)
	if err != nil {
		return AllocateResult{}, err
	}
	res, err := g.backend.AllocateBuckets(ctx, si, renewSecret, cancelSecret, shareNums, allocatedSize)
	g.settle(ctx, ids, err)
	return res, err
}

// AddLease charges for every share of the storage index.
func (g *Gateway) AddLease(ctx context.Context, passes []pass.Pass, si, renewSecret, cancelSecret string) error {
	sizes, err := g.backend.ShareSizes(ctx, si, nil)
	if err != nil {
		return err
	}
	if len(sizes) == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchStorageIndex, si)
	}
	required, err := price.RequiredPasses(g.passValue, mapValues(sizes))
	if err != nil {
		return err
	}
	ids, err := g.authorize(ctx, passes, required)
	if err != nil {
		return err
	}
	err = g.backend.AddLease(ctx, si, renewSecret, cancelSecret)
	g.settle(ctx, ids, err)
	return err
}

// SlotTestvAndReadvAndWritev charges for the growth the writes would
// cause. Writes that do not grow the slot are free.
func (g *Gateway) SlotTestvAndReadvAndWritev(ctx context.Context, passes []pass.Pass, si string, secrets SlotSecrets, tw map[int]TestWriteVectors, readv []ReadVector) (bool, map[int][][]byte, error) {
	current, err := g.backend.ShareSizes(ctx, si, nil)
	if err != nil {
		return false, nil, err
	}
	required, err := RequiredForMutableWrite(g.passValue, current, tw)
	if err != nil {
		return false, nil, err
	}
	ids, err := g.authorize(ctx, passes, required)
	if err != nil {
		return false, nil, err
	}
	ok, reads, err := g.backend.SlotTestvAndReadvAndWritev(ctx, si, secrets, tw, readv)
	if err == nil && !ok {
		// Test vectors failed; nothing was written.
		err = errTestFailed
	}
	g.settle(ctx, ids, err)
	if errors.Is(err, errTestFailed) {
		return false, reads, nil
	}
	return ok, reads, err
}

var errTestFailed = errors.New("test vectors did not match")

// RequiredForMutableWrite is the number of passes needed to grow shares
// from currentSizes by the writes in tw.
func RequiredForMutableWrite(passValue int64, currentSizes map[int]int64, tw map[int]TestWriteVectors) (int64, error) {
	currentPasses, err := price.RequiredPasses(passValue, mapValues(currentSizes))
	if err != nil {
		return 0, err
	}
	newSizes := make(map[int]int64, len(currentSizes)+len(tw))
	for n, size := range currentSizes {
		newSizes[n] = size
	}
	for n, vectors := range tw {
		if implied := impliedDataLength(vectors); implied > newSizes[n] {
			newSizes[n] = implied
		}
	}
	newPasses, err := price.RequiredPasses(passValue, mapValues(newSizes))
	if err != nil {
		return 0, err
	}
	return max(newPasses-currentPasses, 0), nil
}

func impliedDataLength(vectors TestWriteVectors) int64 {
	var end int64
	for _, wv := range vectors.Write {
		end = max(end, wv.Offset+int64(len(wv.Data)))
	}
	if vectors.NewLength != nil {
		return min(end, *vectors.NewLength)
	}
	return end
}

func mapValues(m map[int]int64) []int64 {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	out := make([]int64, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}
