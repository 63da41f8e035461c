package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
	"github.com/0gfoundation/0g-zkap-authorizer/internal/price"
)

const keyPrefix = "zkap:storage:"

const (
	kindImmutable = "immutable"
	kindMutable   = "mutable"
)

func sharesKey(si string) string { return keyPrefix + "shares:" + si }
func metaKey(si string, n int) string {
	return keyPrefix + "meta:" + si + ":" + strconv.Itoa(n)
}
func dataKey(si string, n int) string {
	return keyPrefix + "data:" + si + ":" + strconv.Itoa(n)
}
func leaseKey(si string) string { return keyPrefix + "lease:" + si }
func slotKey(si string) string  { return keyPrefix + "slot:" + si }

const (
	usedKey    = keyPrefix + "used"
	corruptKey = keyPrefix + "corrupt"
)

// RedisConfig holds the limits of a RedisBackend.
type RedisConfig struct {
	Capacity        int64
	MaxShareSize    int64
	LeaseDuration   time.Duration
	ApplicationName string
	Clock           clock.Clock
}

// RedisBackend stores shares in Redis: share bytes as strings written
// with SETRANGE, share metadata and leases as hashes.
type RedisBackend struct {
	rdb *redis.Client
	cfg RedisConfig
}

func NewRedisBackend(rdb *redis.Client, cfg RedisConfig) *RedisBackend {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = price.LeasePeriod
	}
	if cfg.MaxShareSize <= 0 {
		cfg.MaxShareSize = 1 << 30
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1 << 40
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &RedisBackend{rdb: rdb, cfg: cfg}
}

func (b *RedisBackend) GetVersion(ctx context.Context) (Version, error) {
	used, err := b.used(ctx)
	if err != nil {
		return Version{}, err
	}
	return Version{
		MaximumImmutableShareSize: b.cfg.MaxShareSize,
		MaximumMutableShareSize:   b.cfg.MaxShareSize,
		AvailableSpace:            max(b.cfg.Capacity-used, 0),
		ApplicationVersion:        b.cfg.ApplicationName,
	}, nil
}

func (b *RedisBackend) used(ctx context.Context) (int64, error) {
	used, err := b.rdb.Get(ctx, usedKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return used, err
}

func (b *RedisBackend) AllocateBuckets(ctx context.Context, si, renewSecret, cancelSecret string, shareNums []int, allocatedSize int64) (AllocateResult, error) {
	if allocatedSize > b.cfg.MaxShareSize {
		return AllocateResult{}, fmt.Errorf("%w: %d > %d", ErrShareTooLarge, allocatedSize, b.cfg.MaxShareSize)
	}
	present, err := b.shareNums(ctx, si)
	if err != nil {
		return AllocateResult{}, err
	}
	res := AllocateResult{AlreadyGot: []int{}, Allocated: []int{}}
	var fresh []int
	for _, n := range shareNums {
		if slices.Contains(present, n) {
			res.AlreadyGot = append(res.AlreadyGot, n)
		} else {
			fresh = append(fresh, n)
		}
	}

	need := allocatedSize * int64(len(fresh))
	used, err := b.used(ctx)
	if err != nil {
		return AllocateResult{}, err
	}
	if used+need > b.cfg.Capacity {
		return AllocateResult{}, fmt.Errorf("%w: need %d, have %d", ErrNoSpace, need, b.cfg.Capacity-used)
	}

	for _, n := range fresh {
		claimed, err := b.rdb.HSetNX(ctx, metaKey(si, n), "kind", kindImmutable).Result()
		if err != nil {
			return AllocateResult{}, fmt.Errorf("claim share %d: %w", n, err)
		}
		if !claimed {
			res.AlreadyGot = append(res.AlreadyGot, n)
			continue
		}
		_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, metaKey(si, n), "allocated", allocatedSize, "closed", 0)
			pipe.SAdd(ctx, sharesKey(si), n)
			pipe.IncrBy(ctx, usedKey, allocatedSize)
			return nil
		})
		if err != nil {
			return AllocateResult{}, fmt.Errorf("allocate share %d: %w", n, err)
		}
		res.Allocated = append(res.Allocated, n)
	}
	if len(res.Allocated) > 0 || len(res.AlreadyGot) > 0 {
		if err := b.AddLease(ctx, si, renewSecret, cancelSecret); err != nil {
			return AllocateResult{}, err
		}
	}
	slices.Sort(res.AlreadyGot)
	return res, nil
}

func (b *RedisBackend) WriteBucket(ctx context.Context, si string, n int, offset int64, data []byte) error {
	meta, err := b.rdb.HGetAll(ctx, metaKey(si, n)).Result()
	if err != nil {
		return err
	}
	if meta["kind"] != kindImmutable {
		return fmt.Errorf("%w: %s/%d", ErrNoSuchShare, si, n)
	}
	if meta["closed"] == "1" {
		return fmt.Errorf("%w: %s/%d", ErrShareClosed, si, n)
	}
	allocated, _ := strconv.ParseInt(meta["allocated"], 10, 64)
	if offset < 0 || offset+int64(len(data)) > allocated {
		return fmt.Errorf("%w: %d+%d > %d", ErrWriteOutOfBounds, offset, len(data), allocated)
	}
	return b.rdb.SetRange(ctx, dataKey(si, n), offset, string(data)).Err()
}

func (b *RedisBackend) CloseBucket(ctx context.Context, si string, n int) error {
	kind, err := b.rdb.HGet(ctx, metaKey(si, n), "kind").Result()
	if errors.Is(err, redis.Nil) || kind != kindImmutable {
		return fmt.Errorf("%w: %s/%d", ErrNoSuchShare, si, n)
	}
	if err != nil {
		return err
	}
	return b.rdb.HSet(ctx, metaKey(si, n), "closed", 1).Err()
}

func (b *RedisBackend) GetBuckets(ctx context.Context, si string) (map[int][]byte, error) {
	nums, err := b.shareNums(ctx, si)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]byte)
	for _, n := range nums {
		meta, err := b.rdb.HGetAll(ctx, metaKey(si, n)).Result()
		if err != nil {
			return nil, err
		}
		if meta["kind"] != kindImmutable || meta["closed"] != "1" {
			continue
		}
		data, err := b.rdb.Get(ctx, dataKey(si, n)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, err
		}
		out[n] = []byte(data)
	}
	return out, nil
}

func (b *RedisBackend) AddLease(ctx context.Context, si, renewSecret, _ string) error {
	n, err := b.rdb.SCard(ctx, sharesKey(si)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchStorageIndex, si)
	}
	exp := b.cfg.Clock.Now().Add(b.cfg.LeaseDuration).Unix()
	return b.rdb.HSet(ctx, leaseKey(si), renewSecret, exp).Err()
}

func (b *RedisBackend) ShareSizes(ctx context.Context, si string, shareNums []int) (map[int]int64, error) {
	present, err := b.shareNums(ctx, si)
	if err != nil {
		return nil, err
	}
	if shareNums == nil {
		shareNums = present
	}
	out := make(map[int]int64, len(shareNums))
	for _, n := range shareNums {
		if !slices.Contains(present, n) {
			out[n] = 0
			continue
		}
		size, err := b.shareSize(ctx, si, n)
		if err != nil {
			return nil, err
		}
		out[n] = size
	}
	return out, nil
}

// shareSize is the allocated size of an immutable share and the current
// length of a mutable one.
func (b *RedisBackend) shareSize(ctx context.Context, si string, n int) (int64, error) {
	meta, err := b.rdb.HGetAll(ctx, metaKey(si, n)).Result()
	if err != nil {
		return 0, err
	}
	if meta["kind"] == kindImmutable {
		return strconv.ParseInt(meta["allocated"], 10, 64)
	}
	return b.rdb.StrLen(ctx, dataKey(si, n)).Result()
}

func (b *RedisBackend) StatShares(ctx context.Context, sis []string) ([]map[int]ShareStat, error) {
	out := make([]map[int]ShareStat, len(sis))
	for i, si := range sis {
		sizes, err := b.ShareSizes(ctx, si, nil)
		if err != nil {
			return nil, err
		}
		exp, err := b.leaseExpiration(ctx, si)
		if err != nil {
			return nil, err
		}
		stats := make(map[int]ShareStat, len(sizes))
		for n, size := range sizes {
			stats[n] = ShareStat{Size: size, LeaseExpiration: exp}
		}
		out[i] = stats
	}
	return out, nil
}

func (b *RedisBackend) leaseExpiration(ctx context.Context, si string) (int64, error) {
	vals, err := b.rdb.HVals(ctx, leaseKey(si)).Result()
	if err != nil {
		return 0, err
	}
	var latest int64
	for _, v := range vals {
		exp, _ := strconv.ParseInt(v, 10, 64)
		latest = max(latest, exp)
	}
	return latest, nil
}

func (b *RedisBackend) SlotReadv(ctx context.Context, si string, shareNums []int, readv []ReadVector) (map[int][][]byte, error) {
	present, err := b.shareNums(ctx, si)
	if err != nil {
		return nil, err
	}
	if shareNums == nil {
		shareNums = present
	}
	out := make(map[int][][]byte, len(shareNums))
	for _, n := range shareNums {
		if !slices.Contains(present, n) {
			continue
		}
		data, err := b.readVectors(ctx, si, n, readv)
		if err != nil {
			return nil, err
		}
		out[n] = data
	}
	return out, nil
}

func (b *RedisBackend) readVectors(ctx context.Context, si string, n int, readv []ReadVector) ([][]byte, error) {
	out := make([][]byte, len(readv))
	for i, rv := range readv {
		chunk, err := b.readRange(ctx, si, n, rv.Offset, rv.Size)
		if err != nil {
			return nil, err
		}
		out[i] = chunk
	}
	return out, nil
}

func (b *RedisBackend) readRange(ctx context.Context, si string, n int, offset, size int64) ([]byte, error) {
	if size <= 0 {
		return []byte{}, nil
	}
	s, err := b.rdb.GetRange(ctx, dataKey(si, n), offset, offset+size-1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return []byte(s), nil
}

func (b *RedisBackend) SlotTestvAndReadvAndWritev(ctx context.Context, si string, secrets SlotSecrets, tw map[int]TestWriteVectors, readv []ReadVector) (bool, map[int][][]byte, error) {
	enabler, err := b.rdb.HGet(ctx, slotKey(si), "write_enabler").Result()
	exists := err == nil
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, nil, err
	}
	if exists && enabler != secrets.WriteEnabler {
		return false, nil, ErrBadWriteEnabler
	}

	present, err := b.shareNums(ctx, si)
	if err != nil {
		return false, nil, err
	}
	reads := make(map[int][][]byte, len(present))
	for _, n := range present {
		if reads[n], err = b.readVectors(ctx, si, n, readv); err != nil {
			return false, nil, err
		}
	}

	for n, vectors := range tw {
		for _, tv := range vectors.Test {
			if tv.Operator != "eq" {
				return false, nil, fmt.Errorf("%w: %q", ErrUnsupportedOp, tv.Operator)
			}
			actual, err := b.readRange(ctx, si, n, tv.Offset, tv.Size)
			if err != nil {
				return false, nil, err
			}
			if !bytes.Equal(actual, tv.Specimen) {
				return false, reads, nil
			}
		}
	}

	wrote := false
	for n, vectors := range tw {
		if len(vectors.Write) == 0 && vectors.NewLength == nil {
			continue
		}
		wrote = true
		if _, err := b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, metaKey(si, n), "kind", kindMutable)
			pipe.SAdd(ctx, sharesKey(si), n)
			for _, wv := range vectors.Write {
				pipe.SetRange(ctx, dataKey(si, n), wv.Offset, string(wv.Data))
			}
			return nil
		}); err != nil {
			return false, nil, fmt.Errorf("write share %d: %w", n, err)
		}
		if vectors.NewLength != nil {
			if err := b.truncate(ctx, si, n, *vectors.NewLength); err != nil {
				return false, nil, err
			}
		}
	}
	if !wrote {
		return true, reads, nil
	}
	if !exists {
		if err := b.rdb.HSet(ctx, slotKey(si), "write_enabler", secrets.WriteEnabler).Err(); err != nil {
			return false, nil, err
		}
	}
	if err := b.AddLease(ctx, si, secrets.RenewSecret, secrets.CancelSecret); err != nil {
		return false, nil, err
	}
	return true, reads, nil
}

func (b *RedisBackend) truncate(ctx context.Context, si string, n int, length int64) error {
	size, err := b.rdb.StrLen(ctx, dataKey(si, n)).Result()
	if err != nil || size <= length {
		return err
	}
	head, err := b.readRange(ctx, si, n, 0, length)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, dataKey(si, n), string(head), 0).Err()
}

func (b *RedisBackend) AdviseCorruptShare(ctx context.Context, c Corruption) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, corruptKey, raw).Err()
}

// CorruptionAdvisories returns every advisory received, oldest first.
func (b *RedisBackend) CorruptionAdvisories(ctx context.Context) ([]Corruption, error) {
	raws, err := b.rdb.LRange(ctx, corruptKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Corruption, 0, len(raws))
	for _, raw := range raws {
		var c Corruption
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (b *RedisBackend) shareNums(ctx context.Context, si string) ([]int, error) {
	members, err := b.rdb.SMembers(ctx, sharesKey(si)).Result()
	if err != nil {
		return nil, fmt.Errorf("list shares of %s: %w", si, err)
	}
	nums := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	slices.Sort(nums)
	return nums, nil
}
