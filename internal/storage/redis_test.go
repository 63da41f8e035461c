package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-zkap-authorizer/internal/clock"
)

var epoch = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func newBackend(t *testing.T, capacity int64) *RedisBackend {
	t.Helper()
	_, rdb := newRedis(t)
	return NewRedisBackend(rdb, RedisConfig{
		Capacity:        capacity,
		MaxShareSize:    1 << 20,
		LeaseDuration:   31 * 24 * time.Hour,
		ApplicationName: "zkapd/test",
		Clock:           clock.Fake(epoch),
	})
}

// ── Immutable shares ───────────────────────────────────────────────────────

func TestRedisBackend_AllocateWriteRead(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()

	res, err := b.AllocateBuckets(ctx, "si1", "renew", "cancel", []int{0, 1}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Allocated) != 2 || len(res.AlreadyGot) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := b.WriteBucket(ctx, "si1", 0, 0, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := b.WriteBucket(ctx, "si1", 0, 5, []byte("world")); err != nil {
		t.Fatal(err)
	}
	if err := b.CloseBucket(ctx, "si1", 0); err != nil {
		t.Fatal(err)
	}

	buckets, err := b.GetBuckets(ctx, "si1")
	if err != nil {
		t.Fatal(err)
	}
	if string(buckets[0]) != "helloworld" {
		t.Fatalf("unexpected share data %q", buckets[0])
	}
	if _, ok := buckets[1]; ok {
		t.Fatal("unclosed share must not be returned")
	}

	res, _ = b.AllocateBuckets(ctx, "si1", "renew", "cancel", []int{1, 2}, 10)
	if len(res.AlreadyGot) != 1 || res.AlreadyGot[0] != 1 || len(res.Allocated) != 1 || res.Allocated[0] != 2 {
		t.Fatalf("unexpected second allocation %+v", res)
	}
}

func TestRedisBackend_WriteErrors(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	b.AllocateBuckets(ctx, "si1", "r", "c", []int{0}, 4)

	if err := b.WriteBucket(ctx, "si1", 0, 2, []byte("xyz")); !errors.Is(err, ErrWriteOutOfBounds) {
		t.Fatalf("expected ErrWriteOutOfBounds, got %v", err)
	}
	if err := b.WriteBucket(ctx, "si1", 9, 0, []byte("x")); !errors.Is(err, ErrNoSuchShare) {
		t.Fatalf("expected ErrNoSuchShare, got %v", err)
	}
	b.CloseBucket(ctx, "si1", 0)
	if err := b.WriteBucket(ctx, "si1", 0, 0, []byte("x")); !errors.Is(err, ErrShareClosed) {
		t.Fatalf("expected ErrShareClosed, got %v", err)
	}
}

func TestRedisBackend_Capacity(t *testing.T) {
	b := newBackend(t, 100)
	ctx := context.Background()
	if _, err := b.AllocateBuckets(ctx, "si1", "r", "c", []int{0, 1}, 60); !errors.Is(err, ErrNoSpace) {
		t.Fatalf("expected ErrNoSpace, got %v", err)
	}
	if _, err := b.AllocateBuckets(ctx, "si1", "r", "c", []int{0}, 60); err != nil {
		t.Fatal(err)
	}
	v, _ := b.GetVersion(ctx)
	if v.AvailableSpace != 40 {
		t.Fatalf("expected 40 bytes available, got %d", v.AvailableSpace)
	}
}

func TestRedisBackend_ShareTooLarge(t *testing.T) {
	b := newBackend(t, 1<<40)
	if _, err := b.AllocateBuckets(context.Background(), "si1", "r", "c", []int{0}, 1<<21); !errors.Is(err, ErrShareTooLarge) {
		t.Fatalf("expected ErrShareTooLarge, got %v", err)
	}
}

// ── Sizes and stats ────────────────────────────────────────────────────────

func TestRedisBackend_ShareSizesAbsentIsZero(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	b.AllocateBuckets(ctx, "si1", "r", "c", []int{0}, 7)

	sizes, err := b.ShareSizes(ctx, "si1", []int{0, 3})
	if err != nil {
		t.Fatal(err)
	}
	if sizes[0] != 7 || sizes[3] != 0 || len(sizes) != 2 {
		t.Fatalf("unexpected sizes %v", sizes)
	}
}

func TestRedisBackend_StatShares(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	b.AllocateBuckets(ctx, "si1", "r", "c", []int{0, 1}, 7)

	stats, err := b.StatShares(ctx, []string{"si1", "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 2 {
		t.Fatalf("expected 2 results, got %d", len(stats))
	}
	want := epoch.Add(31 * 24 * time.Hour).Unix()
	if stats[0][1].Size != 7 || stats[0][1].LeaseExpiration != want {
		t.Fatalf("unexpected stat %+v", stats[0][1])
	}
	if len(stats[1]) != 0 {
		t.Fatalf("absent storage index must yield an empty map, got %v", stats[1])
	}
}

func TestRedisBackend_AddLeaseUnknownIndex(t *testing.T) {
	b := newBackend(t, 1<<30)
	if err := b.AddLease(context.Background(), "nope", "r", "c"); !errors.Is(err, ErrNoSuchStorageIndex) {
		t.Fatalf("expected ErrNoSuchStorageIndex, got %v", err)
	}
}

// ── Mutable slots ──────────────────────────────────────────────────────────

func TestRedisBackend_SlotWriteAndRead(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	secrets := SlotSecrets{WriteEnabler: "we", RenewSecret: "r", CancelSecret: "c"}

	ok, _, err := b.SlotTestvAndReadvAndWritev(ctx, "slot", secrets, map[int]TestWriteVectors{
		0: {Write: []WriteVector{{Offset: 0, Data: []byte("abcdef")}}},
	}, nil)
	if err != nil || !ok {
		t.Fatalf("first write: ok=%v err=%v", ok, err)
	}

	// Failing test vector leaves data unchanged.
	ok, reads, err := b.SlotTestvAndReadvAndWritev(ctx, "slot", secrets, map[int]TestWriteVectors{
		0: {
			Test:  []TestVector{{Offset: 0, Size: 3, Operator: "eq", Specimen: []byte("xyz")}},
			Write: []WriteVector{{Offset: 0, Data: []byte("XXX")}},
		},
	}, []ReadVector{{Offset: 0, Size: 3}})
	if err != nil || ok {
		t.Fatalf("mismatched test: ok=%v err=%v", ok, err)
	}
	if string(reads[0][0]) != "abc" {
		t.Fatalf("unexpected read %q", reads[0][0])
	}

	ok, _, err = b.SlotTestvAndReadvAndWritev(ctx, "slot", secrets, map[int]TestWriteVectors{
		0: {
			Test:      []TestVector{{Offset: 0, Size: 3, Operator: "eq", Specimen: []byte("abc")}},
			Write:     []WriteVector{{Offset: 1, Data: []byte("ZZ")}},
			NewLength: ptr(int64(4)),
		},
	}, nil)
	if err != nil || !ok {
		t.Fatalf("matching test: ok=%v err=%v", ok, err)
	}
	got, _ := b.SlotReadv(ctx, "slot", nil, []ReadVector{{Offset: 0, Size: 100}})
	if string(got[0][0]) != "aZZd" {
		t.Fatalf("unexpected slot contents %q", got[0][0])
	}
}

func TestRedisBackend_SlotWriteEnabler(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	tw := map[int]TestWriteVectors{0: {Write: []WriteVector{{Data: []byte("x")}}}}
	b.SlotTestvAndReadvAndWritev(ctx, "slot", SlotSecrets{WriteEnabler: "right"}, tw, nil)

	_, _, err := b.SlotTestvAndReadvAndWritev(ctx, "slot", SlotSecrets{WriteEnabler: "wrong"}, tw, nil)
	if !errors.Is(err, ErrBadWriteEnabler) {
		t.Fatalf("expected ErrBadWriteEnabler, got %v", err)
	}
}

func TestRedisBackend_AdviseCorruptShare(t *testing.T) {
	b := newBackend(t, 1<<30)
	ctx := context.Background()
	c := Corruption{ShareType: "immutable", StorageIndex: "si1", ShareNumber: 2, Reason: "bad hash"}
	if err := b.AdviseCorruptShare(ctx, c); err != nil {
		t.Fatal(err)
	}
	got, _ := b.CorruptionAdvisories(ctx)
	if len(got) != 1 || got[0] != c {
		t.Fatalf("unexpected advisories %+v", got)
	}
}

func ptr[T any](v T) *T { return &v }
