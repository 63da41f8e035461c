package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const spentKeyPrefix = "zkap:pass:"

const (
	// passReserved prefixes a reservation, followed by its Unix time.
	passReserved = "reserved:"
	passSpent    = "spent"
)

// DefaultReservationMaxAge is how old a reservation must be before
// ReleaseStale frees it. It is far above any backend call.
const DefaultReservationMaxAge = time.Hour

// releaseScript deletes a pass key only while it is still reserved.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// releaseStaleScript deletes a reservation made before ARGV[2].
var releaseStaleScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v and string.sub(v, 1, string.len(ARGV[1])) == ARGV[1] then
	local at = tonumber(string.sub(v, string.len(ARGV[1]) + 1))
	if at and at < tonumber(ARGV[2]) then
		return redis.call("DEL", KEYS[1])
	end
end
return 0
`)

// SpentRegistry remembers every pass the server has accepted, keyed by
// pass ID. A pass moves from absent to reserved while its operation
// runs, then to spent, or back to absent if the operation failed.
// Reservations do not expire on their own; ReleaseStale frees the ones
// left by a crashed request.
type SpentRegistry struct {
	rdb *redis.Client
	now func() time.Time
}

func NewSpentRegistry(rdb *redis.Client) *SpentRegistry {
	return &SpentRegistry{rdb: rdb, now: time.Now}
}

func spentKey(id string) string { return spentKeyPrefix + id }

// Reserve claims each ID with SETNX and reports per ID whether the claim
// succeeded. An ID that is spent or reserved by a concurrent request is
// not claimed.
func (r *SpentRegistry) Reserve(ctx context.Context, ids []string) ([]bool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	value := passReserved + strconv.FormatInt(r.now().Unix(), 10)
	cmds := make([]*redis.BoolCmd, len(ids))
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.SetNX(ctx, spentKey(id), value, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reserve passes: %w", err)
	}
	out := make([]bool, len(ids))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

// Spend makes reservations permanent.
func (r *SpentRegistry) Spend(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.Set(ctx, spentKey(id), passSpent, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("spend passes: %w", err)
	}
	return nil
}

// Release drops reservations so the passes can be presented again.
// Spent passes are unaffected.
func (r *SpentRegistry) Release(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := releaseScript.Run(ctx, r.rdb, []string{spentKey(id)}, passReserved).Err(); err != nil {
			return fmt.Errorf("release pass: %w", err)
		}
	}
	return nil
}

// ReleaseStale drops reservations made before cutoff and returns how many
// it dropped.
func (r *SpentRegistry) ReleaseStale(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		cursor   uint64
		released int
	)
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, spentKeyPrefix+"*", 500).Result()
		if err != nil {
			return released, fmt.Errorf("scan reservations: %w", err)
		}
		for _, key := range keys {
			n, err := releaseStaleScript.Run(ctx, r.rdb, []string{key}, passReserved, cutoff.Unix()).Int()
			if err != nil {
				return released, fmt.Errorf("release stale pass: %w", err)
			}
			released += n
		}
		if next == 0 {
			return released, nil
		}
		cursor = next
	}
}

// IsSpent reports whether id has been permanently spent.
func (r *SpentRegistry) IsSpent(ctx context.Context, id string) (bool, error) {
	v, err := r.rdb.Get(ctx, spentKey(id)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == passSpent, nil
}
