package budgetstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisStore is a Redis-backed Store. Every operation runs as a single Lua
// script so concurrent gateways checking the same scope key are linearized
// by the store, not by in-process locks.
//
// Key layout per budget scope:
//
//	<prefix><scope>            consumed amount (float string, period TTL)
//	<prefix>resvamt:<scope>    hash: reservation ID -> held amount
//	<prefix>residx:<scope>     zset: reservation ID scored by expiry (ms)
//
// Expired reservations are swept lazily inside the reserve script, so an
// orphaned hold never outlives its TTL even if nobody settles it.
type RedisStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the Redis key prefix (default "chatgw:").
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.keyPrefix = prefix }
}

// NewRedisStore creates a Redis-backed Store.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRedisStore(client goredis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		keyPrefix: "chatgw:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) scopeKey(scope string) string { return s.keyPrefix + scope }
func (s *RedisStore) amtKey(scope string) string   { return s.keyPrefix + "resvamt:" + scope }
func (s *RedisStore) idxKey(scope string) string   { return s.keyPrefix + "residx:" + scope }

// incrScript adds to a rate counter, attaching the window TTL only on
// creation so the window never slides forward on later hits.
// KEYS[1] = counter key
// ARGV[1] = amount, ARGV[2] = window TTL (ms)
// Returns {count, remaining TTL ms}.
var incrScript = goredis.NewScript(`
local count = redis.call("INCRBY", KEYS[1], ARGV[1])
if redis.call("PTTL", KEYS[1]) < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {count, redis.call("PTTL", KEYS[1])}
`)

// reserveScript sweeps expired reservations, then checks
// consumed + reserved + amount <= limit and places the hold when it fits.
// KEYS[1] = consumed key, KEYS[2] = reservation index zset, KEYS[3] = amount hash
// ARGV[1] = amount, ARGV[2] = limit, ARGV[3] = now (ms), ARGV[4] = reservation ID,
// ARGV[5] = reservation TTL (ms)
// Returns {ok, held-as-string, consumed key TTL ms}.
var reserveScript = goredis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[3])
for _, id in ipairs(expired) do
    redis.call("HDEL", KEYS[3], id)
end
if #expired > 0 then
    redis.call("ZREMRANGEBYSCORE", KEYS[2], "-inf", ARGV[3])
end

local consumed = tonumber(redis.call("GET", KEYS[1]) or "0")
local reserved = 0
for _, v in ipairs(redis.call("HVALS", KEYS[3])) do
    reserved = reserved + tonumber(v)
end

local amount = tonumber(ARGV[1])
if consumed + reserved + amount > tonumber(ARGV[2]) then
    return {0, tostring(consumed + reserved), redis.call("PTTL", KEYS[1])}
end

redis.call("ZADD", KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[5]), ARGV[4])
redis.call("HSET", KEYS[3], ARGV[4], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[5])
redis.call("PEXPIRE", KEYS[3], ARGV[5])
return {1, tostring(consumed + reserved + amount), redis.call("PTTL", KEYS[1])}
`)

// settleScript moves a reservation into committed consumption at the actual
// amount. A missing reservation means it was already settled, released, or
// expired; the script commits nothing, which makes settlement idempotent.
// KEYS as reserveScript.
// ARGV[1] = reservation ID, ARGV[2] = actual amount, ARGV[3] = period TTL (ms)
var settleScript = goredis.NewScript(`
local held = redis.call("HGET", KEYS[3], ARGV[1])
if not held then
    return 0
end
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
local actual = tonumber(ARGV[2])
if actual > 0 then
    redis.call("INCRBYFLOAT", KEYS[1], actual)
    if redis.call("PTTL", KEYS[1]) < 0 then
        redis.call("PEXPIRE", KEYS[1], ARGV[3])
    end
end
return 1
`)

// releaseScript discards a reservation without committing consumption.
// KEYS[1] = reservation index zset, KEYS[2] = amount hash
// ARGV[1] = reservation ID
var releaseScript = goredis.NewScript(`
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[1], ARGV[1])
return 1
`)

// IncrWithTTL atomically adds amount to a rate counter.
func (s *RedisStore) IncrWithTTL(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrScript.Run(ctx, s.client,
		[]string{s.scopeKey(key)},
		amount, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("%w: incr %s: %v", ErrUnavailable, key, err)
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("budgetstore: unexpected incr reply for %s: %v", key, res)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

// TryReserve atomically places a budget hold when it fits under the limit.
func (s *RedisStore) TryReserve(ctx context.Context, r Reservation, limit float64, periodTTL time.Duration) (ReserveResult, error) {
	now := time.Now().UnixMilli()
	raw, err := reserveScript.Run(ctx, s.client,
		[]string{s.scopeKey(r.ScopeKey), s.idxKey(r.ScopeKey), s.amtKey(r.ScopeKey)},
		formatAmount(r.Amount), formatAmount(limit), now, r.ID, r.TTL.Milliseconds(),
	).Slice()
	if err != nil {
		return ReserveResult{}, fmt.Errorf("%w: reserve %s: %v", ErrUnavailable, r.ScopeKey, err)
	}
	if len(raw) != 3 {
		return ReserveResult{}, fmt.Errorf("budgetstore: unexpected reserve reply for %s: %v", r.ScopeKey, raw)
	}

	ok, _ := raw[0].(int64)
	heldStr, _ := raw[1].(string)
	held, _ := strconv.ParseFloat(heldStr, 64)
	ttlMs, _ := raw[2].(int64)

	resetIn := time.Duration(0)
	if ttlMs > 0 {
		resetIn = time.Duration(ttlMs) * time.Millisecond
	}
	// A scope with no consumption yet resets when the period would elapse.
	if resetIn == 0 {
		resetIn = periodTTL
	}
	return ReserveResult{OK: ok == 1, Held: held, ResetIn: resetIn}, nil
}

// Settle commits the actual amount and releases the hold.
func (s *RedisStore) Settle(ctx context.Context, r Reservation, actual float64, periodTTL time.Duration) error {
	err := settleScript.Run(ctx, s.client,
		[]string{s.scopeKey(r.ScopeKey), s.idxKey(r.ScopeKey), s.amtKey(r.ScopeKey)},
		r.ID, formatAmount(actual), periodTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("%w: settle %s/%s: %v", ErrUnavailable, r.ScopeKey, r.ID, err)
	}
	return nil
}

// Release discards the hold without committing consumption.
func (s *RedisStore) Release(ctx context.Context, r Reservation) error {
	err := releaseScript.Run(ctx, s.client,
		[]string{s.idxKey(r.ScopeKey), s.amtKey(r.ScopeKey)},
		r.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("%w: release %s/%s: %v", ErrUnavailable, r.ScopeKey, r.ID, err)
	}
	return nil
}

// Read returns committed consumption for a scope.
func (s *RedisStore) Read(ctx context.Context, scopeKey string) (float64, error) {
	val, err := s.client.Get(ctx, s.scopeKey(scopeKey)).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrUnavailable, scopeKey, err)
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("budgetstore: malformed value at %s: %q", scopeKey, val)
	}
	return f, nil
}

// formatAmount renders a float for Lua's tonumber without exponent surprises.
func formatAmount(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
