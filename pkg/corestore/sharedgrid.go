package corestore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ErrLockNotHeld is returned by Unlock when the caller's token no longer
// owns the lock (it expired or another holder acquired it).
var ErrLockNotHeld = errors.New("corestore: lock not held")

// SharedGrid is the cross-service instance (§6.1, §9): a Redis-backed
// keyed map used for saga state, the DLQ and the idempotency guard, plus
// a pub/sub topic for fan-out notification and a simple lease-based
// distributed lock. Every operation is scoped to a named map-space so
// multiple subsystems can share one Redis cluster without key clashes.
type SharedGrid struct {
	client *redis.Client
}

// NewSharedGrid wraps an existing Redis client. The caller owns the
// client's lifecycle (connection pool, TLS, auth).
func NewSharedGrid(client *redis.Client) *SharedGrid {
	return &SharedGrid{client: client}
}

func mapKey(mapName, key string) string {
	return fmt.Sprintf("grid:%s:%s", mapName, key)
}

// Put writes key unconditionally into mapName, optionally with a TTL
// (ttl <= 0 means no expiry).
func (g *SharedGrid) Put(ctx context.Context, mapName, key, val string, ttl time.Duration) error {
	return g.client.Set(ctx, mapKey(mapName, key), val, ttl).Err()
}

// Get reads key from mapName.
func (g *SharedGrid) Get(ctx context.Context, mapName, key string) (string, bool, error) {
	val, err := g.client.Get(ctx, mapKey(mapName, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Delete removes key from mapName.
func (g *SharedGrid) Delete(ctx context.Context, mapName, key string) error {
	return g.client.Del(ctx, mapKey(mapName, key)).Err()
}

// PutIfAbsent writes key only if it does not already exist — the
// idempotency guard's core primitive (§4.8).
func (g *SharedGrid) PutIfAbsent(ctx context.Context, mapName, key, val string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, mapKey(mapName, key), val, ttl).Result()
}

// compareAndSwapScript atomically replaces a key's value only if its
// current value equals the expected one, mirroring the saga state
// store's CAS-not-RMW rule (§4.11's key invariant).
var compareAndSwapScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	if ARGV[1] == "" then
		redis.call("SET", KEYS[1], ARGV[2])
		return 1
	end
	return 0
end
if current == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// CompareAndSwap replaces key's value with newVal only if its current
// value equals oldVal. An oldVal of "" matches an absent key. Returns
// false (no error) on a CAS mismatch — callers retry with fresh state.
func (g *SharedGrid) CompareAndSwap(ctx context.Context, mapName, key, oldVal, newVal string) (bool, error) {
	res, err := compareAndSwapScript.Run(ctx, g.client, []string{mapKey(mapName, key)}, oldVal, newVal).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Publish fans a payload out to every subscriber of topic — the
// transport the outbox uses to deliver events cross-service (§4.8).
func (g *SharedGrid) Publish(ctx context.Context, topic, payload string) error {
	return g.client.Publish(ctx, topic, payload).Err()
}

// Subscribe returns a PubSub for topic; callers range over its Channel().
func (g *SharedGrid) Subscribe(ctx context.Context, topic string) *redis.PubSub {
	return g.client.Subscribe(ctx, topic)
}

// Lock is a held distributed lease. Unlock releases it if the caller's
// token still matches what is stored in Redis.
type Lock struct {
	grid  *SharedGrid
	name  string
	token string
}

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// Unlock releases the lock if it is still held by this token.
func (l *Lock) Unlock(ctx context.Context) error {
	res, err := unlockScript.Run(ctx, l.grid.client, []string{mapKey("locks", l.name)}, l.token).Int()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// TryLock attempts to acquire a named lease for ttl, returning
// (nil, false, nil) if another holder already has it. This is a
// single-node SET-NX lease, not a Redlock quorum — sufficient for the
// saga orchestrator's timeout-scan mutual exclusion this module targets,
// not for cross-datacenter fencing.
func (g *SharedGrid) TryLock(ctx context.Context, name string, ttl time.Duration) (*Lock, bool, error) {
	token, err := randomToken()
	if err != nil {
		return nil, false, err
	}
	ok, err := g.client.SetNX(ctx, mapKey("locks", name), token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{grid: g, name: name, token: token}, true, nil
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// IndexAdd adds member to a sorted-set index under score — the
// predicate-query building block (§6.1) backing the saga store's
// deadline scan and the DLQ's time-ordered listing.
func (g *SharedGrid) IndexAdd(ctx context.Context, indexName, member string, score float64) error {
	return g.client.ZAdd(ctx, mapKey("index", indexName), &redis.Z{Score: score, Member: member}).Err()
}

// IndexRemove removes member from a sorted-set index.
func (g *SharedGrid) IndexRemove(ctx context.Context, indexName, member string) error {
	return g.client.ZRem(ctx, mapKey("index", indexName), member).Err()
}

// IndexRange returns every member scored within [min, max], ascending —
// e.g. every saga whose deadline has already passed (max = now).
func (g *SharedGrid) IndexRange(ctx context.Context, indexName string, min, max float64) ([]string, error) {
	return g.client.ZRangeByScore(ctx, mapKey("index", indexName), &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// SetAdd adds member to an unordered set — used for enumeration indexes
// (e.g. "every known saga ID") that predicate queries then filter
// in-process, rather than requiring a secondary index per queryable
// field.
func (g *SharedGrid) SetAdd(ctx context.Context, setName, member string) error {
	return g.client.SAdd(ctx, mapKey("set", setName), member).Err()
}

// SetMembers returns every member of a set.
func (g *SharedGrid) SetMembers(ctx context.Context, setName string) ([]string, error) {
	return g.client.SMembers(ctx, mapKey("set", setName)).Result()
}

// SetRemove removes member from a set.
func (g *SharedGrid) SetRemove(ctx context.Context, setName, member string) error {
	return g.client.SRem(ctx, mapKey("set", setName), member).Err()
}
