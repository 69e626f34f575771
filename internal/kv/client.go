// Package kv wraps the shared Redis-compatible key/value store that backs
// the task registry, reliable queues, build cache, corpus maps, and
// distributed locks used across the CRS.
package kv

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds the connection parameters for the shared KV store.
type Config struct {
	Host string
	Port int

	// DialTimeout bounds how long a new connection attempt may take.
	DialTimeout time.Duration
}

// Client is a thin wrapper around *redis.Client exposing exactly the
// primitive operations the CRS core needs: string get/set, hash, set, list,
// and atomic pipelines. Every higher-level store (TaskRegistry, ReliableQueue,
// BuildCache, CorpusStore, distributed locks) is built on top of this type
// rather than importing go-redis directly, so the backing store can be
// swapped without touching callers.
type Client struct {
	rdb *redis.Client
}

// New dials the configured Redis instance. The connection is not verified
// until the first command; callers that want a fail-fast startup check
// should call Ping.
func New(cfg Config) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			DialTimeout: cfg.DialTimeout,
		}),
	}
}

// NewFromRedis adapts an already-constructed *redis.Client (e.g. one built
// against a miniredis instance in tests) into a Client.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Ping verifies connectivity to the store, surfacing a fatal
// configuration error early rather than failing on the first real
// operation.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Raw exposes the underlying go-redis client for packages (queue, lock) that
// need primitives -- such as EVAL/sorted sets -- beyond this file's thin
// wrapper, without re-wrapping the entire go-redis surface here.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}

// normKey lower-cases task-id-shaped keys so that lookups are
// case-insensitive, per the task registry's invariant.
func normKey(key string) string {
	return strings.ToLower(key)
}

// --- string ---

// Get returns the string value at key, or ("", false, nil) if absent.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores a string value at key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.rdb.Set(ctx, key, value, 0).Err()
}

// --- hash ---

// HSet sets a single field in the hash at key, case-insensitively.
func (c *Client) HSet(ctx context.Context, key, field string, value []byte) error {
	return c.rdb.HSet(ctx, key, normKey(field), value).Err()
}

// HGet returns the bytes stored at field, or (nil, false, nil) if absent.
func (c *Client) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := c.rdb.HGet(ctx, key, normKey(field)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// HGetAll returns every field/value pair in the hash at key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

// HExists reports whether field is present in the hash at key.
func (c *Client) HExists(ctx context.Context, key, field string) (bool, error) {
	return c.rdb.HExists(ctx, key, normKey(field)).Result()
}

// HLen returns the number of fields in the hash at key.
func (c *Client) HLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.HLen(ctx, key).Result()
}

// HDel removes field from the hash at key.
func (c *Client) HDel(ctx context.Context, key, field string) error {
	return c.rdb.HDel(ctx, key, normKey(field)).Err()
}

// --- set ---

// SAdd adds member to the set at key, returning true if it was newly added.
func (c *Client) SAdd(ctx context.Context, key, member string) (bool, error) {
	n, err := c.rdb.SAdd(ctx, key, member).Result()
	return n > 0, err
}

// SRem removes member from the set at key.
func (c *Client) SRem(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SIsMember reports whether member is present in the set at key.
func (c *Client) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// SMembers returns every member of the set at key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// --- list ---

// LPush pushes value onto the head of the list at key.
func (c *Client) LPush(ctx context.Context, key string, value []byte) error {
	return c.rdb.LPush(ctx, key, value).Err()
}

// RPopLPush atomically pops the tail of src and pushes it onto the head of
// dst, returning the moved value.
func (c *Client) RPopLPush(ctx context.Context, src, dst string) ([]byte, bool, error) {
	v, err := c.rdb.RPopLPush(ctx, src, dst).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// LRem removes up to count occurrences of value from the list at key.
func (c *Client) LRem(ctx context.Context, key string, count int64, value []byte) error {
	return c.rdb.LRem(ctx, key, count, value).Err()
}

// LLen returns the length of the list at key.
func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

// --- pipeline ---

// Pipeliner exposes the subset of go-redis's pipeline API the CRS uses for
// atomic multi-key writes (e.g. TaskRegistry.Delete's HDel + three SRems).
type Pipeliner = redis.Pipeliner

// Pipelined runs fn against a transactional pipeline (MULTI/EXEC), executing
// every queued command atomically with respect to other clients.
func (c *Client) Pipelined(ctx context.Context, fn func(Pipeliner) error) error {
	_, err := c.rdb.TxPipelined(ctx, fn)
	return err
}

// Eval runs a Lua script atomically against the store. Used by internal/queue
// and internal/lock for compound read-modify-write operations that must not
// race (CAS, visibility-timeout requeue).
func (c *Client) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return c.rdb.Eval(ctx, script, keys, args...).Result()
}
