package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache adapts a go-redis client to the RemoteCache interface (§4.6's
// remote tier), serializing CacheEntry values as JSON.
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache builds a RemoteCache backed by addr (host:port). db selects
// the Redis logical database; prefix namespaces every key this process
// touches so multiple dispatch deployments can share one Redis instance.
func NewRedisCache(addr string, db int, prefix string) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		prefix: prefix,
	}
}

func (r *RedisCache) key(k string) string {
	if r.prefix == "" {
		return k
	}
	return r.prefix + ":" + k
}

// Get implements RemoteCache.
func (r *RedisCache) Get(ctx context.Context, key string) (*CacheEntry, bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, err
	}
	return &entry, true, nil
}

// Set implements RemoteCache.
func (r *RedisCache) Set(ctx context.Context, key string, entry *CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if entry.TTLSeconds > 0 {
		ttl = time.Duration(entry.TTLSeconds) * time.Second
	}
	return r.client.Set(ctx, r.key(key), raw, ttl).Err()
}

// Del implements RemoteCache.
func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}

// Keys implements RemoteCache. pattern follows the cache package's glob
// convention (a trailing '*' is the only wildcard); it is translated to a
// Redis SCAN MATCH pattern over this client's namespace.
func (r *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	scanPattern := r.key(pattern)
	var keys []string
	iter := r.client.Scan(ctx, 0, scanPattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), r.prefix+":"))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// FlushAll implements RemoteCache, deleting only keys under this client's
// namespace rather than issuing a server-wide FLUSHALL.
func (r *RedisCache) FlushAll(ctx context.Context) error {
	keys, err := r.Keys(ctx, "*")
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

// Close releases the underlying Redis connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
