package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisIndexKey is the sorted set ordering entries by expiry.
// Entries without expiry are not part of the index.
const redisIndexKey = "offline-fetch:expires"

// RedisCache stores entries in Redis, relying on Redis key expiry.
type RedisCache struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// NewRedisCache connects to the Redis server at addr.
func NewRedisCache(addr, password string, db int) (RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return RedisCache{}, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewRedisCacheFromClient(client), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client redis.UniversalClient) RedisCache {
	return RedisCache{client: client, timeout: 5 * time.Second}
}

func (r RedisCache) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// Close closes the underlying client.
func (r RedisCache) Close() error {
	return r.client.Close()
}

func (r RedisCache) scan(prefix string) ([]string, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	keys := make([]string, 0)
	iter := r.client.Scan(ctx, 0, globPrefix(prefix), 100).Iterator()
	for iter.Next(ctx) {
		if iter.Val() == redisIndexKey {
			continue
		}
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (r RedisCache) AllKeys(prefix string, cb func(string)) {
	keys, err := r.scan(prefix)
	if err != nil {
		return
	}
	for _, key := range keys {
		cb(key)
	}
}

func (r RedisCache) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	keys, err := r.scan(prefix)
	if err != nil {
		return entries, err
	}
	for _, key := range keys {
		bytes, ok, err := r.Get(key)
		if err != nil {
			return entries, err
		}
		if !ok {
			continue
		}
		entries = append(entries, CacheEntry{Key: key, Bytes: bytes, Expires: r.expires(key)})
	}
	return entries, nil
}

func (r RedisCache) expires(key string) time.Time {
	ctx, cancel := r.ctx()
	defer cancel()
	score, err := r.client.ZScore(ctx, redisIndexKey, key).Result()
	if err != nil {
		return time.Time{}
	}
	return time.Unix(int64(score), 0)
}

func (r RedisCache) Get(key string) ([]byte, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	bytes, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return bytes, true, nil
}

func (r RedisCache) Put(key string, expires time.Time, bytes []byte) error {
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, key, bytes, 0)
	if expires.IsZero() {
		pipe.ZRem(ctx, redisIndexKey, key)
	} else {
		pipe.ExpireAt(ctx, key, expires)
		pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(expires.Unix()), Member: key})
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (r RedisCache) Oldest(prefix string) (string, time.Time, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	var offset int64
	for {
		zs, err := r.client.ZRangeWithScores(ctx, redisIndexKey, offset, offset+99).Result()
		if err != nil {
			return "", time.Time{}, err
		}
		if len(zs) == 0 {
			return "", time.Time{}, nil
		}
		for _, z := range zs {
			key, _ := z.Member.(string)
			if strings.HasPrefix(key, prefix) {
				return key, time.Unix(int64(z.Score), 0), nil
			}
		}
		offset += int64(len(zs))
	}
}

func (r RedisCache) Purge(key string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, redisIndexKey, key)
	_, err := pipe.Exec(ctx)
	return err
}

func (r RedisCache) Has(key string) bool {
	ctx, cancel := r.ctx()
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	return err == nil && n > 0
}

// globPrefix escapes the glob characters of prefix for SCAN MATCH.
func globPrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(prefix) + "*"
}
