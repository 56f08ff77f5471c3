package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix is prepended to every key (default "dredge:").
	Prefix string
}

// DefaultRedisPrefix is the key prefix applied when none is configured.
const DefaultRedisPrefix = "dredge:"

// RedisStore is the networked Store backend. Values live in plain string
// keys with native PX expiry; a sorted-set index (all scores zero) mirrors
// the keyspace so range scans are lexicographic. Index members whose value
// key has expired are reclaimed lazily on scan.
type RedisStore struct {
	client *goredis.Client
	prefix string
	index  string
}

// NewRedisStore creates a Redis store from the given config.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: goredis.NewClient(opts),
		prefix: cfg.Prefix,
		index:  cfg.Prefix + "__index",
	}, nil
}

// Put implements Store.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	pipe := s.client.TxPipeline()
	if ttl > 0 {
		pipe.Set(ctx, s.prefix+key, value, ttl)
	} else {
		pipe.Set(ctx, s.prefix+key, value, 0)
	}
	pipe.ZAdd(ctx, s.index, goredis.Z{Score: 0, Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("put", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get", err)
	}
	return val, true, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.prefix+key)
	pipe.ZRem(ctx, s.index, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, unavailable("delete", err)
	}
	return del.Val() > 0, nil
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, unavailable("exists", err)
	}
	return n > 0, nil
}

// RangeGet implements Store.
func (s *RedisStore) RangeGet(ctx context.Context, start, end string, limit int) ([]Entry, error) {
	if end != "" && start == end {
		return nil, nil
	}

	min := "-"
	if start != "" {
		min = "[" + start
	}
	max := "+"
	if end != "" {
		max = "(" + end
	}

	keys, err := s.client.ZRangeByLex(ctx, s.index, &goredis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, unavailable("range", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = s.prefix + k
	}
	vals, err := s.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, unavailable("range", err)
	}

	out := make([]Entry, 0, len(keys))
	var stale []any
	for i, v := range vals {
		if v == nil {
			// Value key expired under the index member.
			stale = append(stale, keys[i])
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out = append(out, Entry{Key: keys[i], Value: []byte(str)})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.index, stale...).Err()
	}
	return out, nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify RedisStore implements Store.
var _ Store = (*RedisStore)(nil)
