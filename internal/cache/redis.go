package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultScanCount = 100

// RedisRemote implements Remote backed by Redis, the shared L2 tier for
// all ember instances. Every call carries the client's bounded dial,
// read and write timeouts so a stalled Redis cannot block callers
// indefinitely.
type RedisRemote struct {
	client    *redis.Client
	prefix    string
	scanCount int64
}

// RedisConfig holds configuration for the Redis remote tier.
type RedisConfig struct {
	Addr         string // e.g. "localhost:6379"
	Password     string
	DB           int
	KeyPrefix    string // namespacing prefix (default: "ember:cache:")
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisRemote creates a Redis-backed remote tier.
func NewRedisRemote(cfg RedisConfig) *RedisRemote {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "ember:cache:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &RedisRemote{client: client, prefix: prefix, scanCount: defaultScanCount}
}

// NewRedisRemoteFromClient wraps an existing client.
func NewRedisRemoteFromClient(client *redis.Client, prefix string) *RedisRemote {
	if prefix == "" {
		prefix = "ember:cache:"
	}
	return &RedisRemote{client: client, prefix: prefix, scanCount: defaultScanCount}
}

func (r *RedisRemote) key(k string) string {
	return r.prefix + k
}

func (r *RedisRemote) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, r.key(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisRemote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisRemote) MGet(ctx context.Context, keys []string) ([][]byte, error) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = r.key(k)
	}
	vals, err := r.client.MGet(ctx, prefixed...).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(keys))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = []byte(s)
		}
	}
	return out, nil
}

// DeletePattern scans for keys containing pattern and deletes them page
// by page. Keys deleted before a mid-scan failure stay deleted.
func (r *RedisRemote) DeletePattern(ctx context.Context, pattern string) (int, error) {
	match := r.prefix + "*" + pattern + "*"
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, match, r.scanCount).Result()
		if err != nil {
			return deleted, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			deleted += int(n)
			if err != nil {
				return deleted, err
			}
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// IncrBy increments a counter and resets its expiry on every call. Both
// commands travel in one MULTI/EXEC so a counter cannot end up
// incremented without its expiry, and a successful increment is never
// reported as a failure by a trailing EXPIRE.
func (r *RedisRemote) IncrBy(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return r.client.IncrBy(ctx, r.key(key), amount).Result()
	}
	var incr *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, r.key(key), amount)
		pipe.Expire(ctx, r.key(key), ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (r *RedisRemote) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRemote) Close() error {
	return r.client.Close()
}
