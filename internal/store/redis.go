package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the multi-instance backend. Reads and writes are eventually
// consistent across instances; no transaction spans a get and a put.
type Redis struct {
	rdb *redis.Client
}

// NewRedisClient parses redisURL and pings the server before returning.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (s *Redis) Name() string {
	return "redis"
}

func (s *Redis) Close() error {
	return s.rdb.Close()
}

func (s *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, unavailable("get", err)
	}
	return raw, true, nil
}

func (s *Redis) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, networkTTL(ttl)).Err(); err != nil {
		return unavailable("put", err)
	}
	return nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// List walks the keyspace with SCAN so large databases are not blocked by KEYS.
func (s *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	keys := make([]string, 0)
	iter := s.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("list", err)
	}
	sort.Strings(keys)
	return keys, nil
}

func escapeGlob(pattern string) string {
	out := make([]byte, 0, len(pattern))
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, pattern[i])
	}
	return string(out)
}
