package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKVTimeout = 500 * time.Millisecond

// redisKVClient es el subconjunto de go-redis que usa RedisKV.
type redisKVClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// RedisKV persiste las claves del almacén local en Redis, sin expiración.
type RedisKV struct {
	client redisKVClient
}

func NewRedisKV(client *redis.Client) *RedisKV {
	if client == nil {
		return nil
	}
	return &RedisKV{client: client}
}

func (s *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, ErrKVNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, redisKVTimeout)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *RedisKV) Set(ctx context.Context, key, value string) error {
	if s == nil || s.client == nil {
		return ErrKVNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, redisKVTimeout)
	defer cancel()
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *RedisKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, ErrKVNotConfigured
	}
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, escapeRedisPattern(prefix)+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(keys)
	return keys, nil
}

// escapeRedisPattern escapa los metacaracteres glob de MATCH.
func escapeRedisPattern(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}
