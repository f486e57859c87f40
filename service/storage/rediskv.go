package storage

import (
	"context"
	"time"

	"IMProject/tools/errs"

	"github.com/redis/go-redis/v9"
)

// RedisConfig 用于初始化 Redis 存储
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// RedisKV go-redis 实现。键不设 TTL：会话状态要在 actor 被逐出后活下来。
type RedisKV struct {
	client *redis.Client
}

func NewRedisKV(c RedisConfig) (*RedisKV, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
		PoolSize: c.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, errs.WrapMsg(err, "redis ping")
	}
	return &RedisKV{client: rdb}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return v, nil
}

func (r *RedisKV) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Wrap(err)
	}
	out := make(map[string][]byte, len(keys))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return errs.Wrap(r.client.Set(ctx, key, value, 0).Err())
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return errs.Wrap(r.client.Del(ctx, key).Err())
}

func (r *RedisKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, prefix+"*", 512).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Wrap(err)
	}
	got, err := r.MGet(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(got))
	for k, v := range got {
		out = append(out, Entry{Key: k, Value: v})
	}
	sortEntries(out)
	return out, nil
}

func (r *RedisKV) Close() error { return r.client.Close() }
