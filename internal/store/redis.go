package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the canonical, cross-replica-consistent Store
// implementation, grounded on the teacher's memory/redis_memory.go
// (ZAdd/Expire/ZRevRangeWithScores/Scan usage).
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials addr and returns a ready Store.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("store: ping redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromURL parses a redis:// URL the way the teacher's
// NewRedisMemory does.
func NewRedisStoreFromURL(url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("store: invalid redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, z Z) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: z.Score, Member: z.Member}).Err()
}

func (s *RedisStore) ZRem(ctx context.Context, key string, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]Z, error) {
	res, err := s.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Z, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, Z{Score: z.Score, Member: member})
	}
	return out, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (s *RedisStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return s.client.HSet(ctx, key, args...).Err()
}

func (s *RedisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *RedisStore) HIncrByFloat(ctx context.Context, key, field string, delta float64) (float64, error) {
	return s.client.HIncrByFloat(ctx, key, field, delta).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) LPush(ctx context.Context, key string, value string, trimTo int) error {
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	if trimTo > 0 {
		pipe.LTrim(ctx, key, 0, int64(trimTo-1))
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) Publish(ctx context.Context, channel string, message string) error {
	return s.client.Publish(ctx, channel, message).Err()
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := s.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("store: subscribe %s: %w", channel, err)
	}
	out := make(chan string, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- msg.Payload
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (r *redisSubscription) Channel() <-chan string { return r.ch }
func (r *redisSubscription) Close() error           { return r.pubsub.Close() }

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
