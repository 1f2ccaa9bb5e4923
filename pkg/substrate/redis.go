package substrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RedisSubstrate implements Substrate on a single Redis deployment: plain
// keys with expiry for the KV half, Redis sets for presence and Redis
// PUBLISH/SUBSCRIBE for broadcast channels.
type RedisSubstrate struct {
	redisClient *redis.Client
	logger      zerolog.Logger
}

// NewRedisSubstrate creates and connects a RedisSubstrate.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisSubstrate(ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisSubstrate, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Msg("Successfully connected to Redis.")
	return NewRedisSubstrateFromClient(rdb, logger), nil
}

// NewRedisSubstrateFromClient wraps an existing client. The substrate takes
// ownership of the client and closes it on Close.
func NewRedisSubstrateFromClient(rdb *redis.Client, logger zerolog.Logger) *RedisSubstrate {
	return &RedisSubstrate{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisSubstrate").Logger(),
	}
}

// Put sets key to value with the given expiry (none when ttl <= 0).
func (s *RedisSubstrate) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.redisClient.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed for key %s: %w", key, err)
	}
	return nil
}

// Get returns the value at key or ErrNotFound.
func (s *RedisSubstrate) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.redisClient.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed for key %s: %w", key, err)
	}
	return data, nil
}

// MGet returns the values at keys in order; missing keys yield nil.
func (s *RedisSubstrate) MGet(ctx context.Context, keys ...string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	raw, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed for %d keys: %w", len(keys), err)
	}
	out := make([][]byte, len(keys))
	for i, v := range raw {
		if str, ok := v.(string); ok {
			out[i] = []byte(str)
		}
	}
	return out, nil
}

// SAdd adds members to the set at key.
func (s *RedisSubstrate) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.redisClient.SAdd(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis sadd failed for key %s: %w", key, err)
	}
	return nil
}

// SRem removes members from the set at key.
func (s *RedisSubstrate) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.redisClient.SRem(ctx, key, toArgs(members)...).Err(); err != nil {
		return fmt.Errorf("redis srem failed for key %s: %w", key, err)
	}
	return nil
}

// SMembers lists the members of the set at key.
func (s *RedisSubstrate) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.redisClient.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed for key %s: %w", key, err)
	}
	return members, nil
}

// Publish sends msg on a Redis pub/sub channel.
func (s *RedisSubstrate) Publish(ctx context.Context, channel string, msg []byte) error {
	if err := s.redisClient.Publish(ctx, channel, msg).Err(); err != nil {
		return fmt.Errorf("redis publish failed on channel %s: %w", channel, err)
	}
	return nil
}

// Subscribe subscribes to a Redis pub/sub channel. It returns once Redis has
// confirmed the subscription, so messages published afterwards are received.
func (s *RedisSubstrate) Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error) {
	ps := s.redisClient.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe failed on channel %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{pubsub: ps, cancel: cancel, done: make(chan struct{})}
	logger := s.logger.With().Str("channel", channel).Logger()
	go func() {
		defer close(sub.done)
		logger.Info().Msg("Redis subscription receive loop started.")
		for msg := range ps.Channel() {
			handler(loopCtx, []byte(msg.Payload))
		}
		logger.Info().Msg("Redis subscription receive loop stopped.")
	}()
	return sub, nil
}

// Close closes the Redis client connection.
func (s *RedisSubstrate) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close unsubscribes and waits for the receive loop to drain.
func (r *redisSubscription) Close() error {
	r.once.Do(func() {
		r.cancel()
		r.err = r.pubsub.Close()
		<-r.done
	})
	return r.err
}

func toArgs(members []string) []interface{} {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return args
}
