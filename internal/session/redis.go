package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "shopkeeper:session:"

// RedisBackend stores contexts as JSON under keys with a native TTL.
type RedisBackend struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisBackend(ctx context.Context, redisURL string, ttl time.Duration) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisBackendFromClient(client, ttl), nil
}

func NewRedisBackendFromClient(client *redis.Client, ttl time.Duration) *RedisBackend {
	return &RedisBackend{client: client, ttl: ttl}
}

func (b *RedisBackend) Load(ctx context.Context, sessionID string) (*ConversationContext, error) {
	key := b.key(sessionID)
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var c ConversationContext
	if err := json.Unmarshal(val, &c); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	// Sliding expiry; a failed refresh only shortens the session.
	_ = b.client.Expire(ctx, key, b.ttl).Err()
	return &c, nil
}

// Save writes c under WATCH so a concurrent writer from another process
// surfaces as ErrVersionConflict.
func (b *RedisBackend) Save(ctx context.Context, c *ConversationContext) error {
	key := b.key(c.SessionID)
	err := b.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return fmt.Errorf("redis get session: %w", err)
		default:
			var stored ConversationContext
			if err := json.Unmarshal(val, &stored); err != nil {
				return fmt.Errorf("decode session: %w", err)
			}
			if stored.Version != c.Version {
				return ErrVersionConflict
			}
		}

		next := c.Clone()
		next.Version++
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, b.ttl)
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	if err != nil {
		return err
	}
	c.Version++
	return nil
}

func (b *RedisBackend) Delete(ctx context.Context, sessionID string) (bool, error) {
	n, err := b.client.Del(ctx, b.key(sessionID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete session: %w", err)
	}
	return n > 0, nil
}

// Sweep is a no-op: Redis expires keys itself.
func (b *RedisBackend) Sweep(context.Context, time.Time) ([]string, error) {
	return nil, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) key(sessionID string) string {
	return redisKeyPrefix + sessionID
}
