package flowstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the remote flow-store backend, used when a deployment wants
// flow state shared across multiple Rift processes. Keys are
// namespaced "rift:flow:{flowID}:{key}" so a single Redis instance can
// back multiple flow stores safely.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to addr (host:port) and returns a ready backend.
func NewRedis(addr string) *Redis {
	return &Redis{client: redis.NewClient(&redis.Options{Addr: addr})}
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error { return r.client.Close() }

func redisKey(flowID, key string) string {
	return fmt.Sprintf("rift:flow:%s:%s", flowID, key)
}

func (r *Redis) Get(ctx context.Context, flowID, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, redisKey(flowID, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("flowstore: redis get: %w", err)
	}
	return v, true, nil
}

func (r *Redis) Set(ctx context.Context, flowID, key, json string) error {
	if err := r.client.Set(ctx, redisKey(flowID, key), json, 0).Err(); err != nil {
		return fmt.Errorf("flowstore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, flowID, key string) (bool, error) {
	n, err := r.client.Exists(ctx, redisKey(flowID, key)).Result()
	if err != nil {
		return false, fmt.Errorf("flowstore: redis exists: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Delete(ctx context.Context, flowID, key string) error {
	if err := r.client.Del(ctx, redisKey(flowID, key)).Err(); err != nil {
		return fmt.Errorf("flowstore: redis delete: %w", err)
	}
	return nil
}

func (r *Redis) Increment(ctx context.Context, flowID, key string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, redisKey(flowID, key), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("flowstore: redis incrby: %w", err)
	}
	return n, nil
}

func (r *Redis) SetTTL(ctx context.Context, flowID string, ttl Seconds) error {
	// A flow-level TTL applies to every key currently stored for the
	// flow; since Redis keys are per-(flow,key), approximate this by
	// scanning the flow's namespace. Acceptable here because set_ttl
	// is an infrequent administrative operation from script code, not
	// a per-request hot path.
	pattern := redisKey(flowID, "*")
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	d := time.Duration(ttl) * time.Second
	for iter.Next(ctx) {
		if err := r.client.Expire(ctx, iter.Val(), d).Err(); err != nil {
			return fmt.Errorf("flowstore: redis expire %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("flowstore: redis scan %s: %w", pattern, err)
	}
	return nil
}

func (r *Redis) Stateful() bool { return true }
