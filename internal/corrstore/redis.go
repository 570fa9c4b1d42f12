package corrstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a shared Redis instance, for operators running
// more than one observer or journal process against the same MTA fleet that
// want one correlation map instead of N independent in-process ones. TTL is
// delegated entirely to Redis's own key expiry, so Prune is a no-op here.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to redisURL and returns a Redis-backed Store. prefix is
// prepended to every key so multiple services can share one Redis instance.
func NewRedis(redisURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("corrstore: invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("corrstore: redis ping failed: %w", err)
	}

	if prefix == "" {
		prefix = "bouncer"
	}
	return &Redis{client: client, prefix: prefix}, nil
}

func (r *Redis) key(queueID string) string {
	return r.prefix + ":corr:" + queueID
}

func (r *Redis) Put(ctx context.Context, queueID, hash string, ttl time.Duration) error {
	if err := r.client.Set(ctx, r.key(queueID), hash, ttl).Err(); err != nil {
		return fmt.Errorf("corrstore: redis set: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, queueID string) (string, bool, error) {
	hash, err := r.client.Get(ctx, r.key(queueID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("corrstore: redis get: %w", err)
	}
	return hash, true, nil
}

// Prune is a no-op: Redis expires keys natively via the TTL passed to Put.
func (r *Redis) Prune(context.Context) (int, error) { return 0, nil }

func (r *Redis) Close() error { return r.client.Close() }
