package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the Store with a shared redis instance so multiple engine
// processes agree on claimed keys.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(addr string) *Redis {
	return &Redis{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: "whatsapp-platform:dedup:",
	}
}

func (r *Redis) PutIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, 1, ttl).Result()
}

func (r *Redis) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
