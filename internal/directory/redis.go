package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig mirrors the teacher's cache.Config, narrowed to what the
// Directory needs.
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// redisDirectory is the shared-mode implementation, backed by Redis. Pool
// sizing and retry backoff are carried from the teacher's cache.NewCache.
type redisDirectory struct {
	client *redis.Client
}

// NewRedis connects to Redis and returns a shared-mode Directory.
func NewRedis(cfg RedisConfig) (Directory, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:        25,
		MinIdleConns:    5,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,

		MaxRetries:      3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("directory: redis ping failed: %w", err)
	}
	return &redisDirectory{client: client}, nil
}

// newRedisFromClient wraps an already-constructed *redis.Client, used by
// tests to point the Directory at a miniredis instance.
func newRedisFromClient(client *redis.Client) Directory {
	return &redisDirectory{client: client}
}

func (d *redisDirectory) Mode() Mode { return ModeShared }

func (d *redisDirectory) Get(ctx context.Context, key string) (string, error) {
	var val string
	err := withRetry(func() error {
		var e error
		val, e = d.client.Get(ctx, key).Result()
		return e
	})
	if err == redis.Nil {
		return "", ErrAbsent
	}
	if err != nil {
		return "", fmt.Errorf("directory: get %q: %w", key, err)
	}
	return val, nil
}

func (d *redisDirectory) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := withRetry(func() error {
		return d.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("directory: set %q: %w", key, err)
	}
	return nil
}

func (d *redisDirectory) Delete(ctx context.Context, key string) error {
	err := withRetry(func() error {
		return d.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("directory: delete %q: %w", key, err)
	}
	return nil
}

func (d *redisDirectory) SetAdd(ctx context.Context, key, member string) error {
	err := withRetry(func() error {
		return d.client.SAdd(ctx, key, member).Err()
	})
	if err != nil {
		return fmt.Errorf("directory: sadd %q: %w", key, err)
	}
	return nil
}

func (d *redisDirectory) SetRemove(ctx context.Context, key, member string) error {
	err := withRetry(func() error {
		return d.client.SRem(ctx, key, member).Err()
	})
	if err != nil {
		return fmt.Errorf("directory: srem %q: %w", key, err)
	}
	return nil
}

func (d *redisDirectory) SetMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := withRetry(func() error {
		var e error
		members, e = d.client.SMembers(ctx, key).Result()
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("directory: smembers %q: %w", key, err)
	}
	return members, nil
}

func (d *redisDirectory) Publish(ctx context.Context, channel, message string) error {
	err := withRetry(func() error {
		return d.client.Publish(ctx, channel, message).Err()
	})
	if err != nil {
		return fmt.Errorf("directory: publish %q: %w", channel, err)
	}
	return nil
}

func (d *redisDirectory) Subscribe(ctx context.Context, channel string) (<-chan string, func(), error) {
	sub := d.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("directory: subscribe %q: %w", channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- msg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func (d *redisDirectory) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := d.client.Ping(ctx).Err(); err != nil {
		return 0, fmt.Errorf("directory: ping: %w", err)
	}
	return time.Since(start), nil
}

func (d *redisDirectory) Close() error {
	return d.client.Close()
}
