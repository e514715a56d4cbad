// ABOUTME: Redis implementation of the Transport interface using go-redis/v9.
// ABOUTME: Publish maps to PUBLISH, lists to RPUSH/LRANGE+EXPIRE, keys to SET/SCAN.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Transport on a Redis connection pool.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance at url (redis://host:port/db) and
// verifies the connection with a ping. maxConnections sizes the pool; zero
// keeps the client default.
func NewRedis(ctx context.Context, url string, maxConnections int) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing transport url: %w", err)
	}
	if maxConnections > 0 {
		opts.PoolSize = maxConnections
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to transport: %w", err)
	}
	return &Redis{client: client}, nil
}

// Publish sends payload on channel and returns the number of receivers.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return r.client.Publish(ctx, channel, payload).Result()
}

// PushList appends payload to the list at key and refreshes its expiry.
func (r *Redis) PushList(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// DrainList returns and clears the list at key in one round trip.
func (r *Redis) DrainList(ctx context.Context, key string) ([][]byte, error) {
	pipe := r.client.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	values := entries.Val()
	out := make([][]byte, 0, len(values))
	for _, v := range values {
		out = append(out, []byte(v))
	}
	return out, nil
}

// SetKey stores value at key with no expiry.
func (r *Redis) SetKey(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, key, value, 0).Err()
}

// GetKey returns the value at key, or ErrKeyNotFound.
func (r *Redis) GetKey(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

// ScanKeys returns all keys matching the glob pattern.
func (r *Redis) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

// DeleteKey removes key.
func (r *Redis) DeleteKey(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Subscribe opens a pub/sub subscription with an empty channel set.
func (r *Redis) Subscribe(ctx context.Context) Subscription {
	return &redisSubscription{pubsub: r.client.Subscribe(ctx)}
}

// Ping reports round-trip latency to the server.
func (r *Redis) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

// redisSubscription adapts *redis.PubSub to the Subscription interface.
type redisSubscription struct {
	pubsub *redis.PubSub
}

func (s *redisSubscription) Subscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return s.pubsub.Subscribe(ctx, channels...)
}

func (s *redisSubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	if len(channels) == 0 {
		return nil
	}
	return s.pubsub.Unsubscribe(ctx, channels...)
}

// Receive polls for one message. Timeouts and pub/sub control notifications
// are reported as ok=false so the caller's loop stays responsive.
func (s *redisSubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, bool, error) {
	raw, err := s.pubsub.ReceiveTimeout(ctx, timeout)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}

	switch m := raw.(type) {
	case *redis.Message:
		return &Message{Channel: m.Channel, Payload: []byte(m.Payload)}, true, nil
	default:
		// Subscription confirmations and pongs carry no payload.
		return nil, false, nil
	}
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
