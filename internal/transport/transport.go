// ABOUTME: Transport interface over the pub/sub and key/value primitives the core uses.
// ABOUTME: Implemented by the Redis adapter and the in-memory fake.

package transport

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by GetKey when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrClosed is returned by operations on a closed transport or subscription.
var ErrClosed = errors.New("transport closed")

// Message is one inbound pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a single transport-level subscription handle whose channel
// set can be adjusted incrementally while it is being polled.
type Subscription interface {
	// Subscribe adds channels to the subscription.
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe removes channels from the subscription.
	Unsubscribe(ctx context.Context, channels ...string) error

	// Receive polls for one message. It returns ok=false with a nil error
	// when the timeout elapses with nothing to deliver.
	Receive(ctx context.Context, timeout time.Duration) (msg *Message, ok bool, err error)

	// Close tears down the subscription.
	Close() error
}

// Transport is the backing pub/sub store. Publish reports how many
// subscribers received the message; zero is a successful publish.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) (receivers int64, err error)

	// PushList appends payload to the list at key and, when ttl > 0, resets
	// the list's expiry.
	PushList(ctx context.Context, key string, payload []byte, ttl time.Duration) error

	// DrainList atomically returns and clears the list at key.
	DrainList(ctx context.Context, key string) ([][]byte, error)

	SetKey(ctx context.Context, key string, value []byte) error
	GetKey(ctx context.Context, key string) ([]byte, error)
	ScanKeys(ctx context.Context, pattern string) ([]string, error)
	DeleteKey(ctx context.Context, key string) error

	// Subscribe opens a new subscription with an empty channel set.
	Subscribe(ctx context.Context) Subscription

	// Ping round-trips a no-op and reports its latency.
	Ping(ctx context.Context) (time.Duration, error)

	Close() error
}
