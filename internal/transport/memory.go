// ABOUTME: In-memory Transport implementation for testing.
// ABOUTME: Allows broker, registry, and sender tests to run without Redis.

package transport

import (
	"context"
	"path"
	"sync"
	"time"
)

// subscriptionBuffer is the per-subscription inbox size. Publishes to a full
// inbox are dropped, matching pub/sub (not queue) semantics.
const subscriptionBuffer = 128

// Memory is an in-process Transport with real fan-out behavior.
type Memory struct {
	mu     sync.Mutex
	subs   map[*memorySubscription]struct{}
	lists  map[string]*memoryList
	kv     map[string][]byte
	closed bool
}

type memoryList struct {
	entries   [][]byte
	expiresAt time.Time // zero means no expiry
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		subs:  make(map[*memorySubscription]struct{}),
		lists: make(map[string]*memoryList),
		kv:    make(map[string][]byte),
	}
}

// Publish delivers payload to every subscription currently covering channel
// and returns how many received it.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	var receivers int64
	for sub := range m.subs {
		if sub.covers(channel) {
			if sub.deliver(&Message{Channel: channel, Payload: payload}) {
				receivers++
			}
		}
	}
	return receivers, nil
}

// PushList appends payload to the list at key, resetting its expiry.
func (m *Memory) PushList(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	l := m.liveList(key)
	if l == nil {
		l = &memoryList{}
		m.lists[key] = l
	}
	l.entries = append(l.entries, payload)
	if ttl > 0 {
		l.expiresAt = time.Now().Add(ttl)
	}
	return nil
}

// DrainList returns and clears the list at key.
func (m *Memory) DrainList(ctx context.Context, key string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}

	l := m.liveList(key)
	if l == nil {
		return nil, nil
	}
	delete(m.lists, key)
	return l.entries, nil
}

// liveList returns the unexpired list at key, dropping it if expired.
// Must be called with mu held.
func (m *Memory) liveList(key string) *memoryList {
	l, ok := m.lists[key]
	if !ok {
		return nil
	}
	if !l.expiresAt.IsZero() && time.Now().After(l.expiresAt) {
		delete(m.lists, key)
		return nil
	}
	return l
}

// SetKey stores value at key.
func (m *Memory) SetKey(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	m.kv[key] = cp
	return nil
}

// GetKey returns the value at key, or ErrKeyNotFound.
func (m *Memory) GetKey(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.kv[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

// ScanKeys returns all keys matching the glob pattern.
func (m *Memory) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	var keys []string
	for k := range m.kv {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// DeleteKey removes key.
func (m *Memory) DeleteKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, key)
	return nil
}

// Subscribe opens a subscription with an empty channel set.
func (m *Memory) Subscribe(ctx context.Context) Subscription {
	sub := &memorySubscription{
		parent:   m,
		channels: make(map[string]struct{}),
		inbox:    make(chan *Message, subscriptionBuffer),
	}
	m.mu.Lock()
	if !m.closed {
		m.subs[sub] = struct{}{}
	}
	m.mu.Unlock()
	return sub
}

// Ping reports a nominal latency.
func (m *Memory) Ping(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return time.Microsecond, nil
}

// Close tears down the transport and all open subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		sub.markClosed()
	}
	m.subs = make(map[*memorySubscription]struct{})
	return nil
}

// memorySubscription is one subscriber's adjustable channel set and inbox.
type memorySubscription struct {
	parent *Memory

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool

	inbox chan *Message
}

func (s *memorySubscription) covers(channel string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, ok := s.channels[channel]
	return ok
}

// deliver enqueues without blocking; a full inbox drops the message.
func (s *memorySubscription) deliver(msg *Message) bool {
	select {
	case s.inbox <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySubscription) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *memorySubscription) Subscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		s.channels[ch] = struct{}{}
	}
	return nil
}

func (s *memorySubscription) Unsubscribe(ctx context.Context, channels ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, ch := range channels {
		delete(s.channels, ch)
	}
	return nil
}

func (s *memorySubscription) Receive(ctx context.Context, timeout time.Duration) (*Message, bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, false, ErrClosed
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-s.inbox:
		return msg, true, nil
	case <-timer.C:
		return nil, false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

func (s *memorySubscription) Close() error {
	s.markClosed()
	s.parent.mu.Lock()
	delete(s.parent.subs, s)
	s.parent.mu.Unlock()
	return nil
}
