// ABOUTME: Thread-safe TTL set of recently seen message ids.
// ABOUTME: Size-bounded with O(1) oldest-first eviction via a linked list.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// cleanupInterval is how often expired ids are purged in the background.
const cleanupInterval = time.Minute

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// Seen tracks message ids observed within a TTL window, bounded in size.
// When full, the oldest id is evicted to make room.
type Seen struct {
	mu      sync.Mutex
	ids     map[string]*seenEntry
	order   *list.List // ids in observation order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a Seen set and starts its background cleanup.
func New(ttl time.Duration, maxSize int) *Seen {
	s := &Seen{
		ids:     make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// Observe atomically checks and records a message id. It returns true when
// the id was already observed inside the TTL window — the caller should drop
// the message as a redelivery.
func (s *Seen) Observe(messageID string) bool {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.ids[messageID]; ok && now.Sub(entry.at) < s.ttl {
		// A repeat sighting makes the id recent again for eviction purposes,
		// but the TTL window stays anchored to the first sighting.
		s.order.MoveToBack(entry.element)
		return true
	}
	s.recordLocked(messageID, now)
	return false
}

// Len reports how many ids are currently tracked.
func (s *Seen) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// recordLocked inserts or refreshes an id. Must be called with mu held.
func (s *Seen) recordLocked(messageID string, now time.Time) {
	if entry, ok := s.ids[messageID]; ok {
		entry.at = now
		s.order.MoveToBack(entry.element)
		return
	}

	if len(s.ids) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			oldest, _ := front.Value.(string)
			s.order.Remove(front)
			delete(s.ids, oldest)
		}
	}

	s.ids[messageID] = &seenEntry{
		at:      now,
		element: s.order.PushBack(messageID),
	}
}

// cleanup purges expired ids until Close.
func (s *Seen) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.purgeExpired()
		case <-s.done:
			return
		}
	}
}

func (s *Seen) purgeExpired() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, entry := range s.ids {
		if now.Sub(entry.at) >= s.ttl {
			s.order.Remove(entry.element)
			delete(s.ids, id)
		}
	}
}

// Close stops the background cleanup. Safe to call more than once.
func (s *Seen) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
