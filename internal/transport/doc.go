// Package transport provides the narrow pub/sub and key/value surface the
// relay core needs from its backing store.
//
// The Transport interface covers exactly the primitives the broker, registry,
// and sender use: channel publish with a receiver count, per-key lists with
// expiry for offline persistence, a small key/value store for registry
// records, an incrementally adjustable subscription, and a latency ping.
//
// Two implementations exist:
//
//   - Redis: the production implementation backed by github.com/redis/go-redis/v9
//   - Memory: an in-process fake with real fan-out semantics, used by tests
//
// Message delivery order within one channel is preserved by both; nothing is
// guaranteed across channels.
package transport
