// Package registry is the authoritative record of known agents.
//
// # Records and indices
//
// The registry owns the set of AgentInfo records plus three derived indices:
// by user name, by role, and by department. Indices are maintained
// incrementally on register/unregister; the discovery hot path never rebuilds
// them.
//
// # Liveness
//
// Heartbeat refreshes last_seen and forces status online; an unknown id
// returns false rather than an error, since a heartbeat racing a crash is
// expected. A background sweep marks agents offline once last_seen falls
// behind agent_timeout. The sweep is the only automatic path to offline and
// nothing ever deletes a record implicitly.
//
// # Persistence
//
// Every mutation is dual-written: one key per agent id in the transport's
// key/value store, and an atomic JSON snapshot file (written to a temp file,
// then renamed) as a fallback. On boot the key/value store is tried first and
// the snapshot only read when the store is unreachable. Persistence is
// best-effort; a failed write degrades durability, not registration.
package registry
