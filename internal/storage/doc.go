// Package storage provides the coordination store every cdcfleet node shares:
// a key-value store with per-key expiry, an atomic create-if-absent write,
// and string sets.
//
// # Overview
//
// Cluster correctness rests on one primitive, SetIfAbsent. Task leases are
// created with it, so among any number of nodes racing for a task exactly
// one sees true. Leases are kept alive with RefreshIfEqual, which extends a
// key only while it still holds the caller's value. Expiry is the only failure detector: a node that stops
// renewing its lease and heartbeat keys simply disappears from the store.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│        Coordinator components       │
//	│  (locks, heartbeats, registry, ...) │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│           Store interface           │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌────────────┐    ┌─────────────┐
//	   │ RedisStore │    │ MemoryStore │
//	   │ (go-redis) │    │ (in process)│
//	   └────────────┘    └─────────────┘
//	          │                 ▲
//	          │    RESP         │
//	          └──────────► RESPServer (redcon)
//
// RedisStore talks to Redis or to RESPServer, which serves a MemoryStore
// over the Redis protocol for development clusters. MemoryStore alone backs
// unit tests; its clock can be replaced so expiry is deterministic.
//
// # Semantics
//
//   - A TTL of zero means no expiry.
//   - Set overwrites both value and TTL.
//   - Get of a missing or expired key returns ErrKeyNotFound.
//   - Delete and RemoveFromSet of missing entries are not errors.
//   - RefreshIfEqual never touches a key holding another value.
//   - Sets never expire.
//
// All implementations are safe for concurrent use.
package storage
