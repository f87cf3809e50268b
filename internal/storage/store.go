package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store is the shared coordination store every node talks to.
// All implementations must be thread-safe for concurrent access.
// A zero ttl means the key never expires.
type Store interface {
	// SetIfAbsent atomically writes key only if it does not exist.
	// Returns true iff this call created the key.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Set stores a value, overwriting any existing value and TTL
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// RefreshIfEqual atomically resets the TTL of key to ttl, but only while
	// key still holds value. Returns true iff the key was refreshed.
	// ttl must be positive.
	RefreshIfEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get retrieves a value by key
	// Returns ErrKeyNotFound if the key doesn't exist or has expired
	Get(ctx context.Context, key string) (string, error)

	// Delete removes a key
	// No error if key doesn't exist
	Delete(ctx context.Context, key string) error

	// AddToSet adds member to the set stored at setKey
	AddToSet(ctx context.Context, setKey, member string) error

	// RemoveFromSet removes member from the set stored at setKey
	RemoveFromSet(ctx context.Context, setKey, member string) error

	// MembersOf returns all members of a set
	// Order is not guaranteed
	MembersOf(ctx context.Context, setKey string) ([]string, error)

	// Ping checks connectivity
	Ping(ctx context.Context) error

	// Close releases client resources
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of live string keys
	Sets  int // Number of sets
	Bytes int // Total size of all string values in bytes
}

type entry struct {
	value    string
	expireAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && !now.Before(e.expireAt)
}

// MemoryStore implements Store in process memory.
// Expired keys are removed lazily on access and by Sweep.
type MemoryStore struct {
	data  map[string]entry
	sets  map[string]map[string]struct{}
	clock func() time.Time
	mu    sync.Mutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]entry),
		sets:  make(map[string]map[string]struct{}),
		clock: time.Now,
	}
}

// SetClock replaces the time source used for TTL bookkeeping.
func (m *MemoryStore) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock().Add(ttl)
}

// lookup must be called with mu held.
func (m *MemoryStore) lookup(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.clock()) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

// SetIfAbsent writes the key only when no live value exists
func (m *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: value, expireAt: m.expiry(ttl)}
	return true, nil
}

// Set stores a value with the given key
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = entry{value: value, expireAt: m.expiry(ttl)}
	return nil
}

// RefreshIfEqual moves the expiry of a live key holding value to now+ttl
func (m *MemoryStore) RefreshIfEqual(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok || e.value != value {
		return false, nil
	}
	e.expireAt = m.expiry(ttl)
	m.data[key] = e
	return true, nil
}

// Get retrieves a value by key
func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

// Delete removes a key or a set
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	delete(m.sets, key)
	return nil
}

// AddToSet adds member to a set, creating the set if needed
func (m *MemoryStore) AddToSet(_ context.Context, setKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		m.sets[setKey] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member from a set; empty sets are dropped
func (m *MemoryStore) RemoveFromSet(_ context.Context, setKey, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[setKey]
	if !ok {
		return nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, setKey)
	}
	return nil
}

// MembersOf returns a copy of the set's members
func (m *MemoryStore) MembersOf(_ context.Context, setKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[setKey]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// Ping always succeeds for the in-memory store
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store
func (m *MemoryStore) Close() error { return nil }

// TTL returns the remaining time to live of key.
// The second result is false when the key does not exist.
// A key without expiry reports a negative duration.
func (m *MemoryStore) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookup(key)
	if !ok {
		return 0, false
	}
	if e.expireAt.IsZero() {
		return -1, true
	}
	return e.expireAt.Sub(m.clock()), true
}

// Sweep removes every expired key and returns how many were removed
func (m *MemoryStore) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	removed := 0
	for key, e := range m.data {
		if e.expired(now) {
			delete(m.data, key)
			removed++
		}
	}
	return removed
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	stats := StoreStats{Sets: len(m.sets)}
	for _, e := range m.data {
		if e.expired(now) {
			continue
		}
		stats.Keys++
		stats.Bytes += len(e.value)
	}
	return stats
}
