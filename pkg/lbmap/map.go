package lbmap

import (
	"errors"
	"sync"
)

// DefaultMapSize is the capacity of each table unless configured otherwise.
const DefaultMapSize = 1024

var (
	// ErrMapFull is returned when inserting a new key into a full map.
	ErrMapFull = errors.New("map is full")
	// ErrNotFound is returned when deleting a key that is not present.
	ErrNotFound = errors.New("key not found")
)

// Map is a fixed-capacity hash table safe for concurrent use. Values are
// stored and returned by copy, so a reader observes either the old or the
// new record of a concurrent Update, never a mix of both.
type Map[K comparable, V any] struct {
	name     string
	capacity int
	mu       sync.RWMutex
	entries  map[K]V
}

// ServiceMap is the service directory.
type ServiceMap = Map[ServiceKey, ServiceValue]

// StateMap is the flow-state store of the DSR reverse path.
type StateMap = Map[StateKey, StateValue]

// NewMap creates an empty map holding at most capacity entries.
func NewMap[K comparable, V any](name string, capacity int) *Map[K, V] {
	if capacity <= 0 {
		capacity = DefaultMapSize
	}
	return &Map[K, V]{
		name:     name,
		capacity: capacity,
		entries:  make(map[K]V, capacity),
	}
}

// Name returns the name the map was created with.
func (m *Map[K, V]) Name() string {
	return m.name
}

// Capacity returns the maximum number of entries.
func (m *Map[K, V]) Capacity() int {
	return m.capacity
}

// Len returns the current number of entries.
func (m *Map[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Lookup returns a copy of the value stored under key.
func (m *Map[K, V]) Lookup(key K) (V, bool) {
	m.mu.RLock()
	v, ok := m.entries[key]
	m.mu.RUnlock()
	return v, ok
}

// Update inserts or replaces the value stored under key.
func (m *Map[K, V]) Update(key K, value V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.capacity {
		return ErrMapFull
	}
	m.entries[key] = value
	return nil
}

// Delete removes key from the map.
func (m *Map[K, V]) Delete(key K) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists {
		return ErrNotFound
	}
	delete(m.entries, key)
	return nil
}

// Range calls fn for a snapshot of all entries until fn returns false.
func (m *Map[K, V]) Range(fn func(key K, value V) bool) {
	m.mu.RLock()
	snapshot := make(map[K]V, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

// Flush removes all entries.
func (m *Map[K, V]) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[K]V, m.capacity)
}
