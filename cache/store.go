// Package cache implements the bounded LRU Cache Store (C2): a map from
// device ID to firmware record, with a doubly linked list tracking recency
// so eviction is O(1). All four operations are mutually exclusive under a
// single mutex guarding a CPU-only critical section; callers must never
// perform I/O while holding it (the orchestrator honors this by design).
package cache

import (
	"fmt"
	"sync"

	"github.com/sharedcode/otaflux"
)

type entry struct {
	record *otaflux.FirmwareRecord
	node   *node[string]
}

// Store is a capacity-bounded, LRU-evicting cache keyed by device ID.
type Store struct {
	mu       sync.Mutex
	capacity int
	lookup   map[string]*entry
	order    *doublyLinkedList[string]
}

// NewStore constructs a Store with the given capacity. Capacity must be
// strictly positive; a non-positive value is a configuration error.
func NewStore(capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, otaflux.NewError(otaflux.ConfigError, fmt.Errorf("cache capacity must be positive, got %d", capacity))
	}
	return &Store{
		capacity: capacity,
		lookup:   make(map[string]*entry, capacity),
		order:    newDoublyLinkedList[string](),
	}, nil
}

// Peek returns the record for deviceId without affecting LRU recency, or
// nil if absent.
func (s *Store) Peek(deviceId string) *otaflux.FirmwareRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup[deviceId]
	if !ok {
		return nil
	}
	return e.record
}

// Get returns the record for deviceId, promoting it to most-recently-used,
// or nil if absent.
func (s *Store) Get(deviceId string) *otaflux.FirmwareRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.lookup[deviceId]
	if !ok {
		return nil
	}
	s.order.delete(e.node)
	e.node = s.order.addToHead(deviceId)
	return e.record
}

// Put inserts or replaces the record for deviceId, marking it
// most-recently-used, then evicts least-recently-used entries until the
// store is back within capacity.
func (s *Store) Put(deviceId string, record *otaflux.FirmwareRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.lookup[deviceId]; ok {
		e.record = record
		s.order.delete(e.node)
		e.node = s.order.addToHead(deviceId)
	} else {
		s.lookup[deviceId] = &entry{
			record: record,
			node:   s.order.addToHead(deviceId),
		}
	}
	s.evictLocked()
}

// Size reports the current number of entries.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lookup)
}

func (s *Store) evictLocked() {
	for s.order.count() > s.capacity {
		id, ok := s.order.deleteFromTail()
		if !ok {
			break
		}
		delete(s.lookup, id)
	}
}
