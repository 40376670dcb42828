// Package keylock serializes work per property ID.
package keylock

import "sync"

// Map hands out one mutex per key. The zero value is ready to use.
// Entries are never evicted; the key space is the configured property set.
type Map struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// Lock blocks until key is free and returns the matching unlock func.
func (m *Map) Lock(key int64) (unlock func()) {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[int64]*sync.Mutex)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
