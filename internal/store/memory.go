package store

import (
	"context"
	"sync"
)

// Memory keeps state in process memory. Used by tests and -store memory.
type Memory struct {
	mu     sync.Mutex
	states map[int64]PropertyState
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{states: make(map[int64]PropertyState)}
}

func (m *Memory) Load(_ context.Context, propertyID int64) (PropertyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[propertyID].Clone(), nil
}

func (m *Memory) Update(ctx context.Context, propertyID int64, fn func(*PropertyState) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[propertyID].Clone()
	if err := fn(&st); err != nil {
		return err
	}
	m.states[propertyID] = st.Clone()
	return nil
}
