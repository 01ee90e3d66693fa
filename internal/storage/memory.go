package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var ErrWriteRejected = errors.New("storage write rejected")

// Memory keeps values in process. FailWrites makes every Put fail, which is
// how tests and the agent's -ephemeral mode exercise degraded durability.
type Memory struct {
	mu         sync.RWMutex
	values     map[string][]byte
	FailWrites atomic.Bool
}

func NewMemory() *Memory {
	return &Memory{values: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	if m.FailWrites.Load() {
		return ErrWriteRejected
	}
	m.mu.Lock()
	m.values[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// Set writes value bypassing FailWrites.
func (m *Memory) Set(key string, value []byte) {
	m.mu.Lock()
	m.values[key] = append([]byte(nil), value...)
	m.mu.Unlock()
}

func (m *Memory) Close() error { return nil }
