package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage key not found")

// Storage is the key/value contract the queue store persists through. A Put
// replaces the whole value for key.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Backend is a Storage that owns resources.
type Backend interface {
	Storage
	Close() error
}

// Pinger is implemented by backends that can report liveness for /readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}
