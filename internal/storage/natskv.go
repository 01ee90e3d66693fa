package storage

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go"
)

// NATSKV persists through a JetStream key/value bucket.
type NATSKV struct {
	KV nats.KeyValue
}

func NewNATSKV(kv nats.KeyValue) *NATSKV {
	return &NATSKV{KV: kv}
}

func (n *NATSKV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := n.KV.Get(key)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return entry.Value(), nil
}

func (n *NATSKV) Put(ctx context.Context, key string, value []byte) error {
	_, err := n.KV.Put(key, value)
	return err
}

// Close is a no-op; the connection belongs to the caller.
func (n *NATSKV) Close() error { return nil }
