package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/todo-1m/offline/internal/platform/dbpool"
)

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNATS     = "nats"
)

var ErrUnknownDriver = errors.New("unknown storage driver")

type Options struct {
	Driver      string
	Path        string
	DatabaseURL string
	// KV is required by the nats driver; the composition root owns the
	// connection it came from.
	KV         nats.KeyValue
	SealSecret string
}

// Open builds the configured backend, wrapping it in Sealed when a secret is
// set.
func Open(ctx context.Context, opts Options) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case DriverMemory:
		backend = NewMemory()
	case DriverFile:
		backend, err = NewFile(opts.Path)
	case "", DriverSQLite:
		backend, err = OpenSQLite(ctx, opts.Path)
	case DriverPostgres:
		pool, poolErr := dbpool.New(ctx, opts.DatabaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		pg := NewPostgres(pool)
		if err = pg.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure postgres schema: %w", err)
		}
		backend = pg
	case DriverNATS:
		if opts.KV == nil {
			return nil, errors.New("nats storage requires a key/value bucket")
		}
		backend = NewNATSKV(opts.KV)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, opts.Driver)
	}
	if err != nil {
		return nil, err
	}

	if opts.SealSecret == "" {
		return backend, nil
	}
	sealed, err := NewSealed(backend, opts.SealSecret)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return sealed, nil
}
