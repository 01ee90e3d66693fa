package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/todo-1m/offline/internal/contracts"
	"github.com/todo-1m/offline/internal/storage"
)

// doc is one JSON value persisted under a fixed key, plus the in-memory
// mirror that takes over while writes fail.
type doc[T any] struct {
	key      string
	mirror   T
	loaded   bool
	degraded bool
}

// load returns the stored value. A read failure before anything was loaded
// is returned as ErrUnavailable: the caller must not write, since the stored
// value is unknown and a save would replace it.
func (d *doc[T]) load(ctx context.Context, s storage.Storage, log logrus.FieldLogger) (T, error) {
	if d.degraded {
		return d.mirror, nil
	}
	var zero T
	raw, err := s.Get(ctx, d.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		d.mirror, d.loaded = zero, true
		return zero, nil
	case err != nil:
		if d.loaded {
			log.WithError(err).WithField("key", d.key).Warn("storage read failed, using in-memory copy")
			return d.mirror, nil
		}
		log.WithError(err).WithField("key", d.key).Error("storage read failed, nothing loaded yet")
		return zero, fmt.Errorf("%w: read %s: %v", ErrUnavailable, d.key, err)
	}

	var value T
	if err := json.Unmarshal(raw, &value); err != nil {
		log.WithError(err).WithField("key", d.key).Warn("stored data is malformed, treating as empty")
		return zero, nil
	}
	d.mirror, d.loaded = value, true
	return value, nil
}

func (d *doc[T]) save(ctx context.Context, s storage.Storage, log logrus.FieldLogger, value T) contracts.Durability {
	d.mirror, d.loaded = value, true

	raw, err := json.Marshal(value)
	if err == nil {
		err = s.Put(ctx, d.key, raw)
	}
	if err != nil {
		if !d.degraded {
			log.WithError(err).WithField("key", d.key).Error("queue persistence failed, continuing in memory only")
		}
		d.degraded = true
		return contracts.Degraded
	}
	if d.degraded {
		log.WithField("key", d.key).Info("queue persistence recovered")
	}
	d.degraded = false
	return contracts.Persisted
}

func worst(values ...contracts.Durability) contracts.Durability {
	for _, v := range values {
		if v == contracts.Degraded {
			return contracts.Degraded
		}
	}
	return contracts.Persisted
}
