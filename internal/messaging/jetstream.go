package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	CommandsStream  = "COMMANDS"
	CommandSubjects = "app.command.>"

	// DedupWindow is how long the stream remembers a Nats-Msg-Id. A replayed
	// command published twice inside it is stored once.
	DedupWindow = 10 * time.Minute
)

// StreamManager is the part of nats.JetStreamContext used to provision
// streams and buckets.
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	KeyValue(bucket string) (nats.KeyValue, error)
	CreateKeyValue(cfg *nats.KeyValueConfig) (nats.KeyValue, error)
}

// EnsureCommandStream creates the stream replayed commands are published to
// when it does not exist yet.
func EnsureCommandStream(js StreamManager) error {
	if _, err := js.StreamInfo(CommandsStream); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("stream info %s: %w", CommandsStream, err)
		}
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:       CommandsStream,
			Subjects:   []string{CommandSubjects},
			Retention:  nats.LimitsPolicy,
			Storage:    nats.FileStorage,
			Replicas:   1,
			Duplicates: DedupWindow,
		}); err != nil {
			return fmt.Errorf("add stream %s: %w", CommandsStream, err)
		}
	}
	return nil
}

// EnsureQueueBucket opens the key/value bucket backing the queue documents,
// creating it on first use. Only the latest revision of each key is kept.
func EnsureQueueBucket(js StreamManager, bucket string) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:      bucket,
		Description: "offline command queue",
		History:     1,
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return kv, nil
}
