package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telecrawl/telecrawl/internal/logger"
)

// Bucket adapts a JetStream KV bucket to the Gateway interface.
//
// Entry expiry is handled server-side: the bucket is created with a TTL and
// entries not rewritten within it disappear. Expiry surfaces to watchers as a
// purge event.
type Bucket struct {
	kv   jetstream.KeyValue
	name string
}

var _ Gateway = (*Bucket)(nil)

// OpenBucket creates the bucket if needed and returns the adapter. An
// existing bucket is updated in place, so TTL changes roll out with a
// redeploy.
func OpenBucket(ctx context.Context, js jetstream.JetStream, name string, ttl time.Duration) (*Bucket, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: name,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open KV bucket %q: %w", name, err)
	}

	logger.Debug("opened lease bucket", logger.KeyBucket, name, "ttl", ttl)

	return &Bucket{kv: kv, name: name}, nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Create writes a new entry and returns its revision.
func (b *Bucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("create %q: %w", key, ErrKeyExists)
		}
		return 0, fmt.Errorf("create %q: %w", key, err)
	}
	return rev, nil
}

// Update overwrites the entry at the given revision.
func (b *Bucket) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, expectedRevision)
	if err != nil {
		return 0, fmt.Errorf("update %q: %w", key, convertUpdateError(err))
	}
	return rev, nil
}

// Get returns the current value and revision of the key.
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("get %q: %w", key, ErrKeyNotFound)
		}
		return nil, 0, fmt.Errorf("get %q: %w", key, err)
	}
	return entry.Value(), entry.Revision(), nil
}

// Purge removes the key. Absent keys are not an error.
func (b *Bucket) Purge(ctx context.Context, key string) error {
	if err := b.kv.Purge(ctx, key); err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return fmt.Errorf("purge %q: %w", key, err)
	}
	return nil
}

// Keys lists the keys of all live entries.
func (b *Bucket) Keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}

	keys := make([]string, 0)
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// Watch streams changes to all keys until the context is canceled.
func (b *Bucket) Watch(ctx context.Context) (<-chan Event, error) {
	watcher, err := b.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	if err != nil {
		return nil, fmt.Errorf("watch bucket %q: %w", b.name, err)
	}

	events := make(chan Event)
	go func() {
		defer close(events)
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Debug("failed to stop bucket watcher", logger.KeyBucket, b.name, logger.KeyError, err)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				// A nil entry marks the end of initial values
				if entry == nil {
					continue
				}

				ev := Event{
					Key:      entry.Key(),
					Revision: entry.Revision(),
				}
				switch entry.Operation() {
				case jetstream.KeyValuePut:
					ev.Op = OpPut
				case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
					ev.Op = OpPurge
				default:
					continue
				}

				select {
				case events <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

// convertUpdateError maps JetStream CAS failures to the gateway sentinels.
// A wrong last-sequence rejection means the caller's revision is stale.
func convertUpdateError(err error) error {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence {
		return ErrSequenceMismatch
	}
	if errors.Is(err, jetstream.ErrKeyExists) {
		return ErrSequenceMismatch
	}
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return ErrKeyNotFound
	}
	return err
}
