// Package kv provides the key-value gateway backing session leases.
//
// The production implementation is a JetStream KV bucket with a per-entry
// TTL. The Gateway interface keeps the lease manager testable against an
// in-memory fake.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyExists is returned by Create when the key already holds a live
	// entry.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned when the key has no live entry.
	ErrKeyNotFound = errors.New("key not found")

	// ErrSequenceMismatch is returned by Update when the expected revision is
	// not the latest for the key. The caller's view of the key is stale.
	ErrSequenceMismatch = errors.New("revision mismatch")
)

// Op classifies a watch event.
type Op int

const (
	// OpPut means a key was created or updated.
	OpPut Op = iota
	// OpPurge means a key was purged or deleted, or its entry expired.
	OpPurge
)

func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpPurge:
		return "purge"
	default:
		return "unknown"
	}
}

// Event is a single change observed on the bucket.
type Event struct {
	Key      string
	Op       Op
	Revision uint64
}

// Gateway is the lease manager's view of the key-value store.
//
// Revisions are bucket-wide monotonic sequence numbers. Create and Update
// return the revision of the written entry; Update succeeds only when
// expectedRevision is the latest revision of the key.
type Gateway interface {
	// Create writes a new entry and returns its revision. Fails with
	// ErrKeyExists if the key already holds a live entry.
	Create(ctx context.Context, key string, value []byte) (uint64, error)

	// Update overwrites an entry at the given revision and returns the new
	// revision. Fails with ErrSequenceMismatch when the revision is stale and
	// with ErrKeyNotFound when the key has no live entry.
	Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error)

	// Get returns the current value and revision of the key, or
	// ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, uint64, error)

	// Purge removes the key. Purging an absent key is not an error.
	Purge(ctx context.Context, key string) error

	// Keys lists the keys of all live entries. An empty bucket yields an
	// empty slice.
	Keys(ctx context.Context) ([]string, error)

	// Watch streams changes to all keys until the context is canceled. The
	// returned channel is closed when the watch ends.
	Watch(ctx context.Context) (<-chan Event, error)
}
