package logger

import (
	"log/slog"
	"time"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so that lease,
// directory and crawl events can be correlated in log aggregation.
const (
	// Worker identity and components
	KeyComponent = "component" // Subsystem: router, lease, pool, executor
	KeyInstance  = "instance"  // Worker instance identifier (pod name)

	// Messaging
	KeySubject  = "subject"  // NATS subject a message arrived on or was published to
	KeyStream   = "stream"   // JetStream stream name
	KeyConsumer = "consumer" // Durable consumer name
	KeyDelivery = "delivery" // Delivery attempt for the current message

	// Lease management
	KeySessionID = "session_id" // Chat session identifier
	KeyBucket    = "bucket"     // KV bucket backing the leases
	KeyRevision  = "revision"   // KV entry revision

	// Crawl targets
	KeyEntityID   = "entity_id"   // Channel external identifier
	KeyChannelURL = "channel_url" // Channel invite/join URL
	KeyFromDate   = "from_date"   // Range start
	KeyToDate     = "to_date"     // Range end
	KeyMessageID  = "message_id"  // Chat message identifier

	// Operation metadata
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyCount      = "count"       // Generic item count
	KeyAttempt    = "attempt"     // Retry attempt number
)

// Component returns a slog.Attr naming the emitting subsystem
func Component(name string) slog.Attr {
	return slog.String(KeyComponent, name)
}

// Instance returns a slog.Attr for the worker instance identifier
func Instance(id string) slog.Attr {
	return slog.String(KeyInstance, id)
}

// Subject returns a slog.Attr for a NATS subject
func Subject(s string) slog.Attr {
	return slog.String(KeySubject, s)
}

// Stream returns a slog.Attr for a JetStream stream name
func Stream(name string) slog.Attr {
	return slog.String(KeyStream, name)
}

// Consumer returns a slog.Attr for a durable consumer name
func Consumer(name string) slog.Attr {
	return slog.String(KeyConsumer, name)
}

// Delivery returns a slog.Attr for the delivery attempt number
func Delivery(n uint64) slog.Attr {
	return slog.Uint64(KeyDelivery, n)
}

// SessionID returns a slog.Attr for a chat session identifier
func SessionID(id string) slog.Attr {
	return slog.String(KeySessionID, id)
}

// Bucket returns a slog.Attr for the lease KV bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Revision returns a slog.Attr for a KV entry revision
func Revision(rev uint64) slog.Attr {
	return slog.Uint64(KeyRevision, rev)
}

// EntityID returns a slog.Attr for a channel external identifier
func EntityID(id string) slog.Attr {
	return slog.String(KeyEntityID, id)
}

// ChannelURL returns a slog.Attr for a channel URL
func ChannelURL(url string) slog.Attr {
	return slog.String(KeyChannelURL, url)
}

// FromDate returns a slog.Attr for a range start
func FromDate(t time.Time) slog.Attr {
	return slog.Time(KeyFromDate, t)
}

// ToDate returns a slog.Attr for a range end
func ToDate(t time.Time) slog.Attr {
	return slog.Time(KeyToDate, t)
}

// MessageID returns a slog.Attr for a chat message identifier
func MessageID(id int64) slog.Attr {
	return slog.Int64(KeyMessageID, id)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Count returns a slog.Attr for a generic item count
func Count(n int) slog.Attr {
	return slog.Int(KeyCount, n)
}

// Attempt returns a slog.Attr for a retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}
