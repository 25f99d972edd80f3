// Package directory is the persistent store of sessions, channel entities,
// sticky session-channel mappings and collection records.
//
// Production runs on PostgreSQL in schema "crawler"; tests run the same code
// against in-memory SQLite.
package directory

import (
	"time"
)

// Session is an authenticated chat-platform account. Finite in number and
// shared across all workers under lease-based mutual exclusion.
type Session struct {
	ID uint `gorm:"primaryKey"`

	// Session is the serialized client-library credential.
	Session string `gorm:"not null"`

	// APIID and APIHash are the platform API keys bound to the account.
	APIID   int    `gorm:"column:api_id;not null"`
	APIHash string `gorm:"column:api_hash;not null"`

	// Tel is the phone identifier. Provisioning upserts by phone, so it is
	// the natural key of the account.
	Tel string `gorm:"uniqueIndex;not null"`

	// Proxy is an optional proxy URL for this account's connections.
	Proxy *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Entity is a channel known to the crawler. Created lazily on the first
// successful resolution of a URL through the client library.
type Entity struct {
	ID uint `gorm:"primaryKey"`

	// EntityID is the platform-assigned identifier.
	EntityID int64 `gorm:"column:entity_id;uniqueIndex;not null"`

	EntityName string `gorm:"column:entity_name"`

	// EntityURL is the join/invite URL the entity was first resolved from.
	EntityURL string `gorm:"column:entity_url;uniqueIndex;not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionEntityMap is the sticky session-channel binding: the session has at
// some point successfully fetched history for the channel, making it the
// preferred session for future tasks on that channel.
type SessionEntityMap struct {
	ID uint `gorm:"primaryKey"`

	SessionID uint `gorm:"uniqueIndex:uix_entity_session;not null"`
	EntityID  uint `gorm:"uniqueIndex:uix_entity_session;not null"`

	Session Session `gorm:"constraint:OnDelete:CASCADE"`
	Entity  Entity  `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

// ChannelCollection records that a contiguous range of a channel's history
// has been ingested. Never mutated after creation.
type ChannelCollection struct {
	ID uint `gorm:"primaryKey"`

	EntityID uint `gorm:"uniqueIndex:uix_entity_message_range;index:ix_entity_datetime_range;not null"`

	FromMessageID int64 `gorm:"uniqueIndex:uix_entity_message_range;not null"`
	ToMessageID   int64 `gorm:"uniqueIndex:uix_entity_message_range;not null"`

	FromDatetime time.Time `gorm:"index:ix_entity_datetime_range;not null"`
	ToDatetime   time.Time `gorm:"index:ix_entity_datetime_range;not null"`

	MessagesCount int `gorm:"not null"`

	Entity Entity `gorm:"constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
}

// AllModels returns every model for schema migration, ordered so foreign key
// targets migrate first.
func AllModels() []any {
	return []any{
		&Session{},
		&Entity{},
		&SessionEntityMap{},
		&ChannelCollection{},
	}
}
