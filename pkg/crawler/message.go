package crawler

import (
	"time"

	"github.com/telecrawl/telecrawl/pkg/telegram"
)

// ReactionCount is one reaction aggregate in the outbound schema.
type ReactionCount struct {
	Emoji string `json:"emoji"`
	Count int    `json:"count"`
}

// EntityRef is a formatting entity inside the message text.
type EntityRef struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
}

// MessageMetadata carries auxiliary message data downstream.
type MessageMetadata struct {
	Entities []EntityRef `json:"entities,omitempty"`
}

// OutboundMessage is the JSON document published per collected message.
type OutboundMessage struct {
	MessageID  int64  `json:"message_id"`
	EntityID   int64  `json:"entity_id"`
	EntityName string `json:"entity_name"`

	SenderID   *int64  `json:"sender_id"`
	SenderName *string `json:"sender_name"`

	Date    time.Time `json:"date"`
	Message string    `json:"message"`

	Reactions []ReactionCount `json:"reactions"`

	Views    *int `json:"views"`
	Forwards *int `json:"forwards"`
	Replies  *int `json:"replies"`

	MediaType *string `json:"media_type"`
	MediaURL  *string `json:"media_url"`

	ReplyToMessageID *int64 `json:"reply_to_message_id"`

	Metadata MessageMetadata `json:"metadata"`
}

// ProjectMessage maps a client-library message onto the outbound schema.
// The entity identity comes from the resolved peer, not the message itself.
func ProjectMessage(m *telegram.Message, peer *telegram.Peer) *OutboundMessage {
	reactions := make([]ReactionCount, 0, len(m.Reactions))
	for _, r := range m.Reactions {
		reactions = append(reactions, ReactionCount{
			Emoji: r.Label(),
			Count: r.Count,
		})
	}

	var entities []EntityRef
	for _, e := range m.Entities {
		entities = append(entities, EntityRef{
			Type:   e.Type,
			Offset: e.Offset,
			Length: e.Length,
		})
	}

	return &OutboundMessage{
		MessageID:        m.ID,
		EntityID:         peer.ID,
		EntityName:       peer.Name,
		SenderID:         m.SenderID,
		SenderName:       m.SenderName,
		Date:             m.Date,
		Message:          m.Text,
		Reactions:        reactions,
		Views:            m.Views,
		Forwards:         m.Forwards,
		Replies:          m.Replies,
		MediaType:        m.MediaType,
		MediaURL:         m.MediaURL,
		ReplyToMessageID: m.ReplyToMessageID,
		Metadata:         MessageMetadata{Entities: entities},
	}
}
