package crawler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecrawl/telecrawl/pkg/telegram"
)

func TestProjectMessage(t *testing.T) {
	peer := &telegram.Peer{Kind: telegram.PeerChannel, ID: 42, Name: "somechannel"}
	date := time.Date(2026, 8, 10, 15, 4, 5, 0, time.UTC)

	t.Run("FullMessage", func(t *testing.T) {
		senderID := int64(1001)
		senderName := "Alice"
		views := 150
		mediaType := "MessageMediaPhoto"
		replyTo := int64(7)

		out := ProjectMessage(&telegram.Message{
			ID:         12,
			Date:       date,
			Text:       "hello",
			SenderID:   &senderID,
			SenderName: &senderName,
			Reactions: []telegram.Reaction{
				{Kind: telegram.ReactionEmoji, Emoticon: "\U0001F44D", Count: 3},
				{Kind: telegram.ReactionPaid, Count: 1},
			},
			Views:            &views,
			MediaType:        &mediaType,
			ReplyToMessageID: &replyTo,
			Entities: []telegram.MessageEntity{
				{Type: "MessageEntityBold", Offset: 0, Length: 5},
			},
		}, peer)

		assert.Equal(t, int64(12), out.MessageID)
		assert.Equal(t, int64(42), out.EntityID)
		assert.Equal(t, "somechannel", out.EntityName)
		assert.Equal(t, &senderID, out.SenderID)
		require.Len(t, out.Reactions, 2)
		assert.Equal(t, "\U0001F44D", out.Reactions[0].Emoji)
		assert.Equal(t, "PAID STAR", out.Reactions[1].Emoji)
		require.Len(t, out.Metadata.Entities, 1)
		assert.Equal(t, "MessageEntityBold", out.Metadata.Entities[0].Type)
	})

	t.Run("BareMessageSerializesWithNulls", func(t *testing.T) {
		out := ProjectMessage(&telegram.Message{ID: 1, Date: date}, peer)

		data, err := json.Marshal(out)
		require.NoError(t, err)

		var doc map[string]any
		require.NoError(t, json.Unmarshal(data, &doc))

		assert.Nil(t, doc["sender_id"])
		assert.Nil(t, doc["views"])
		assert.Nil(t, doc["media_type"])
		assert.Nil(t, doc["reply_to_message_id"])

		// Reactions serialize as an empty list, never null.
		reactions, ok := doc["reactions"].([]any)
		require.True(t, ok)
		assert.Empty(t, reactions)

		// Metadata is always an object.
		_, ok = doc["metadata"].(map[string]any)
		assert.True(t, ok)

		assert.Equal(t, "2026-08-10T15:04:05Z", doc["date"])
	})
}
