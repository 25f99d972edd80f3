// Package telegram defines the boundary to the chat-platform client library.
//
// The crawler never talks to the platform directly: it goes through the
// Client interface, bound to one authenticated session at a time. Tests plug
// in fakes; production wires an implementation built on the real client
// library via the Factory.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// PeerKind classifies a resolved entity. The set is closed: anything the
// library reports beyond these is PeerUnknown and fails the task.
type PeerKind int

const (
	PeerUnknown PeerKind = iota
	PeerChannel
	PeerChat
	PeerUser
)

func (k PeerKind) String() string {
	switch k {
	case PeerChannel:
		return "channel"
	case PeerChat:
		return "chat"
	case PeerUser:
		return "user"
	default:
		return "unknown"
	}
}

// Peer is a resolved chat-platform entity.
type Peer struct {
	Kind PeerKind
	ID   int64
	Name string
}

// ReactionKind classifies a message reaction.
type ReactionKind int

const (
	ReactionUnknown ReactionKind = iota
	ReactionEmoji
	ReactionCustom
	ReactionPaid
)

// Reaction is one reaction aggregate on a message.
type Reaction struct {
	Kind ReactionKind

	// Emoticon is set for ReactionEmoji.
	Emoticon string

	// DocumentID is set for ReactionCustom.
	DocumentID int64

	Count int
}

// Label projects the reaction into its outbound string form: the emoticon
// character, the custom document ID as a decimal string, "PAID STAR" for
// paid reactions, "UNKNOWN" otherwise.
func (r Reaction) Label() string {
	switch r.Kind {
	case ReactionEmoji:
		if r.Emoticon == "" {
			return "UNKNOWN"
		}
		return r.Emoticon
	case ReactionCustom:
		return strconv.FormatInt(r.DocumentID, 10)
	case ReactionPaid:
		return "PAID STAR"
	default:
		return "UNKNOWN"
	}
}

// MessageEntity is a formatting entity inside the message text.
type MessageEntity struct {
	Type   string
	Offset int
	Length int
}

// Message is one chat message as surfaced by the client library.
type Message struct {
	ID   int64
	Date time.Time
	Text string

	SenderID   *int64
	SenderName *string

	Reactions []Reaction

	Views    *int
	Forwards *int
	Replies  *int

	MediaType *string
	MediaURL  *string

	ReplyToMessageID *int64

	Entities []MessageEntity
}

// FloodWaitError is the platform's rate-limit signal. The task relinquishes
// instead of sleeping it out; redelivery resumes later.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %d seconds", e.Seconds)
}

// MessageIterator walks a channel's history newest-first. Next returns
// io.EOF when the history is exhausted; a *FloodWaitError aborts iteration.
type MessageIterator interface {
	Next(ctx context.Context) (*Message, error)
}

// Client is one connection bound to a single session. Not safe for
// concurrent use; the Pool serializes access.
type Client interface {
	// Connect establishes the connection and authenticates the session.
	Connect(ctx context.Context) error

	// Disconnect closes the connection. Idempotent.
	Disconnect(ctx context.Context) error

	// ResolveEntity resolves a channel URL into a peer.
	ResolveEntity(ctx context.Context, url string) (*Peer, error)

	// InputEntity resolves a peer by its marked input ID. Faster than URL
	// resolution when the platform ID is already known.
	InputEntity(ctx context.Context, inputID int64) (*Peer, error)

	// IterMessages iterates the peer's history in reverse-chronological
	// order, starting at the newest message.
	IterMessages(ctx context.Context, peerID int64) (MessageIterator, error)
}

// Options carries the credentials a Factory needs to build a client.
type Options struct {
	Credential string
	APIID      int
	APIHash    string
	Proxy      *Proxy
}

// Factory builds a Client for one session.
type Factory func(opts Options) (Client, error)

// defaultFactory is the process-wide production factory. Client-library
// bindings register themselves at init through RegisterFactory.
var defaultFactory Factory

// RegisterFactory installs the production client factory.
func RegisterFactory(f Factory) {
	defaultFactory = f
}

// DefaultFactory returns the registered production factory, or an error when
// no client-library binding is linked into the build.
func DefaultFactory() (Factory, error) {
	if defaultFactory == nil {
		return nil, fmt.Errorf("no client library binding registered")
	}
	return defaultFactory, nil
}
