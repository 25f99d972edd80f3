package crawler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telecrawl/telecrawl/internal/logger"
)

// StreamPublisher publishes outbound messages to JetStream asynchronously,
// waiting for acks once the in-flight window fills. Not safe for concurrent
// use; the executor runs one task at a time.
type StreamPublisher struct {
	js      jetstream.JetStream
	subject string
	batch   int

	futures []jetstream.PubAckFuture
}

// NewStreamPublisher builds a publisher for the given subject with the given
// in-flight window.
func NewStreamPublisher(js jetstream.JetStream, subject string, batch int) *StreamPublisher {
	if batch < 1 {
		batch = 1
	}
	return &StreamPublisher{
		js:      js,
		subject: subject,
		batch:   batch,
	}
}

// Publish serializes the message and hands it to the async publisher. When
// the in-flight window is full, it blocks on the pending acks first.
func (p *StreamPublisher) Publish(ctx context.Context, msg *OutboundMessage) error {
	if len(p.futures) >= p.batch {
		if err := p.Flush(ctx); err != nil {
			return err
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode outbound message: %w", err)
	}

	future, err := p.js.PublishAsync(p.subject, data)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", p.subject, err)
	}
	p.futures = append(p.futures, future)
	return nil
}

// Flush waits until every pending publish is acked by the stream. The first
// publish failure is returned; the pending set is cleared either way since
// the bus owns redelivery from here.
func (p *StreamPublisher) Flush(ctx context.Context) error {
	if len(p.futures) == 0 {
		return nil
	}

	select {
	case <-p.js.PublishAsyncComplete():
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, f := range p.futures {
		select {
		case err := <-f.Err():
			if firstErr == nil {
				firstErr = err
			}
		default:
		}
	}

	logger.Debug("flushed outbound messages",
		logger.KeySubject, p.subject,
		logger.KeyCount, len(p.futures),
	)
	p.futures = p.futures[:0]
	return firstErr
}
