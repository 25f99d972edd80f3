package crawler

import (
	"context"
	"errors"
	"io"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/telegram"
)

// Publisher emits collected messages to the outbound stream. Publish may
// buffer; Flush blocks until everything published so far is durably stored.
type Publisher interface {
	Publish(ctx context.Context, msg *OutboundMessage) error
	Flush(ctx context.Context) error
}

// stopFunc ends iteration when it returns true for a message. The matching
// message itself is not collected.
type stopFunc func(m *telegram.Message) bool

// skipFunc excludes a message from collection without ending iteration.
// Backfill uses it to pass over messages newer than the sub-range.
type skipFunc func(m *telegram.Message) bool

// collect iterates the peer's history newest-first, publishing every
// collected message and folding it into the returned accumulator.
//
// A rate-limit abort surfaces as a *telegram.FloodWaitError; the accumulator
// still reflects everything published before the abort, so the caller can
// record a partial collection.
func (e *Executor) collect(ctx context.Context, pool *telegram.Pool, peer *telegram.Peer, stop stopFunc, skip skipFunc) (*Metadata, error) {
	meta := &Metadata{}

	err := pool.WithClient(ctx, func(ctx context.Context, c telegram.Client) error {
		iter, err := c.IterMessages(ctx, peer.ID)
		if err != nil {
			return err
		}

		for {
			m, err := iter.Next(ctx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}

			if stop(m) {
				return nil
			}
			if skip != nil && skip(m) {
				continue
			}

			if err := e.pub.Publish(ctx, ProjectMessage(m, peer)); err != nil {
				return err
			}
			meta.Observe(m.ID, m.Date)
		}
	})
	if err != nil {
		var flood *telegram.FloodWaitError
		if errors.As(err, &flood) {
			if e.metrics != nil {
				e.metrics.RecordFloodWait(flood.Seconds)
			}
			logger.Warn("rate limited during iteration",
				logger.KeyEntityID, peer.ID,
				logger.KeyCount, meta.Count,
				"wait_seconds", flood.Seconds,
			)
		}
		return meta, err
	}

	return meta, nil
}
