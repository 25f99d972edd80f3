package crawler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/directory"
	"github.com/telecrawl/telecrawl/pkg/lease"
	"github.com/telecrawl/telecrawl/pkg/metrics"
	"github.com/telecrawl/telecrawl/pkg/planner"
	"github.com/telecrawl/telecrawl/pkg/telegram"
)

// sessionWaitTimeout bounds how long a task waits for a free session before
// giving up and letting the bus redeliver.
const sessionWaitTimeout = 30 * time.Second

// errTerminal marks failures redelivery cannot fix. The task acks so the bus
// stops retrying.
var errTerminal = errors.New("not retriable")

// Disposition tells the router what to do with the inbound bus message.
type Disposition int

const (
	Ack Disposition = iota
	Nack
)

func (d Disposition) String() string {
	if d == Ack {
		return "ack"
	}
	return "nack"
}

// Executor runs one task at a time: plan, lease a session, open a client,
// iterate, emit, record, release. All SQL for a task happens in a single
// SERIALIZABLE transaction committed at task end.
type Executor struct {
	store   *directory.Store
	leases  *lease.Manager
	factory telegram.Factory
	pub     Publisher
	metrics metrics.CrawlerMetrics

	sessionTimeout time.Duration
	now            func() time.Time
}

// NewExecutor wires an executor over its collaborators. Pass nil metrics to
// disable collection.
func NewExecutor(store *directory.Store, leases *lease.Manager, factory telegram.Factory, pub Publisher, m metrics.CrawlerMetrics) *Executor {
	return &Executor{
		store:          store,
		leases:         leases,
		factory:        factory,
		pub:            pub,
		metrics:        m,
		sessionTimeout: sessionWaitTimeout,
		now:            time.Now,
	}
}

// HandleBackfill collects a channel's history from the task's offset up to
// now, skipping ranges already covered by prior collections.
func (e *Executor) HandleBackfill(ctx context.Context, task *BackfillTask) (Disposition, error) {
	logger.Info("processing backfill task",
		logger.KeyChannelURL, task.ChannelURL,
		logger.KeyFromDate, task.DatetimeOffset,
	)

	disp := Ack
	var held *lease.Lease
	defer func() {
		if held != nil {
			held.Release(ctx)
		}
	}()

	err := e.store.Serializable(ctx, func(tx *directory.Store) error {
		known, err := tx.GetEntityByURL(ctx, task.ChannelURL)
		if err != nil && !errors.Is(err, directory.ErrEntityNotFound) {
			return err
		}

		sess, lse, err := e.resolveSession(ctx, tx, known)
		if err != nil {
			return err
		}
		held = lse

		pool, err := e.openPool(ctx, sess)
		if err != nil {
			return err
		}
		defer pool.Close(ctx)

		peer, entity, err := e.resolveEntity(ctx, tx, pool, known, task.ChannelURL)
		if err != nil {
			return err
		}
		if err := tx.EnsureMapping(ctx, sess.ID, entity.ID); err != nil {
			return err
		}

		now := e.now().In(task.DatetimeOffset.Location())
		covered, err := tx.OverlappingCollections(ctx, entity.ID, task.DatetimeOffset, now)
		if err != nil {
			return err
		}

		ranges := planner.Plan(task.DatetimeOffset, now, collectionRanges(covered))
		if len(ranges) == 0 {
			logger.Info("range already collected",
				logger.KeyChannelURL, task.ChannelURL,
				logger.KeyFromDate, task.DatetimeOffset,
				logger.KeyToDate, now,
			)
			return nil
		}

		for _, r := range ranges {
			meta, err := e.collect(ctx, pool, peer,
				func(m *telegram.Message) bool { return m.Date.Before(r.From) },
				func(m *telegram.Message) bool { return m.Date.After(r.To) },
			)
			if err != nil {
				var flood *telegram.FloodWaitError
				if errors.As(err, &flood) && meta.HasMessages() {
					// Keep the partial coverage: commit the record, nack the
					// task, let redelivery plan around what was collected.
					if rerr := e.record(ctx, tx, entity.ID, meta); rerr != nil {
						return rerr
					}
					disp = Nack
					return nil
				}
				return err
			}

			if err := e.record(ctx, tx, entity.ID, meta); err != nil {
				return err
			}
			logger.Info("collected range",
				logger.KeyChannelURL, task.ChannelURL,
				logger.KeyFromDate, r.From,
				logger.KeyToDate, r.To,
				logger.KeyCount, meta.Count,
			)
		}
		return nil
	})
	return e.finish(task.ChannelURL, disp, err)
}

// HandleSchedule collects everything newer than the channel's last collected
// message. The channel must have been initialized by a prior backfill.
func (e *Executor) HandleSchedule(ctx context.Context, task *ScheduleTask) (Disposition, error) {
	logger.Info("processing schedule task",
		logger.KeyEntityID, task.ChannelID,
		logger.KeyMessageID, task.LastMessageID,
	)

	disp := Ack
	var held *lease.Lease
	defer func() {
		if held != nil {
			held.Release(ctx)
		}
	}()

	err := e.store.Serializable(ctx, func(tx *directory.Store) error {
		entity, err := tx.GetEntityByExternalID(ctx, task.ChannelID)
		if err != nil {
			if errors.Is(err, directory.ErrEntityNotFound) {
				return fmt.Errorf("%w: no entity for channel %d", errTerminal, task.ChannelID)
			}
			return err
		}

		sess, lse, err := e.resolveSession(ctx, tx, entity)
		if err != nil {
			return err
		}
		held = lse

		pool, err := e.openPool(ctx, sess)
		if err != nil {
			return err
		}
		defer pool.Close(ctx)

		peer, err := e.inputPeer(ctx, pool, entity)
		if err != nil {
			return err
		}
		if err := tx.EnsureMapping(ctx, sess.ID, entity.ID); err != nil {
			return err
		}

		meta, err := e.collect(ctx, pool, peer,
			func(m *telegram.Message) bool { return m.ID <= task.LastMessageID },
			nil,
		)
		if err != nil {
			var flood *telegram.FloodWaitError
			if errors.As(err, &flood) && meta.HasMessages() {
				if rerr := e.record(ctx, tx, entity.ID, meta); rerr != nil {
					return rerr
				}
				disp = Nack
				return nil
			}
			return err
		}

		if err := e.record(ctx, tx, entity.ID, meta); err != nil {
			return err
		}
		logger.Info("schedule task collected",
			logger.KeyEntityID, task.ChannelID,
			logger.KeyCount, meta.Count,
		)
		return nil
	})
	return e.finish(strconv.FormatInt(task.ChannelID, 10), disp, err)
}

// finish folds the transaction outcome into a bus disposition. Terminal
// failures ack; everything else nacks for redelivery.
func (e *Executor) finish(task string, disp Disposition, err error) (Disposition, error) {
	if err != nil {
		if errors.Is(err, errTerminal) {
			logger.Warn("task failed permanently, acknowledging",
				"task", task,
				logger.KeyError, err,
			)
			return Ack, nil
		}
		logger.Error("task failed",
			"task", task,
			logger.KeyError, err,
		)
		return Nack, err
	}
	return disp, nil
}

// resolveSession picks the session for a task: the channel's subscribed
// session when it exists and can be locked, otherwise an arbitrary free one
// from the pool.
func (e *Executor) resolveSession(ctx context.Context, tx *directory.Store, entity *directory.Entity) (*directory.Session, *lease.Lease, error) {
	if entity != nil {
		sess, err := tx.FindSubscribedSession(ctx, entity.ID)
		switch {
		case err == nil:
			lse, ok := e.leases.Lock(ctx, sess.ID)
			if e.metrics != nil {
				e.metrics.RecordLeaseAcquire(ok)
			}
			if ok {
				logger.Info("acquired subscribed session",
					logger.KeySessionID, strconv.FormatUint(uint64(sess.ID), 10),
					logger.KeyEntityID, entity.EntityID,
				)
				return sess, lse, nil
			}
			// Subscribed session is held elsewhere; fall back to the pool.
		case !errors.Is(err, directory.ErrSessionNotFound):
			return nil, nil, err
		}
	}

	lse, err := e.leases.Session(ctx, e.sessionTimeout)
	if e.metrics != nil {
		e.metrics.RecordLeaseAcquire(err == nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lease a session: %w", err)
	}

	sess, err := tx.GetSession(ctx, lse.ID)
	if err != nil {
		lse.Release(ctx)
		if errors.Is(err, directory.ErrSessionNotFound) {
			// The session was deleted from the directory while its ID was
			// still in the local pool. Resync and retry via redelivery.
			if ids, lerr := tx.ListSessionIDs(ctx); lerr == nil {
				e.leases.UpdateResources(ids)
			}
			return nil, nil, fmt.Errorf("session %d vanished from directory", lse.ID)
		}
		return nil, nil, err
	}
	return sess, lse, nil
}

// openPool builds and connects the client pool for the selected session.
func (e *Executor) openPool(ctx context.Context, sess *directory.Session) (*telegram.Pool, error) {
	opts := telegram.Options{
		Credential: sess.Session,
		APIID:      sess.APIID,
		APIHash:    sess.APIHash,
	}
	if sess.Proxy != nil && *sess.Proxy != "" {
		p, err := telegram.ParseProxy(*sess.Proxy)
		if err != nil {
			return nil, err
		}
		opts.Proxy = p
	}

	client, err := e.factory(opts)
	if err != nil {
		return nil, err
	}

	pool := telegram.NewPool(client)
	if err := pool.Open(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// resolveEntity returns the peer to iterate and its directory row. Known
// entities resolve by marked input ID; unknown ones resolve by URL and are
// upserted into the directory.
func (e *Executor) resolveEntity(ctx context.Context, tx *directory.Store, pool *telegram.Pool, known *directory.Entity, url string) (*telegram.Peer, *directory.Entity, error) {
	if known != nil {
		peer, err := e.inputPeer(ctx, pool, known)
		return peer, known, err
	}

	var peer *telegram.Peer
	err := pool.WithClient(ctx, func(ctx context.Context, c telegram.Client) error {
		var rerr error
		peer, rerr = c.ResolveEntity(ctx, url)
		return rerr
	})
	if err != nil {
		return nil, nil, err
	}
	if peer.Kind == telegram.PeerUnknown {
		return nil, nil, fmt.Errorf("%w: unknown entity type for %s", errTerminal, url)
	}

	entity, created, err := tx.CreateOrGetEntity(ctx, url, peer.ID, peer.Name)
	if err != nil {
		return nil, nil, err
	}
	if created {
		logger.Info("registered new entity",
			logger.KeyEntityID, peer.ID,
			logger.KeyChannelURL, url,
		)
	}
	return peer, entity, nil
}

// inputPeer resolves a known entity by its marked channel ID ("-100" glued
// in front of the platform ID), which skips the username lookup.
func (e *Executor) inputPeer(ctx context.Context, pool *telegram.Pool, entity *directory.Entity) (*telegram.Peer, error) {
	marked, err := strconv.ParseInt(fmt.Sprintf("-100%d", entity.EntityID), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarkable entity id %d", errTerminal, entity.EntityID)
	}

	var peer *telegram.Peer
	err = pool.WithClient(ctx, func(ctx context.Context, c telegram.Client) error {
		var rerr error
		peer, rerr = c.InputEntity(ctx, marked)
		return rerr
	})
	if err != nil {
		return nil, err
	}
	if peer.Name == "" {
		peer.Name = entity.EntityName
	}
	return peer, nil
}

// record flushes the publisher and writes the collection record. Nothing is
// written for an empty accumulator; the flush-before-insert order guarantees
// a record only ever describes messages already handed to the bus.
func (e *Executor) record(ctx context.Context, tx *directory.Store, entityID uint, meta *Metadata) error {
	if !meta.HasMessages() {
		return nil
	}

	if err := e.pub.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush outbound messages: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordMessages(meta.Count)
	}

	return tx.CreateCollection(ctx, &directory.ChannelCollection{
		EntityID:      entityID,
		FromMessageID: meta.FromMessageID,
		ToMessageID:   meta.ToMessageID,
		FromDatetime:  meta.FromDatetime,
		ToDatetime:    meta.ToDatetime,
		MessagesCount: meta.Count,
	})
}

func collectionRanges(records []directory.ChannelCollection) []planner.Range {
	ranges := make([]planner.Range, 0, len(records))
	for _, r := range records {
		ranges = append(ranges, planner.Range{From: r.FromDatetime, To: r.ToDatetime})
	}
	return ranges
}
