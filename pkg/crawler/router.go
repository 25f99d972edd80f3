package crawler

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/kv"
	"github.com/telecrawl/telecrawl/pkg/lease"
	"github.com/telecrawl/telecrawl/pkg/metrics"
)

const (
	// TaskStream holds both task subjects.
	TaskStream = "CHAT_PARSER"

	// Subject suffixes under the configured prefix.
	backfillSuffix = "new_channel"
	scheduleSuffix = "schedule"

	backfillDurable = "new_channel_consumer"
	scheduleDurable = "schedule_consumer"

	// dlqSuffix is appended to a task subject to form its dead-letter subject.
	dlqSuffix = ".dlq"
)

// RouterConfig carries the bus-side settings of the router.
type RouterConfig struct {
	// Prefix is the normalized task subject prefix ("crawler.tasks.").
	Prefix string

	// MaxDeliver bounds redelivery; the final failing delivery goes to the
	// DLQ subject instead of being retried.
	MaxDeliver int

	// MessageStream and MessageSubject name the outbound stream.
	MessageStream  string
	MessageSubject string
}

// Router binds the task subjects to executor invocations and forwards KV
// watch events into the lease manager. One message is in flight per consumer
// at any time.
type Router struct {
	js      jetstream.JetStream
	gw      kv.Gateway
	leases  *lease.Manager
	exec    *Executor
	cfg     RouterConfig
	metrics metrics.CrawlerMetrics

	backfill jetstream.Consumer
	schedule jetstream.Consumer
}

// NewRouter wires a router. Setup must be called before Run. Pass nil
// metrics to disable collection.
func NewRouter(js jetstream.JetStream, gw kv.Gateway, leases *lease.Manager, exec *Executor, cfg RouterConfig, m metrics.CrawlerMetrics) *Router {
	return &Router{
		js:      js,
		gw:      gw,
		leases:  leases,
		exec:    exec,
		cfg:     cfg,
		metrics: m,
	}
}

// Setup creates or updates the task stream, the outbound stream and both
// durable consumers. Idempotent; safe to run on every worker start.
func (r *Router) Setup(ctx context.Context) error {
	stream, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     TaskStream,
		Subjects: []string{r.cfg.Prefix + ">"},
	})
	if err != nil {
		return err
	}

	if _, err := r.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     r.cfg.MessageStream,
		Subjects: []string{r.cfg.MessageSubject},
	}); err != nil {
		return err
	}

	r.backfill, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       backfillDurable,
		FilterSubject: r.cfg.Prefix + backfillSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    r.cfg.MaxDeliver,
		MaxAckPending: 1,
	})
	if err != nil {
		return err
	}

	r.schedule, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       scheduleDurable,
		FilterSubject: r.cfg.Prefix + scheduleSuffix,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		MaxDeliver:    r.cfg.MaxDeliver,
		MaxAckPending: 1,
	})
	if err != nil {
		return err
	}

	logger.Info("router ready",
		logger.KeyStream, TaskStream,
		logger.KeySubject, r.cfg.Prefix+backfillSuffix,
	)
	return nil
}

// Run consumes both task subjects and the lease bucket watch until the
// context is canceled.
func (r *Router) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.consume(ctx, r.backfill, backfillDurable, r.handleBackfill)
	})
	g.Go(func() error {
		return r.consume(ctx, r.schedule, scheduleDurable, r.handleSchedule)
	})
	g.Go(func() error {
		return r.watchLeases(ctx)
	})

	return g.Wait()
}

// consume pulls one message at a time and hands it to the handler.
func (r *Router) consume(ctx context.Context, cons jetstream.Consumer, durable string, handle func(ctx context.Context, msg jetstream.Msg)) error {
	it, err := cons.Messages(jetstream.PullMaxMessages(1))
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		it.Stop()
	}()

	for {
		msg, err := it.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				return nil
			}
			return err
		}

		logger.Debug("received task message",
			logger.KeyConsumer, durable,
			logger.KeySubject, msg.Subject(),
		)
		handle(ctx, msg)
	}
}

func (r *Router) handleBackfill(ctx context.Context, msg jetstream.Msg) {
	task, err := DecodeBackfill(msg.Data())
	if err != nil {
		r.reject(ctx, msg, "backfill", err)
		return
	}

	disp, err := r.exec.HandleBackfill(ctx, task)
	r.settle(ctx, msg, "backfill", disp, err)
}

func (r *Router) handleSchedule(ctx context.Context, msg jetstream.Msg) {
	task, err := DecodeSchedule(msg.Data())
	if err != nil {
		r.reject(ctx, msg, "schedule", err)
		return
	}

	disp, err := r.exec.HandleSchedule(ctx, task)
	r.settle(ctx, msg, "schedule", disp, err)
}

// settle applies the executor's disposition to the bus message.
func (r *Router) settle(ctx context.Context, msg jetstream.Msg, kind string, disp Disposition, err error) {
	if r.metrics != nil {
		r.metrics.RecordTask(kind, disp.String())
	}
	if disp == Ack {
		if aerr := msg.Ack(); aerr != nil {
			logger.Warn("failed to ack message",
				logger.KeySubject, msg.Subject(),
				logger.KeyError, aerr,
			)
		}
		return
	}
	r.nack(ctx, msg, kind, err)
}

// nack redelivers the message, or routes it to the dead-letter subject on
// the final allowed delivery.
func (r *Router) nack(ctx context.Context, msg jetstream.Msg, kind string, cause error) {
	md, err := msg.Metadata()
	if err == nil && md.NumDelivered >= uint64(r.cfg.MaxDeliver) {
		r.deadLetter(ctx, msg, kind, md.NumDelivered)
		return
	}

	var delivered uint64
	if md != nil {
		delivered = md.NumDelivered
	}
	logger.Warn("nacking task message",
		logger.KeySubject, msg.Subject(),
		logger.KeyDelivery, delivered,
		logger.KeyError, cause,
	)
	if err := msg.Nak(); err != nil {
		logger.Warn("failed to nack message",
			logger.KeySubject, msg.Subject(),
			logger.KeyError, err,
		)
	}
}

// reject terminates a malformed message immediately: redelivery cannot fix a
// payload that does not decode.
func (r *Router) reject(ctx context.Context, msg jetstream.Msg, kind string, cause error) {
	logger.Error("rejecting malformed task message",
		logger.KeySubject, msg.Subject(),
		logger.KeyError, cause,
	)
	r.deadLetter(ctx, msg, kind, 0)
}

func (r *Router) deadLetter(ctx context.Context, msg jetstream.Msg, kind string, delivered uint64) {
	if r.metrics != nil {
		r.metrics.RecordDeadLetter(kind)
	}
	dlq := msg.Subject() + dlqSuffix
	if _, err := r.js.Publish(ctx, dlq, msg.Data()); err != nil {
		logger.Error("failed to publish to dead-letter subject",
			logger.KeySubject, dlq,
			logger.KeyError, err,
		)
		// Leave the message for redelivery rather than dropping it.
		if nerr := msg.Nak(); nerr != nil {
			logger.Warn("failed to nack message",
				logger.KeySubject, msg.Subject(),
				logger.KeyError, nerr,
			)
		}
		return
	}

	logger.Warn("task routed to dead-letter subject",
		logger.KeySubject, dlq,
		logger.KeyDelivery, delivered,
	)
	if err := msg.Term(); err != nil {
		logger.Warn("failed to terminate message",
			logger.KeySubject, msg.Subject(),
			logger.KeyError, err,
		)
	}
}

// watchLeases forwards bucket changes into the lease manager.
func (r *Router) watchLeases(ctx context.Context) error {
	events, err := r.gw.Watch(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.leases.OnWatchEvent(ev)
		}
	}
}
