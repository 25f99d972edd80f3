package crawler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telecrawl/telecrawl/pkg/directory"
	"github.com/telecrawl/telecrawl/pkg/kv"
	"github.com/telecrawl/telecrawl/pkg/lease"
	"github.com/telecrawl/telecrawl/pkg/planner"
	"github.com/telecrawl/telecrawl/pkg/telegram"
)

// fakeGateway is an in-memory kv.Gateway with bucket-wide revisions.
type fakeGateway struct {
	mu      sync.Mutex
	rev     uint64
	entries map[string]fakeEntry
}

type fakeEntry struct {
	value []byte
	rev   uint64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{entries: map[string]fakeEntry{}}
}

func (g *fakeGateway) Create(_ context.Context, key string, value []byte) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.entries[key]; ok {
		return 0, kv.ErrKeyExists
	}
	g.rev++
	g.entries[key] = fakeEntry{value: value, rev: g.rev}
	return g.rev, nil
}

func (g *fakeGateway) Update(_ context.Context, key string, value []byte, expected uint64) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return 0, kv.ErrKeyNotFound
	}
	if e.rev != expected {
		return 0, kv.ErrSequenceMismatch
	}
	g.rev++
	g.entries[key] = fakeEntry{value: value, rev: g.rev}
	return g.rev, nil
}

func (g *fakeGateway) Get(_ context.Context, key string) ([]byte, uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[key]
	if !ok {
		return nil, 0, kv.ErrKeyNotFound
	}
	return e.value, e.rev, nil
}

func (g *fakeGateway) Purge(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}

func (g *fakeGateway) Keys(_ context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]string, 0, len(g.entries))
	for k := range g.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (g *fakeGateway) Watch(context.Context) (<-chan kv.Event, error) {
	return make(chan kv.Event), nil
}

func (g *fakeGateway) has(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.entries[key]
	return ok
}

// fakePublisher records published messages in order.
type fakePublisher struct {
	messages []*OutboundMessage
	flushes  int
}

func (p *fakePublisher) Publish(_ context.Context, msg *OutboundMessage) error {
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) Flush(context.Context) error {
	p.flushes++
	return nil
}

// fakeIterator yields the configured messages newest-first, optionally
// raising a flood wait after a fixed number of messages.
type fakeIterator struct {
	messages   []*telegram.Message
	idx        int
	floodAfter int
}

func (it *fakeIterator) Next(context.Context) (*telegram.Message, error) {
	if it.floodAfter > 0 && it.idx >= it.floodAfter {
		return nil, &telegram.FloodWaitError{Seconds: 30}
	}
	if it.idx >= len(it.messages) {
		return nil, io.EOF
	}
	m := it.messages[it.idx]
	it.idx++
	return m, nil
}

// fakeTelegramClient resolves canned peers and iterates canned messages.
type fakeTelegramClient struct {
	resolved   map[string]*telegram.Peer
	inputPeers map[int64]*telegram.Peer
	messages   []*telegram.Message
	floodAfter int
}

func (c *fakeTelegramClient) Connect(context.Context) error    { return nil }
func (c *fakeTelegramClient) Disconnect(context.Context) error { return nil }

func (c *fakeTelegramClient) ResolveEntity(_ context.Context, url string) (*telegram.Peer, error) {
	p, ok := c.resolved[url]
	if !ok {
		return nil, fmt.Errorf("cannot resolve %s", url)
	}
	return p, nil
}

func (c *fakeTelegramClient) InputEntity(_ context.Context, inputID int64) (*telegram.Peer, error) {
	p, ok := c.inputPeers[inputID]
	if !ok {
		return nil, fmt.Errorf("no peer for input id %d", inputID)
	}
	return p, nil
}

func (c *fakeTelegramClient) IterMessages(context.Context, int64) (telegram.MessageIterator, error) {
	return &fakeIterator{messages: c.messages, floodAfter: c.floodAfter}, nil
}

type testRig struct {
	exec   *Executor
	store  *directory.Store
	leases *lease.Manager
	gw     *fakeGateway
	pub    *fakePublisher
}

func newTestRig(t *testing.T, client *fakeTelegramClient) *testRig {
	t.Helper()

	store, err := directory.New(&directory.Config{
		Backend: directory.BackendSQLite,
		DSN:     ":memory:",
	})
	require.NoError(t, err)

	require.NoError(t, store.CreateOrUpdateSession(context.Background(), &directory.Session{
		Session: "credential-1",
		APIID:   1111,
		APIHash: "hash-1",
		Tel:     "+100000001",
	}))

	gw := newFakeGateway()
	mgr := lease.NewManager(gw, "crawler.tasks.", "worker-1", []uint{1})
	pub := &fakePublisher{}

	factory := func(opts telegram.Options) (telegram.Client, error) {
		return client, nil
	}

	exec := NewExecutor(store, mgr, factory, pub, nil)
	exec.sessionTimeout = time.Second

	return &testRig{exec: exec, store: store, leases: mgr, gw: gw, pub: pub}
}

// channelMessages builds count messages newest-first, one per interval,
// ending (oldest) at base.
func channelMessages(base time.Time, count int, interval time.Duration) []*telegram.Message {
	msgs := make([]*telegram.Message, 0, count)
	for i := count; i >= 1; i-- {
		msgs = append(msgs, &telegram.Message{
			ID:   int64(i),
			Date: base.Add(time.Duration(i-1) * interval),
			Text: fmt.Sprintf("message %d", i),
		})
	}
	return msgs
}

const testChannelURL = "https://t.me/testchannel"

func testPeer() *telegram.Peer {
	return &telegram.Peer{Kind: telegram.PeerChannel, ID: 42, Name: "testchannel"}
}

func TestHandleBackfill(t *testing.T) {
	ctx := context.Background()

	t.Run("CollectsNewChannel", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{testChannelURL: testPeer()},
			messages: channelMessages(now.Add(-50*time.Minute), 5, 10*time.Minute),
		}
		rig := newTestRig(t, client)

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: now.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)

		assert.Len(t, rig.pub.messages, 5)
		assert.Equal(t, int64(42), rig.pub.messages[0].EntityID)
		assert.Equal(t, "testchannel", rig.pub.messages[0].EntityName)

		entity, err := rig.store.GetEntityByURL(ctx, testChannelURL)
		require.NoError(t, err)
		assert.Equal(t, int64(42), entity.EntityID)

		records, err := rig.store.ListCollections(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 5, records[0].MessagesCount)
		assert.Equal(t, int64(1), records[0].FromMessageID)
		assert.Equal(t, int64(5), records[0].ToMessageID)
		assert.True(t, records[0].FromDatetime.Before(records[0].ToDatetime))

		// The collecting session is now sticky for the channel.
		sess, err := rig.store.FindSubscribedSession(ctx, entity.ID)
		require.NoError(t, err)
		assert.Equal(t, uint(1), sess.ID)

		// And the lease was released at task end.
		assert.False(t, rig.gw.has("crawler.tasks.1"))
	})

	t.Run("NoMessagesStillAcks", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{testChannelURL: testPeer()},
		}
		rig := newTestRig(t, client)

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: now.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
		assert.Empty(t, rig.pub.messages)

		entity, err := rig.store.GetEntityByURL(ctx, testChannelURL)
		require.NoError(t, err)
		records, err := rig.store.ListCollections(ctx, entity.ID)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("SkipsMessagesOutsideRange", func(t *testing.T) {
		now := time.Now().UTC()
		// Newest message is outside the window (skipped); oldest is older
		// than the offset (stops iteration).
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{testChannelURL: testPeer()},
			messages: []*telegram.Message{
				{ID: 9, Date: now.Add(time.Hour)},
				{ID: 8, Date: now.Add(-10 * time.Minute)},
				{ID: 7, Date: now.Add(-20 * time.Minute)},
				{ID: 6, Date: now.Add(-2 * time.Hour)},
				{ID: 5, Date: now.Add(-3 * time.Hour)},
			},
		}
		rig := newTestRig(t, client)

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: now.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)

		require.Len(t, rig.pub.messages, 2)
		assert.Equal(t, int64(8), rig.pub.messages[0].MessageID)
		assert.Equal(t, int64(7), rig.pub.messages[1].MessageID)
	})

	t.Run("AlreadyCoveredAcksWithoutCollecting", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			resolved:   map[string]*telegram.Peer{testChannelURL: testPeer()},
			inputPeers: map[int64]*telegram.Peer{-10042: testPeer()},
			messages:   channelMessages(now.Add(-50*time.Minute), 5, 10*time.Minute),
		}
		rig := newTestRig(t, client)

		entity, _, err := rig.store.CreateOrGetEntity(ctx, testChannelURL, 42, "testchannel")
		require.NoError(t, err)
		require.NoError(t, rig.store.CreateCollection(ctx, &directory.ChannelCollection{
			EntityID:      entity.ID,
			FromMessageID: 1,
			ToMessageID:   100,
			FromDatetime:  now.Add(-2 * time.Hour),
			ToDatetime:    now.Add(time.Hour),
			MessagesCount: 100,
		}))

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: now.Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
		assert.Empty(t, rig.pub.messages)
	})

	t.Run("RateLimitRecordsPartialAndNacks", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			resolved:   map[string]*telegram.Peer{testChannelURL: testPeer()},
			messages:   channelMessages(now.Add(-50*time.Minute), 5, 10*time.Minute),
			floodAfter: 3,
		}
		rig := newTestRig(t, client)

		offset := now.Add(-time.Hour)
		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: offset,
		})
		require.NoError(t, err)
		assert.Equal(t, Nack, disp)

		assert.Len(t, rig.pub.messages, 3)

		entity, err := rig.store.GetEntityByURL(ctx, testChannelURL)
		require.NoError(t, err)
		records, err := rig.store.ListCollections(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 3, records[0].MessagesCount)
		assert.Equal(t, int64(5), records[0].ToMessageID)
		assert.Equal(t, int64(3), records[0].FromMessageID)

		// Redelivery plans around the partial coverage.
		covered, err := rig.store.OverlappingCollections(ctx, entity.ID, offset, now)
		require.NoError(t, err)
		remaining := planner.Plan(offset, now, collectionRanges(covered))
		require.Len(t, remaining, 2)
		assert.WithinDuration(t, records[0].FromDatetime, remaining[0].To, time.Second)
		assert.WithinDuration(t, records[0].ToDatetime, remaining[1].From, time.Second)
	})

	t.Run("UnknownEntityTypeAcks", func(t *testing.T) {
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{
				testChannelURL: {Kind: telegram.PeerUnknown, ID: 42},
			},
		}
		rig := newTestRig(t, client)

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: time.Now().UTC().Add(-time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
		assert.Empty(t, rig.pub.messages)

		// No entity row was created for the unresolvable peer.
		_, err = rig.store.GetEntityByURL(ctx, testChannelURL)
		assert.ErrorIs(t, err, directory.ErrEntityNotFound)
	})

	t.Run("InvalidProxyNacks", func(t *testing.T) {
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{testChannelURL: testPeer()},
		}
		rig := newTestRig(t, client)

		proxy := "quic://proxy:1080"
		require.NoError(t, rig.store.CreateOrUpdateSession(ctx, &directory.Session{
			Session: "credential-1",
			APIID:   1111,
			APIHash: "hash-1",
			Tel:     "+100000001",
			Proxy:   &proxy,
		}))

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: time.Now().UTC().Add(-time.Hour),
		})
		require.Error(t, err)
		assert.Equal(t, Nack, disp)
		assert.False(t, rig.gw.has("crawler.tasks.1"))
	})

	t.Run("VanishedSessionNacksAndResyncs", func(t *testing.T) {
		client := &fakeTelegramClient{
			resolved: map[string]*telegram.Peer{testChannelURL: testPeer()},
		}
		rig := newTestRig(t, client)

		// The lease pool knows a session the directory no longer has.
		rig.leases.UpdateResources([]uint{99})

		disp, err := rig.exec.HandleBackfill(ctx, &BackfillTask{
			ChannelURL:     testChannelURL,
			DatetimeOffset: time.Now().UTC().Add(-time.Hour),
		})
		require.Error(t, err)
		assert.Equal(t, Nack, disp)
		assert.False(t, rig.gw.has("crawler.tasks.99"))
	})
}

func TestHandleSchedule(t *testing.T) {
	ctx := context.Background()

	t.Run("StopsAtLastCollectedMessage", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			inputPeers: map[int64]*telegram.Peer{-10042: testPeer()},
			messages:   channelMessages(now.Add(-90*time.Minute), 10, 10*time.Minute),
		}
		rig := newTestRig(t, client)

		entity, _, err := rig.store.CreateOrGetEntity(ctx, testChannelURL, 42, "testchannel")
		require.NoError(t, err)
		require.NoError(t, rig.store.EnsureMapping(ctx, 1, entity.ID))

		disp, err := rig.exec.HandleSchedule(ctx, &ScheduleTask{
			ChannelID:     42,
			LastMessageID: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)

		require.Len(t, rig.pub.messages, 5)
		assert.Equal(t, int64(10), rig.pub.messages[0].MessageID)
		assert.Equal(t, int64(6), rig.pub.messages[4].MessageID)

		records, err := rig.store.ListCollections(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, int64(6), records[0].FromMessageID)
		assert.Equal(t, int64(10), records[0].ToMessageID)
		assert.Equal(t, 5, records[0].MessagesCount)
	})

	t.Run("UnknownChannelAcks", func(t *testing.T) {
		rig := newTestRig(t, &fakeTelegramClient{})

		disp, err := rig.exec.HandleSchedule(ctx, &ScheduleTask{
			ChannelID:     777,
			LastMessageID: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
		assert.Empty(t, rig.pub.messages)
	})

	t.Run("PrefersSubscribedSession", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			inputPeers: map[int64]*telegram.Peer{-10042: testPeer()},
			messages:   channelMessages(now.Add(-10*time.Minute), 2, 5*time.Minute),
		}
		rig := newTestRig(t, client)

		// Second session in directory and pool; the mapping points at it.
		require.NoError(t, rig.store.CreateOrUpdateSession(ctx, &directory.Session{
			Session: "credential-2",
			APIID:   2222,
			APIHash: "hash-2",
			Tel:     "+100000002",
		}))
		rig.leases.UpdateResources([]uint{1, 2})

		entity, _, err := rig.store.CreateOrGetEntity(ctx, testChannelURL, 42, "testchannel")
		require.NoError(t, err)
		require.NoError(t, rig.store.EnsureMapping(ctx, 2, entity.ID))

		var leased string
		factory := rig.exec.factory
		rig.exec.factory = func(opts telegram.Options) (telegram.Client, error) {
			leased = opts.Credential
			return factory(opts)
		}

		disp, err := rig.exec.HandleSchedule(ctx, &ScheduleTask{
			ChannelID:     42,
			LastMessageID: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, Ack, disp)
		assert.Equal(t, "credential-2", leased)
	})

	t.Run("RateLimitRecordsPartialAndNacks", func(t *testing.T) {
		now := time.Now().UTC()
		client := &fakeTelegramClient{
			inputPeers: map[int64]*telegram.Peer{-10042: testPeer()},
			messages:   channelMessages(now.Add(-90*time.Minute), 10, 10*time.Minute),
			floodAfter: 2,
		}
		rig := newTestRig(t, client)

		entity, _, err := rig.store.CreateOrGetEntity(ctx, testChannelURL, 42, "testchannel")
		require.NoError(t, err)
		require.NoError(t, rig.store.EnsureMapping(ctx, 1, entity.ID))

		disp, err := rig.exec.HandleSchedule(ctx, &ScheduleTask{
			ChannelID:     42,
			LastMessageID: 1,
		})
		require.NoError(t, err)
		assert.Equal(t, Nack, disp)

		records, err := rig.store.ListCollections(ctx, entity.ID)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, 2, records[0].MessagesCount)
		assert.Equal(t, int64(9), records[0].FromMessageID)
		assert.Equal(t, int64(10), records[0].ToMessageID)
	})
}
