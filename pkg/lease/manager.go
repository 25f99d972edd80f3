// Package lease implements distributed session leasing on top of the KV
// gateway.
//
// Every worker keeps a local view of which session IDs are free or held.
// The KV store is authoritative: the local map is a cache reconciled by
// watch events and by a full reload whenever a compare-and-swap fails.
package lease

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/telecrawl/telecrawl/internal/logger"
	"github.com/telecrawl/telecrawl/pkg/kv"
)

// ErrTimeout is returned by Session when no session becomes free before the
// caller's deadline.
var ErrTimeout = errors.New("timeout waiting for free session")

// retryInterval is the pause between acquisition attempts in Session.
const retryInterval = 500 * time.Millisecond

// sessionState is the local view of one session.
//
// locked=true with version=v means the last KV observation said the session
// is held at revision v, possibly by us. condemned marks sessions removed
// from the directory while held; they are evicted on release instead of
// returning to the free pool.
type sessionState struct {
	version   uint64
	locked    bool
	condemned bool
}

// Manager tracks session leases for one worker instance.
//
// All mutations of the local state map go through the manager mutex; the KV
// store serializes the actual lease writes.
type Manager struct {
	gw         kv.Gateway
	prefix     string
	instanceID string

	mu      sync.Mutex
	states  map[uint]*sessionState
	held    uint
	holding bool
}

// NewManager creates a manager over the given gateway. Keys are formed as
// prefix + decimal session ID; the prefix is normalized to end with a single
// dot. The initial session set is considered entirely free.
func NewManager(gw kv.Gateway, prefix, instanceID string, sessionIDs []uint) *Manager {
	states := make(map[uint]*sessionState, len(sessionIDs))
	for _, id := range sessionIDs {
		states[id] = &sessionState{}
	}

	return &Manager{
		gw:         gw,
		prefix:     strings.TrimRight(prefix, ".") + ".",
		instanceID: instanceID,
		states:     states,
	}
}

func (m *Manager) keyFor(id uint) string {
	return m.prefix + strconv.FormatUint(uint64(id), 10)
}

// parseKey extracts the session ID from a bucket key. Returns false for keys
// outside our prefix or with a non-numeric suffix.
func (m *Manager) parseKey(key string) (uint, bool) {
	if !strings.HasPrefix(key, m.prefix) {
		return 0, false
	}
	id, err := strconv.ParseUint(key[len(m.prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return uint(id), true
}

// Acquire attempts to claim the session by creating its lease key. Returns
// false when the session is already held or on any gateway error.
func (m *Manager) Acquire(ctx context.Context, id uint) bool {
	rev, err := m.gw.Create(ctx, m.keyFor(id), []byte(m.instanceID))
	if err != nil {
		if errors.Is(err, kv.ErrKeyExists) {
			logger.Debug("session already taken", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
			return false
		}
		logger.Error("failed to create lease", logger.KeySessionID, strconv.FormatUint(uint64(id), 10), logger.KeyError, err)
		return false
	}

	m.mu.Lock()
	state, ok := m.states[id]
	if !ok {
		state = &sessionState{}
		m.states[id] = state
	}
	state.version = rev
	state.locked = true
	m.held = id
	m.holding = true
	m.mu.Unlock()

	logger.Info("acquired session lease", logger.KeySessionID, strconv.FormatUint(uint64(id), 10), logger.KeyRevision, rev)
	return true
}

// Lock claims the specific session, returning a Lease on success.
func (m *Manager) Lock(ctx context.Context, id uint) (*Lease, bool) {
	if !m.Acquire(ctx, id) {
		return nil, false
	}
	return &Lease{ID: id, mgr: m}, true
}

// Release frees the session by purging its lease key. Idempotent; gateway
// errors are logged and the local state is freed regardless, since the TTL
// bounds how long a stale key can survive.
func (m *Manager) Release(ctx context.Context, id uint) {
	if err := m.gw.Purge(ctx, m.keyFor(id)); err != nil {
		logger.Warn("failed to purge lease key", logger.KeySessionID, strconv.FormatUint(uint64(id), 10), logger.KeyError, err)
	}

	m.mu.Lock()
	if state, ok := m.states[id]; ok {
		state.version = 0
		state.locked = false
		if state.condemned {
			delete(m.states, id)
		}
	}
	if m.holding && m.held == id {
		m.holding = false
	}
	m.mu.Unlock()

	logger.Info("released session lease", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
}

// Refresh extends the TTL of the currently held lease with a CAS update.
// A revision mismatch means another process wrote the key since our last
// observation; the whole local state is reloaded from the bucket.
func (m *Manager) Refresh(ctx context.Context) {
	m.mu.Lock()
	if !m.holding {
		m.mu.Unlock()
		return
	}
	id := m.held
	state := m.states[id]
	if state == nil || !state.locked || state.version == 0 {
		m.mu.Unlock()
		return
	}
	last := state.version
	m.mu.Unlock()

	rev, err := m.gw.Update(ctx, m.keyFor(id), []byte(m.instanceID), last)
	if err != nil {
		switch {
		case errors.Is(err, kv.ErrSequenceMismatch):
			logger.Warn("lease revision stale, reloading states", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
			m.reloadStates(ctx)
		case errors.Is(err, kv.ErrKeyNotFound):
			logger.Warn("lease key expired", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
			m.mu.Lock()
			if s, ok := m.states[id]; ok {
				s.version = 0
				s.locked = false
			}
			m.mu.Unlock()
		default:
			logger.Error("failed to refresh lease", logger.KeySessionID, strconv.FormatUint(uint64(id), 10), logger.KeyError, err)
		}
		return
	}

	m.mu.Lock()
	if s, ok := m.states[id]; ok {
		s.version = rev
	}
	m.mu.Unlock()

	logger.Debug("refreshed lease", logger.KeySessionID, strconv.FormatUint(uint64(id), 10), logger.KeyRevision, rev)
}

// Lease is a held session returned by Session. Release is safe to call more
// than once.
type Lease struct {
	ID uint

	mgr  *Manager
	once sync.Once
}

// Release frees the underlying session lease.
func (l *Lease) Release(ctx context.Context) {
	l.once.Do(func() {
		l.mgr.Release(ctx, l.ID)
	})
}

// Session claims an arbitrary free session, retrying every 500ms until one
// is acquired, the timeout elapses, or the context is canceled. A zero
// timeout waits indefinitely.
//
// Random selection avoids all workers converging on the lowest free ID.
func (m *Manager) Session(ctx context.Context, timeout time.Duration) (*Lease, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		free := m.snapshotFree()
		if len(free) > 0 {
			picked := free[rand.Intn(len(free))]
			if m.Acquire(ctx, picked) {
				return &Lease{ID: picked, mgr: m}, nil
			}
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, ErrTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retryInterval):
		}
	}
}

// snapshotFree returns the locally-free, non-condemned session IDs.
func (m *Manager) snapshotFree() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()

	free := make([]uint, 0, len(m.states))
	for id, state := range m.states {
		if !state.locked && !state.condemned {
			free = append(free, id)
		}
	}
	return free
}

// OnWatchEvent applies a bucket change to the local state. Keys outside the
// prefix are ignored; unseen session IDs are discovered on the fly.
func (m *Manager) OnWatchEvent(ev kv.Event) {
	id, ok := m.parseKey(ev.Key)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[id]
	if !ok {
		state = &sessionState{}
		m.states[id] = state
		logger.Info("discovered new session via watch event", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
	}

	switch ev.Op {
	case kv.OpPut:
		state.version = ev.Revision
		state.locked = true
	case kv.OpPurge:
		state.version = 0
		state.locked = false
		if state.condemned {
			delete(m.states, id)
		}
	}
}

// UpdateResources reconciles the known session set against the directory.
// Unseen IDs are added free. IDs no longer in the directory are removed when
// locally free; held ones are condemned and evicted on release, so a lease
// in flight is never dropped from under its task.
func (m *Manager) UpdateResources(ids []uint) {
	newSet := make(map[uint]struct{}, len(ids))
	for _, id := range ids {
		newSet[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range newSet {
		if _, ok := m.states[id]; !ok {
			m.states[id] = &sessionState{}
			logger.Info("added session", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
		} else {
			m.states[id].condemned = false
		}
	}

	for id, state := range m.states {
		if _, ok := newSet[id]; ok {
			continue
		}
		if state.locked {
			state.condemned = true
			logger.Debug("session removed from directory while held, evicting on release",
				logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
			continue
		}
		delete(m.states, id)
		logger.Info("removed session", logger.KeySessionID, strconv.FormatUint(uint64(id), 10))
	}
}

// reloadStates rebuilds the whole local view from the bucket: every listed
// key is fetched and marked locked at its revision, everything else becomes
// free.
func (m *Manager) reloadStates(ctx context.Context) {
	keys, err := m.gw.Keys(ctx)
	if err != nil {
		logger.Warn("failed to list lease keys for reload", logger.KeyError, err)
		return
	}

	type loaded struct {
		id  uint
		rev uint64
	}
	var entries []loaded
	for _, key := range keys {
		id, ok := m.parseKey(key)
		if !ok {
			continue
		}
		_, rev, err := m.gw.Get(ctx, key)
		if err != nil {
			// Expired between list and get
			continue
		}
		entries = append(entries, loaded{id: id, rev: rev})
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, state := range m.states {
		state.version = 0
		state.locked = false
	}
	for _, e := range entries {
		state, ok := m.states[e.id]
		if !ok {
			state = &sessionState{}
			m.states[e.id] = state
		}
		state.version = e.rev
		state.locked = true
	}

	logger.Info("lease states reloaded", logger.KeyCount, len(m.states))
}

// Held returns the currently held session ID, if any.
func (m *Manager) Held() (uint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.held, m.holding
}

// String implements fmt.Stringer for debug logging.
func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	locked := 0
	for _, s := range m.states {
		if s.locked {
			locked++
		}
	}
	return fmt.Sprintf("lease.Manager{sessions: %d, locked: %d}", len(m.states), locked)
}
