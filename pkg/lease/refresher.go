package lease

import (
	"context"
	"time"
)

// Refresher periodically extends the TTL of the manager's currently held
// lease. It runs at half the bucket TTL so a single missed tick does not
// expire a live lease.
type Refresher struct {
	mgr      *Manager
	interval time.Duration
}

// NewRefresher builds a refresher ticking at ttl/2.
func NewRefresher(mgr *Manager, ttl time.Duration) *Refresher {
	return &Refresher{
		mgr:      mgr,
		interval: ttl / 2,
	}
}

// Run blocks until the context is canceled, refreshing the held lease on
// every tick. Refresh is a no-op while no lease is held.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.mgr.Refresh(ctx)
		}
	}
}
