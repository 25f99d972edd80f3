package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telecrawl/telecrawl/internal/logger"
)

const (
	connectAttempts = 3
	maxConnectDelay = 10 * time.Second
)

// Pool owns one client for the duration of a task and serializes access to
// it. The underlying library is not re-entrant on a single session, so every
// call goes through WithClient.
type Pool struct {
	client Client

	mu     sync.Mutex
	opened bool

	// baseDelay is the first retry backoff; doubled per attempt. Tests
	// shrink it.
	baseDelay time.Duration
}

// NewPool wraps a client built for one session.
func NewPool(client Client) *Pool {
	return &Pool{
		client:    client,
		baseDelay: time.Second,
	}
}

// Open connects the client, retrying up to 3 times with exponential backoff
// (1s, 2s, 4s, capped at 10s). The last error propagates on exhaustion.
func (p *Pool) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opened {
		return nil
	}

	var lastErr error
	delay := p.baseDelay
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		if err := p.client.Connect(ctx); err != nil {
			lastErr = err
			logger.Warn("client connect failed",
				logger.KeyAttempt, attempt,
				logger.KeyError, err,
			)
			if attempt == connectAttempts {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxConnectDelay {
				delay = maxConnectDelay
			}
			continue
		}

		p.opened = true
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", connectAttempts, lastErr)
}

// Close disconnects the client. Idempotent.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened {
		return nil
	}
	p.opened = false

	if err := p.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}

// WithClient runs fn with exclusive access to the client.
func (p *Pool) WithClient(ctx context.Context, fn func(ctx context.Context, c Client) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened {
		return fmt.Errorf("client pool is not open")
	}
	return fn(ctx, p.client)
}
