package providers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/perch-hq/perch-engine/pkg/logging"
)

const (
	DefaultClientTTLMinutes = 5
	DefaultCleanupInterval  = 1 * time.Minute
)

// ClientCacheConfig holds configuration for the client cache.
type ClientCacheConfig struct {
	TTLMinutes      int
	CleanupInterval time.Duration
}

// ClientCache keeps one live provider client per connection, bounded by a
// write-based TTL. Concurrent GetOrCreate calls for the same connection
// construct exactly one client: the second caller waits for the first
// caller's in-flight result. Eviction (TTL, Invalidate, Close) runs the
// client's Cleanup hook exactly once, and before the slot becomes reusable.
type ClientCache struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*cacheEntry

	ttl      time.Duration
	stopChan chan struct{}
	stopped  bool
	logger   *zap.Logger
}

// cacheEntry lifecycle: Constructing (ready open) -> Live (ready closed,
// client set) or failed (ready closed, err set, already removed from the
// map). cleanupOnce guarantees the Cleanup hook fires at most once.
type cacheEntry struct {
	ready       chan struct{}
	client      Client
	err         error
	createdAt   time.Time
	cleanupOnce sync.Once
}

func (e *cacheEntry) cleanup() {
	e.cleanupOnce.Do(func() {
		if e.client != nil {
			e.client.Cleanup()
		}
	})
}

// constructed reports whether the entry has left the Constructing state,
// without blocking.
func (e *cacheEntry) constructed() bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}

// NewClientCache creates a client cache and starts its background sweep
// goroutine, which runs until Close() is called.
func NewClientCache(cfg ClientCacheConfig, logger *zap.Logger) *ClientCache {
	if cfg.TTLMinutes <= 0 {
		cfg.TTLMinutes = DefaultClientTTLMinutes
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}

	cache := &ClientCache{
		entries:  make(map[uuid.UUID]*cacheEntry),
		ttl:      time.Duration(cfg.TTLMinutes) * time.Minute,
		stopChan: make(chan struct{}),
		logger:   logger,
	}

	go cache.sweepExpired(cfg.CleanupInterval)
	return cache
}

// GetOrCreate returns the cached client for the connection, constructing it
// via factory if absent or expired. Safe for concurrent use across keys;
// for the same key only one factory call is ever in flight.
func (c *ClientCache) GetOrCreate(ctx context.Context, connectionID uuid.UUID, factory func(ctx context.Context) (Client, error)) (Client, error) {
	for {
		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return nil, fmt.Errorf("client cache is closed")
		}

		entry, exists := c.entries[connectionID]
		if !exists {
			entry = &cacheEntry{ready: make(chan struct{})}
			c.entries[connectionID] = entry
			c.mu.Unlock()
			return c.construct(ctx, connectionID, entry, factory)
		}
		c.mu.Unlock()

		select {
		case <-entry.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		if entry.err != nil {
			// Failed construction was already removed from the map by the
			// constructing caller; retry with a fresh slot.
			return nil, entry.err
		}

		c.mu.Lock()
		if c.entries[connectionID] == entry && time.Since(entry.createdAt) > c.ttl {
			entry.cleanup()
			delete(c.entries, connectionID)
			c.mu.Unlock()
			c.logger.Debug("evicted expired provider client",
				zap.String("connectionID", connectionID.String()),
			)
			continue
		}
		c.mu.Unlock()
		return entry.client, nil
	}
}

// construct runs the factory for a freshly inserted entry and publishes the
// result to any waiters.
func (c *ClientCache) construct(ctx context.Context, connectionID uuid.UUID, entry *cacheEntry, factory func(ctx context.Context) (Client, error)) (Client, error) {
	client, err := factory(ctx)

	c.mu.Lock()
	if err != nil {
		entry.err = err
		if c.entries[connectionID] == entry {
			delete(c.entries, connectionID)
		}
	} else {
		entry.client = client
		entry.createdAt = time.Now()
		if c.stopped {
			// Cache closed while we were constructing; don't leak the client.
			entry.cleanup()
			c.mu.Unlock()
			close(entry.ready)
			return nil, fmt.Errorf("client cache is closed")
		}
	}
	c.mu.Unlock()
	close(entry.ready)

	if err != nil {
		c.logger.Warn("provider client construction failed",
			zap.String("connectionID", connectionID.String()),
			zap.String("error", logging.SanitizeError(err)),
		)
		return nil, err
	}

	c.logger.Info("constructed provider client",
		zap.String("connectionID", connectionID.String()),
	)
	return client, nil
}

// Invalidate evicts the connection's client if present, running its Cleanup
// hook. A client still being constructed is detached immediately and
// cleaned up once construction finishes.
func (c *ClientCache) Invalidate(connectionID uuid.UUID) {
	c.mu.Lock()
	entry, exists := c.entries[connectionID]
	if !exists {
		c.mu.Unlock()
		return
	}
	delete(c.entries, connectionID)

	if entry.constructed() {
		entry.cleanup()
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	go func() {
		<-entry.ready
		entry.cleanup()
	}()
}

// sweepExpired runs periodically to evict clients past their TTL.
func (c *ClientCache) sweepExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.performSweep()
		case <-c.stopChan:
			return
		}
	}
}

func (c *ClientCache) performSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return
	}

	now := time.Now()
	evicted := 0
	for id, entry := range c.entries {
		if !entry.constructed() || entry.err != nil {
			continue
		}
		if now.Sub(entry.createdAt) > c.ttl {
			entry.cleanup()
			delete(c.entries, id)
			evicted++
		}
	}

	if evicted > 0 {
		c.logger.Info("swept expired provider clients",
			zap.Int("count", evicted),
			zap.Int("remaining", len(c.entries)),
		)
	}
}

// Close evicts every client and stops the sweep goroutine. Idempotent.
func (c *ClientCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return nil
	}
	c.stopped = true
	close(c.stopChan)

	for id, entry := range c.entries {
		if entry.constructed() {
			entry.cleanup()
		} else {
			go func(e *cacheEntry) {
				<-e.ready
				e.cleanup()
			}(entry)
		}
		delete(c.entries, id)
	}

	c.logger.Info("client cache closed")
	return nil
}

// Len returns the number of cached entries. Used by stats surfaces and tests.
func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
