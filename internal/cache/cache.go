// Package cache implements component I: an in-process TTL memoization layer
// in front of the Analytics Engine, keyed by the full set of request
// parameters (spec §4.G, §4.I).
package cache

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/testwatch/testwatch/internal/config"
)

const (
	// DefaultTTL is how long an entry stays fresh after being set (spec §4.I "300s").
	DefaultTTL = 300 * time.Second

	// defaultSweepInterval bounds how often the background expirer walks the
	// map evicting entries past their TTL.
	defaultSweepInterval = 30 * time.Second
	// shutdownTimeout bounds how long Close waits for the expirer to exit.
	shutdownTimeout = 5 * time.Second
)

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is a coarse-grained, string-keyed TTL map. There is no negative
// caching: callers never store an error result, and a cache miss always
// falls through to the wrapped function (spec §4.I).
//
// A background goroutine sweeps expired entries on sweepInterval so the map
// does not grow unbounded between reads of cold keys; Get also checks
// expiry itself, so correctness never depends on the sweeper's timing.
type Cache struct {
	mu            sync.RWMutex
	data          map[string]entry
	ttl           time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}
	closeOnce sync.Once
}

// Option configures optional Cache behavior.
type Option func(*Cache)

// WithLogger overrides the default stdout JSON logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithTTL overrides the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithSweepInterval overrides how often the background expirer runs.
func WithSweepInterval(interval time.Duration) Option {
	return func(c *Cache) {
		c.sweepInterval = interval
	}
}

// New builds a Cache with a running background expirer goroutine.
func New(opts ...Option) *Cache {
	c := &Cache{
		data: make(map[string]entry),
		ttl:  DefaultTTL,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	c.sweepInterval = defaultSweepInterval

	for _, opt := range opts {
		opt(c)
	}

	go c.expire()

	return c
}

// Get returns the cached value for key and true, or (nil, false) on a miss
// or an expired entry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}

	return e.value, true
}

// Set stores value under key with the Cache's configured TTL.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.data[key] = entry{value: value, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) expire() {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.sweepStop:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.data {
		if now.After(e.expiresAt) {
			delete(c.data, key)
		}
	}
}

// Close stops the background expirer goroutine gracefully. Safe to call
// multiple times.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		close(c.sweepStop)

		select {
		case <-c.sweepDone:
			c.logger.Info("cache expirer stopped gracefully")
		case <-time.After(shutdownTimeout):
			c.logger.Warn("cache expirer did not stop within timeout")
		}
	})

	return nil
}
