// Package cache is the response cache of the storefront client. It keeps the
// last successful result of each query, keyed by the operation's normalized
// identity, in a sharded in-memory store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"

	tperrors "github.com/nestora/storefront-transport/pkg/errors"
	"github.com/nestora/storefront-transport/pkg/logging"
	"github.com/nestora/storefront-transport/pkg/observability"
	"github.com/nestora/storefront-transport/pkg/protocol"
)

// Config configures the response cache.
type Config struct {
	// Shards must be a power of two
	Shards int `yaml:"shards" json:"shards"`

	// LifeWindow is how long an entry lives before it may be evicted
	LifeWindow time.Duration `yaml:"life_window" json:"life_window"`

	// CleanWindow is the interval of the eviction sweep. Zero disables it.
	CleanWindow time.Duration `yaml:"clean_window" json:"clean_window"`

	// MaxEntries is the expected number of live entries. Together with
	// MaxEntrySize it sizes the memory preallocated per shard.
	MaxEntries int `yaml:"max_entries" json:"max_entries"`

	// MaxEntrySize is the expected entry size in bytes, used for preallocation
	MaxEntrySize int `yaml:"max_entry_size" json:"max_entry_size"`

	// HardMaxCacheSizeMB caps the memory used. Zero means unbounded.
	HardMaxCacheSizeMB int `yaml:"hard_max_size_mb" json:"hard_max_size_mb"`
}

// DefaultConfig returns the default cache configuration
func DefaultConfig() Config {
	return Config{
		Shards:       64,
		LifeWindow:   24 * time.Hour,
		CleanWindow:  5 * time.Minute,
		MaxEntries:   1024,
		MaxEntrySize: 4096,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Shards <= 0 || bits.OnesCount(uint(c.Shards)) != 1 {
		return tperrors.InvalidConfiguration("cache.shards", fmt.Sprintf("%d is not a power of two", c.Shards))
	}
	if c.LifeWindow <= 0 {
		return tperrors.InvalidConfiguration("cache.life_window", "must be positive")
	}
	if c.MaxEntries <= 0 {
		return tperrors.InvalidConfiguration("cache.max_entries", "must be positive")
	}
	if c.MaxEntrySize < 0 || c.HardMaxCacheSizeMB < 0 {
		return tperrors.InvalidConfiguration("cache", "sizes must not be negative")
	}
	return nil
}

// Cache stores successful results by operation key. Every entry is written and
// read whole; concurrent writers to one key resolve to the last writer.
type Cache struct {
	store   *bigcache.BigCache
	metrics observability.MetricsProvider
	logger  logging.Logger

	closeOnce sync.Once
	closeErr  error
}

// Option configures a Cache
type Option func(*Cache)

// WithMetrics records hits and misses on m
func WithMetrics(m observability.MetricsProvider) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// WithLogger sets the cache logger
func WithLogger(logger logging.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New creates a cache. ctx bounds the background eviction sweep; Close stops
// it as well.
func New(ctx context.Context, config Config, opts ...Option) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	bc := bigcache.DefaultConfig(config.LifeWindow)
	bc.Shards = config.Shards
	bc.CleanWindow = config.CleanWindow
	bc.MaxEntriesInWindow = config.MaxEntries
	bc.MaxEntrySize = config.MaxEntrySize
	bc.HardMaxCacheSize = config.HardMaxCacheSizeMB
	bc.StatsEnabled = false
	bc.Verbose = false

	store, err := bigcache.New(ctx, bc)
	if err != nil {
		return nil, tperrors.InvalidConfiguration("cache", err.Error())
	}

	c := &Cache{store: store, logger: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = observability.OrNoop(c.metrics)
	c.logger = c.logger.WithFields(logging.String("component", "ResponseCache"))
	return c, nil
}

// Get returns a copy of the cached result for key, marked FromCache.
func (c *Cache) Get(key string) (*protocol.Result, bool) {
	data, err := c.store.Get(key)
	if err != nil {
		if !errors.Is(err, bigcache.ErrEntryNotFound) {
			c.logger.Warn("cache read failed", logging.String("key", key), logging.ErrorField(err))
		}
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	c.metrics.RecordCacheLookup(true)
	return &protocol.Result{Data: data, FromCache: true}, true
}

// Set stores the data of a successful result. Results carrying GraphQL
// errors are not cached.
func (c *Cache) Set(key string, result *protocol.Result) error {
	if result == nil || result.HasErrors() {
		return nil
	}
	if err := c.store.Set(key, result.Data); err != nil {
		c.logger.Warn("cache write failed", logging.String("key", key), logging.ErrorField(err))
		return err
	}
	return nil
}

// Delete removes key
func (c *Cache) Delete(key string) {
	if err := c.store.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		c.logger.Warn("cache delete failed", logging.String("key", key), logging.ErrorField(err))
	}
}

// Clear removes every entry
func (c *Cache) Clear() error {
	return c.store.Reset()
}

// Len returns the number of cached entries
func (c *Cache) Len() int {
	return c.store.Len()
}

// Close releases the cache. It is safe to call more than once.
func (c *Cache) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.store.Close()
	})
	return c.closeErr
}
