package reputation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	ferrors "github.com/lucid-vigil/fileguard/pkg/errors"
)

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Queries int64 `json:"queries"`
}

// CacheOptions wires the collaborators of a Cache. A nil Lookuper disables
// lookups entirely; nil Prober and Limiter skip those checks.
type CacheOptions struct {
	Lookuper Lookuper
	Prober   Prober
	Limiter  *rate.Limiter
	Logger   zerolog.Logger
}

// Cache maps content hashes to verdicts. A nil verdict is a cached Unknown:
// the service answered but had never seen the hash. Entries never expire.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Verdict

	lookup  Lookuper
	probe   Prober
	limiter *rate.Limiter
	flight  singleflight.Group
	logger  zerolog.Logger

	hits    atomic.Int64
	queries atomic.Int64
}

// NewCache creates an empty cache.
func NewCache(opts CacheOptions) *Cache {
	return &Cache{
		entries: make(map[string]*Verdict),
		lookup:  opts.Lookuper,
		probe:   opts.Prober,
		limiter: opts.Limiter,
		logger:  opts.Logger.With().Str("component", component).Logger(),
	}
}

// Get returns the cached entry for hash without touching the network.
func (c *Cache) Get(hash string) (*Verdict, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[hash]
	return v.clone(), ok
}

// Resolve returns the verdict for hash. A cache hit never reaches the
// network. On a miss the service is queried once; the answer, including
// "not found" as a nil verdict, is cached. Disabled lookups, an exhausted
// request budget, an unreachable service, rate limiting and any other
// failure return (nil, err) and leave the cache untouched so a later call
// can retry.
func (c *Cache) Resolve(ctx context.Context, hash string) (*Verdict, error) {
	if v, ok := c.Get(hash); ok {
		c.hits.Add(1)
		return v, nil
	}
	if c.lookup == nil {
		return nil, ErrDisabled
	}

	res, err, _ := c.flight.Do(hash, func() (interface{}, error) {
		return c.fetch(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	v, _ := res.(*Verdict)
	return v.clone(), nil
}

func (c *Cache) fetch(ctx context.Context, hash string) (*Verdict, error) {
	// A flight that just finished may have filled the entry.
	if v, ok := c.Get(hash); ok {
		c.hits.Add(1)
		return v, nil
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.logger.Debug().Str("hash", hash).Msg("Local request budget exhausted, skipping lookup")
		return nil, ferrors.NewRateLimitedError(component, "local request budget exhausted")
	}

	if c.probe != nil {
		if err := c.probe.Reachable(ctx); err != nil {
			c.logger.Debug().Err(err).Str("hash", hash).Msg("Reputation service unreachable")
			return nil, err
		}
	}

	c.queries.Add(1)
	v, err := c.lookup.Lookup(ctx, hash)
	switch {
	case err == nil:
		c.store(hash, v)
		return v, nil
	case errors.Is(err, ErrNotFound):
		c.store(hash, nil)
		return nil, nil
	case errors.Is(err, ferrors.ErrRateLimited):
		c.logger.Info().Str("hash", hash).Msg("Reputation service rate limited the request")
		return nil, err
	default:
		c.logger.Warn().Err(err).Str("hash", hash).Msg("Reputation lookup failed")
		return nil, err
	}
}

func (c *Cache) store(hash string, v *Verdict) {
	c.mu.Lock()
	c.entries[hash] = v.clone()
	c.mu.Unlock()
}

// Snapshot returns a copy of every cached entry.
func (c *Cache) Snapshot() map[string]*Verdict {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Verdict, len(c.entries))
	for k, v := range c.entries {
		out[k] = v.clone()
	}
	return out
}

// Seed loads previously persisted entries, overwriting existing ones.
func (c *Cache) Seed(entries map[string]*Verdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range entries {
		c.entries[k] = v.clone()
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*Verdict)
	c.mu.Unlock()
}

// Len returns the number of cached hashes.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns hit and query counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Queries: c.queries.Load(),
	}
}
