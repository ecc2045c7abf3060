// Package keyset caches an identity provider's published signing keys.
//
// The cache holds a kid-indexed snapshot of the provider's JWK set for a
// fixed TTL. An unknown kid on a fresh snapshot is treated as key rotation:
// the set is fetched again exactly once and the lookup retried. There is no
// stale fallback: once the TTL passes, a failed fetch fails the lookup.
package keyset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"idgate/internal/jose"
	"idgate/internal/metrics"
	"idgate/internal/ratelimiter"
)

// DefaultTTL is how long a fetched key set is trusted.
const DefaultTTL = time.Hour

var (
	ErrKeyNotFound       = errors.New("signing key not found")
	ErrKeySetUnavailable = errors.New("key set unavailable")
)

// Cache resolves kids to JWKs. It is safe for concurrent use; concurrent
// refreshes each fetch and the last one to finish wins.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time
	limiter *ratelimiter.TokenBucket
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	keys      map[string]jose.JWK
	fetchedAt time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL sets how long a fetched set stays fresh.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the clock used for TTL decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithRefetchLimiter throttles refetches forced by unknown kids. A
// throttled lookup fails with ErrKeyNotFound without touching the network.
// Expiry-driven refreshes are never throttled.
func WithRefetchLimiter(tb *ratelimiter.TokenBucket) Option {
	return func(c *Cache) { c.limiter = tb }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// New creates an empty cache backed by fetcher.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher: fetcher,
		ttl:     DefaultTTL,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the key for kid, fetching the set when the snapshot is
// missing, expired, or does not know kid.
func (c *Cache) Resolve(ctx context.Context, kid string) (jose.JWK, error) {
	if kid == "" {
		return jose.JWK{}, fmt.Errorf("%w: token has no kid", ErrKeyNotFound)
	}

	keys, fresh := c.snapshot()
	if fresh {
		if k, ok := keys[kid]; ok {
			return k, nil
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.metrics.ObserveRefetchThrottled()
			c.logger.Warn("key set refetch throttled", "kid", kid)
			return jose.JWK{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
		c.logger.Info("unknown kid, refetching key set", "kid", kid)
	}

	keys, err := c.refresh(ctx)
	if err != nil {
		return jose.JWK{}, err
	}
	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return jose.JWK{}, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Refresh fetches the key set unconditionally.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx)
	return err
}

// EnsureFresh fetches the key set only when the snapshot is missing or past
// its TTL. Readiness probes use it so that a healthy cache costs no network
// call.
func (c *Cache) EnsureFresh(ctx context.Context) error {
	if _, fresh := c.snapshot(); fresh {
		return nil
	}
	return c.Refresh(ctx)
}

func (c *Cache) snapshot() (map[string]jose.JWK, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil {
		return nil, false
	}
	return c.keys, c.now().Sub(c.fetchedAt) < c.ttl
}

func (c *Cache) refresh(ctx context.Context) (map[string]jose.JWK, error) {
	start := time.Now()
	set, err := c.fetcher.Fetch(ctx)
	c.metrics.ObserveFetch(err, time.Since(start))
	if err != nil {
		c.logger.Warn("key set fetch failed", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
	}

	if set == nil {
		set = &jose.KeySet{}
	}
	keys := set.Index()
	fetchedAt := c.now()

	c.mu.Lock()
	c.keys = keys
	c.fetchedAt = fetchedAt
	c.mu.Unlock()

	c.logger.Info("key set refreshed", "keys", len(keys))
	return keys, nil
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Keys      int       `json:"keys"`
	KeyIDs    []string  `json:"kids"`
	FetchedAt time.Time `json:"fetched_at"`
	Fresh     bool      `json:"fresh"`
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Keys: len(c.keys), FetchedAt: c.fetchedAt}
	for kid := range c.keys {
		s.KeyIDs = append(s.KeyIDs, kid)
	}
	slices.Sort(s.KeyIDs)
	s.Fresh = c.keys != nil && c.now().Sub(c.fetchedAt) < c.ttl
	return s
}
