package rewrite

import (
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxOrigins bounds the number of origins kept by a Cache.
const DefaultMaxOrigins = 64

// Pair holds both directions of the rules for one gateway origin.
type Pair struct {
	// Outbound rewrites local URLs into remote ones (request direction).
	Outbound *RuleSet
	// Inbound rewrites remote URLs into local ones (response direction).
	Inbound *RuleSet
}

// CacheStats holds cache counters.
type CacheStats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Origins int64 `json:"origins"`
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithPublicOrigins restricts the cache to the given origins. Any other
// origin is served with the rules of the first one.
func WithPublicOrigins(origins ...string) CacheOption {
	return func(c *Cache) {
		for _, o := range origins {
			o = CanonicalOrigin(o)
			if o == "" {
				continue
			}
			if c.fallback == "" {
				c.fallback = o
			}
			c.public[o] = true
		}
	}
}

// WithMaxOrigins bounds the number of cached origins; the least recently
// used one is evicted first.
func WithMaxOrigins(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.maxOrigins = n
		}
	}
}

// Cache builds rule sets per gateway origin on first use. Origins come from
// request headers, so they are either pinned to a configured list or kept
// in a bounded LRU.
type Cache struct {
	mounts     []Mount
	public     map[string]bool
	fallback   string
	maxOrigins int

	sets  *expirable.LRU[string, *Pair]
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache deriving its rules from mounts.
func NewCache(mounts []Mount, opts ...CacheOption) *Cache {
	m := make([]Mount, len(mounts))
	copy(m, mounts)
	c := &Cache{
		mounts:     m,
		public:     make(map[string]bool),
		maxOrigins: DefaultMaxOrigins,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.sets = expirable.NewLRU[string, *Pair](c.maxOrigins, nil, 0)
	return c
}

// Origin returns the origin whose rules serve a request that arrived on
// origin.
func (c *Cache) Origin(origin string) string {
	origin = CanonicalOrigin(origin)
	if c.fallback != "" && !c.public[origin] {
		return c.fallback
	}
	return origin
}

// Get returns the rules for origin, building them on a miss. Concurrent
// misses for the same origin build once; only complete pairs are stored.
func (c *Cache) Get(origin string) (*Pair, error) {
	origin = c.Origin(origin)
	if p, ok := c.sets.Get(origin); ok {
		c.hits.Add(1)
		return p, nil
	}

	c.misses.Add(1)
	v, err, _ := c.group.Do(origin, func() (any, error) {
		if p, ok := c.sets.Peek(origin); ok {
			return p, nil
		}

		out, err := BuildRuleSet(origin, c.mounts)
		if err != nil {
			return nil, err
		}
		in, err := BuildInboundRuleSet(origin, c.mounts)
		if err != nil {
			return nil, err
		}
		pair := &Pair{Outbound: out, Inbound: in}
		c.sets.Add(origin, pair)
		return pair, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pair), nil
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Origins: int64(c.sets.Len()),
	}
}
