package mem_cache

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/dnsfwd/pkg/cache"
	"github.com/pmkol/dnsfwd/pkg/lru"
)

var _ cache.Backend = (*MemCache)(nil)

var nopLogger = zap.NewNop()

type Opts struct {
	// Logger receives one "<key> => expired." record per evicted entry.
	// A nil Logger will disable the logging.
	Logger *zap.Logger

	// MetricsReg optionally registers the eviction counter.
	MetricsReg prometheus.Registerer

	// Now overrides the clock. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) init() {
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
}

// MemCache is an unbounded in-memory Backend. It has no lock: it is meant
// to be owned by a single goroutine.
type MemCache struct {
	opts Opts

	// Entries are kept in insertion order, Add moves a key to the back.
	lru       *lru.LRU[string, *elem]
	lastGC    int64 // Unix second of the last sweep
	evictions prometheus.Counter
}

type elem struct {
	value      string
	insertedAt int64 // Unix second
}

func NewMemCache(opts Opts) *MemCache {
	opts.init()
	c := &MemCache{
		opts: opts,
		lru:  lru.NewLRU[string, *elem](0, nil),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_evictions_total",
			Help: "Number of cache entries evicted by gc.",
		}),
	}
	if reg := opts.MetricsReg; reg != nil {
		reg.MustRegister(c.evictions)
	}
	return c
}

func (c *MemCache) Lookup(key string) (string, bool) {
	e, ok := c.lru.Peek(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

func (c *MemCache) Add(key, value string) {
	c.lru.Add(key, &elem{
		value:      value,
		insertedAt: c.opts.Now().Unix(),
	})
}

func (c *MemCache) GC(ttl time.Duration) (removed int) {
	now := c.opts.Now().Unix()
	if now == c.lastGC {
		return 0
	}
	c.lastGC = now

	limit := now - int64(ttl/time.Second)
	removed = c.lru.Clean(func(key string, e *elem) bool {
		if e.insertedAt >= limit {
			return false
		}
		c.opts.Logger.Info(key + " => expired.")
		return true
	})
	c.evictions.Add(float64(removed))
	return removed
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}

// Close drops all entries.
func (c *MemCache) Close() error {
	c.lru = lru.NewLRU[string, *elem](0, nil)
	return nil
}
