package cache

import (
	"io"
	"time"
)

// Backend stores resolved values keyed by query name.
type Backend interface {
	// Lookup returns the cached value of key. It never evicts.
	Lookup(key string) (value string, ok bool)

	// Add stores value under key, overwriting any previous value and
	// refreshing its insertion time.
	Add(key, value string)

	// GC evicts entries older than ttl. Calls within the same wall clock
	// second after a sweep are no-ops. Returns the number of evicted entries.
	GC(ttl time.Duration) (removed int)

	Len() int

	io.Closer
}
