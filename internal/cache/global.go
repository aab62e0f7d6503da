package cache

import (
	"sync"
	"time"

	"github.com/pocketlab/sshmux/internal/transport"
)

// global is the process-wide cache used by internal/session when a caller
// doesn't supply its own ConnCache. It is created when the package loads,
// not on first use, and is swapped behind a mutex rather than managed by a
// destructor: correctness here never depends on finalizer ordering (see
// DESIGN.md).
var (
	globalMu sync.Mutex
	global   ConnCache = New(transport.Config{DialTimeout: 10 * time.Second, NegotiationTimeout: 10 * time.Second})
)

// Global returns the current process-wide cache.
func Global() ConnCache {
	globalMu.Lock()
	defer globalMu.Unlock()
	return global
}

// EnableGlobalCaching installs a fresh process-wide Cache with the given
// deferred-close timeout and per-transport channel cap, flushing whatever
// cache was previously installed.
func EnableGlobalCaching(dialCfg transport.Config, timeout time.Duration, maxChannels int) {
	c := New(dialCfg)
	c.SetTimeout(timeout)
	c.SetMaxChannels(maxChannels)

	globalMu.Lock()
	prev := global
	global = c
	globalMu.Unlock()

	prev.Flush()
}

// DisableGlobalCaching replaces the process-wide cache with a NoCache,
// flushing whatever cache was previously installed.
func DisableGlobalCaching(dialCfg transport.Config) {
	nc := NewNoCache(dialCfg)

	globalMu.Lock()
	prev := global
	global = nc
	globalMu.Unlock()

	prev.Flush()
}
