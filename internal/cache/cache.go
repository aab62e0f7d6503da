package cache

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/pocketlab/sshmux/internal/transport"
)

// DefaultTimeout is the default deferred-close interval.
const DefaultTimeout = 1 * time.Second

// DefaultMaxChannels is the default per-transport channel cap.
const DefaultMaxChannels = 8

// ConnCache is the interface both Cache and NoCache implement, so callers
// (internal/session) never need to know which is in effect.
type ConnCache interface {
	// Get returns an authenticated transport for key, creating or reusing
	// one as appropriate, and borrows one logical channel slot on it.
	Get(ctx context.Context, key transport.EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error)
	// Release returns the channel slot borrowed by a prior Get.
	Release(client *ssh.Client)
	// Flush tears down every transport this cache owns, blocking until
	// every underlying socket is closed.
	Flush()
}

// entry is one pool entry: a byte stream, its authenticated transport, and
// the number of logical sessions currently borrowing it.
//
// Invariant: 0 <= count <= Cache.maxChannels.
type entry struct {
	conn   net.Conn
	client *ssh.Client
	count  int
}

// Cache maintains pools of authenticated SSH transports keyed by endpoint,
// enforcing a per-transport channel cap, reference counting borrowers, and
// deferring the close of transports that reach a zero refcount.
//
// All pool bookkeeping is serialized by mu; dialing and the SSH handshake
// happen outside it.
type Cache struct {
	dialCfg transport.Config

	mu          sync.Mutex
	pools       map[transport.EndpointKey][]*entry
	byClient    map[*ssh.Client]transport.EndpointKey
	timers      map[*ssh.Client]*time.Timer
	timeout     time.Duration
	maxChannels int

	sf singleflight.Group
}

// New creates a Cache that dials new transports using dialCfg.
func New(dialCfg transport.Config) *Cache {
	return &Cache{
		dialCfg:     dialCfg,
		pools:       make(map[transport.EndpointKey][]*entry),
		byClient:    make(map[*ssh.Client]transport.EndpointKey),
		timers:      make(map[*ssh.Client]*time.Timer),
		timeout:     DefaultTimeout,
		maxChannels: DefaultMaxChannels,
	}
}

// SetTimeout changes the deferred-close interval for subsequent Releases.
func (c *Cache) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// SetMaxChannels changes the per-transport channel cap for subsequent Gets.
func (c *Cache) SetMaxChannels(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxChannels = n
}

// Get returns a transport for key, reusing a pooled entry with room to
// spare if one exists, cancelling any pending close timer on it. Otherwise
// it dials and authenticates a new transport via internal/transport,
// coalescing concurrent misses for the same key through a singleflight
// group so a burst of callers doesn't open one transport per caller.
//
// Get fails with *transport.ResolveError, *transport.ConnectError,
// *transport.AuthError, or *transport.TransportError. On failure, any partially-opened byte stream is
// closed before returning, and no entry is left in the pool.
func (c *Cache) Get(ctx context.Context, key transport.EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*ssh.Client, error) {
	for {
		if client, ok := c.acquireExisting(key); ok {
			return client, nil
		}

		if _, err, _ := c.sf.Do(key.String(), func() (any, error) {
			return nil, c.dialNewEntry(ctx, key, password, signers, hostKeyCallback)
		}); err != nil {
			return nil, err
		}
		// Loop back: either we (or a coalesced waiter) just added room, or
		// another Get beat us to it; either way re-scan under the mutex.
	}
}

// acquireExisting looks for a pool entry with room under the mutex,
// incrementing its count and cancelling any pending close timer.
func (c *Cache) acquireExisting(key transport.EndpointKey) (*ssh.Client, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.pools[key] {
		if e.count < c.maxChannels {
			e.count++
			if t, ok := c.timers[e.client]; ok {
				t.Stop()
				delete(c.timers, e.client)
			}
			return e.client, true
		}
	}
	return nil, false
}

// dialNewEntry dials and authenticates one new transport for key and adds
// it to the pool with count 0 (the caller's own acquireExisting retry is
// responsible for the increment, so concurrent callers coalesced onto the
// same dial each account for their own borrow).
//
// It re-checks for room under the mutex before dialing, so that a
// singleflight group of waiters that arrived after room was already created
// doesn't dial a redundant transport.
func (c *Cache) dialNewEntry(ctx context.Context, key transport.EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) error {
	c.mu.Lock()
	for _, e := range c.pools[key] {
		if e.count < c.maxChannels {
			c.mu.Unlock()
			return nil
		}
	}
	c.mu.Unlock()

	conn, client, err := transport.Connect(ctx, c.dialCfg, key, password, signers, hostKeyCallback)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.pools[key] = append(c.pools[key], &entry{conn: conn, client: client, count: 0})
	c.byClient[client] = key
	c.mu.Unlock()
	return nil
}

// Release returns the channel slot borrowed by a prior Get. If the entry's
// refcount reaches zero and no close timer is already pending for it, a
// deferred-close timer is scheduled; the transport is never closed
// synchronously here.
func (c *Cache) Release(client *ssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key, ok := c.byClient[client]
	if !ok {
		return
	}

	var e *entry
	for _, cand := range c.pools[key] {
		if cand.client == client {
			e = cand
			break
		}
	}
	if e == nil || e.count <= 0 {
		return
	}

	e.count--
	if e.count > 0 {
		return
	}
	if _, exists := c.timers[client]; exists {
		return
	}

	timeout := c.timeout
	c.timers[client] = time.AfterFunc(timeout, func() { c.fireClose(client) })
}

// fireClose is the deferred-close timer callback. It re-verifies its own
// presence in the timer map under the mutex before tearing anything down:
// a concurrent Get that re-acquired this transport will have already
// cancelled and removed the timer, in which case fireClose is a no-op.
func (c *Cache) fireClose(client *ssh.Client) {
	c.mu.Lock()
	if _, ok := c.timers[client]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.timers, client)

	key, ok := c.byClient[client]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.byClient, client)

	var conn net.Conn
	entries := c.pools[key]
	for i, e := range entries {
		if e.client == client {
			conn = e.conn
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(c.pools, key)
	} else {
		c.pools[key] = entries
	}
	c.mu.Unlock()

	_ = client.Close()
	if conn != nil {
		_ = conn.Close()
	}
}

// Flush cancels every pending timer and closes every transport and byte
// stream this cache owns, blocking until all are closed. Outstanding
// sessions borrowed from a flushed transport will observe errors on their
// next I/O; this is a teardown operation and does not wait for them.
func (c *Cache) Flush() {
	c.mu.Lock()

	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[*ssh.Client]*time.Timer)

	var toClose []*entry
	for _, entries := range c.pools {
		toClose = append(toClose, entries...)
	}
	c.pools = make(map[transport.EndpointKey][]*entry)
	c.byClient = make(map[*ssh.Client]transport.EndpointKey)

	c.mu.Unlock()

	for _, e := range toClose {
		_ = e.client.Close()
		_ = e.conn.Close()
	}
}
