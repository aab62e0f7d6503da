package cache

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/transport"
)

// startTestSSHServer starts a loopback SSH server accepting user/pass and
// returns its address. It never opens channels: cache tests only exercise
// transport pooling, not session facades.
func startTestSSHServer(t *testing.T, user, pass string) string {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if meta.User() != user || string(password) != pass {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for newChan := range chans {
					_ = newChan.Reject(ssh.Prohibited, "no channels in this test server")
				}
			}()
		}
	}()

	return ln.Addr().String()
}

func testKey(t *testing.T, addr, user string) transport.EndpointKey {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return transport.EndpointKey{Host: host, Port: port, User: user}
}

func newTestCache() *Cache {
	return New(transport.Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second})
}

func TestCache_GetReusesUnderMaxChannels(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	c := newTestCache()
	c.SetMaxChannels(8)

	ctx := context.Background()
	clients := make([]*ssh.Client, 0, 8)
	for i := 0; i < 8; i++ {
		cl, err := c.Get(ctx, key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
		if err != nil {
			t.Fatal(err)
		}
		clients = append(clients, cl)
	}

	c.mu.Lock()
	entries := c.pools[key]
	c.mu.Unlock()
	if len(entries) != 1 {
		t.Fatalf("expected 1 pool entry for 8 borrowers under cap 8, got %d", len(entries))
	}

	// A 9th borrower must open a second transport.
	cl9, err := c.Get(ctx, key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err != nil {
		t.Fatal(err)
	}
	clients = append(clients, cl9)

	c.mu.Lock()
	entries = c.pools[key]
	c.mu.Unlock()
	if len(entries) != 2 {
		t.Fatalf("expected 2 pool entries for 9 borrowers under cap 8, got %d", len(entries))
	}

	for _, cl := range clients {
		c.Release(cl)
	}
}

func TestCache_ConcurrentGetCeilDivEntries(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	c := newTestCache()
	c.SetMaxChannels(8)

	const n = 25
	clients := make([]*ssh.Client, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = c.Get(context.Background(), key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	c.mu.Lock()
	gotEntries := len(c.pools[key])
	c.mu.Unlock()
	wantEntries := (n + 7) / 8
	if gotEntries != wantEntries {
		t.Fatalf("expected ceil(%d/8)=%d pool entries, got %d", n, wantEntries, gotEntries)
	}

	for _, cl := range clients {
		c.Release(cl)
	}

	c.SetTimeout(50 * time.Millisecond)
	// Re-release after changing timeout has no effect on already-scheduled
	// timers; wait past the original 1s default plus margin instead.
	time.Sleep(1200 * time.Millisecond)

	c.mu.Lock()
	remaining := len(c.pools[key])
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected 0 pool entries after deferred close, got %d", remaining)
	}
}

func TestCache_DeferredCloseAndCancel(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	c := newTestCache()
	c.SetTimeout(100 * time.Millisecond)

	ctx := context.Background()
	cl, err := c.Get(ctx, key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err != nil {
		t.Fatal(err)
	}
	c.Release(cl)

	c.mu.Lock()
	_, hasTimer := c.timers[cl]
	c.mu.Unlock()
	if !hasTimer {
		t.Fatal("expected a pending close timer after releasing the last borrower")
	}

	// Re-acquiring before the timer fires must cancel it and reuse the
	// same transport.
	cl2, err := c.Get(ctx, key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err != nil {
		t.Fatal(err)
	}
	if cl2 != cl {
		t.Fatal("expected Get to reuse the still-pending transport")
	}

	c.mu.Lock()
	_, hasTimer = c.timers[cl]
	c.mu.Unlock()
	if hasTimer {
		t.Fatal("expected the pending close timer to be cancelled on reuse")
	}

	c.Release(cl2)
	time.Sleep(300 * time.Millisecond)

	c.mu.Lock()
	_, stillPooled := c.byClient[cl]
	c.mu.Unlock()
	if stillPooled {
		t.Fatal("expected transport to be torn down after the deferred-close timeout elapsed")
	}
}

func TestCache_Flush(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	c := newTestCache()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.Get(ctx, key, "pass", nil, ssh.InsecureIgnoreHostKey()); err != nil { //nolint:gosec // Test.
			t.Fatal(err)
		}
	}

	c.Flush()

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pools) != 0 || len(c.byClient) != 0 || len(c.timers) != 0 {
		t.Fatal("expected pools, byClient, and timers to be empty after Flush")
	}
}

func TestCache_AuthFailure(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	c := newTestCache()

	_, err := c.Get(context.Background(), key, "wrongpass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err == nil {
		t.Fatal("expected an error for wrong password")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pools[key]) != 0 {
		t.Fatal("a failed Get must not leave an entry in the pool")
	}
}

func TestNoCache_DegenerateBehavior(t *testing.T) {
	t.Parallel()

	addr := startTestSSHServer(t, "user", "pass")
	key := testKey(t, addr, "user")
	nc := NewNoCache(transport.Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second})

	cl, err := nc.Get(context.Background(), key, "pass", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err != nil {
		t.Fatal(err)
	}
	nc.Release(cl)

	if cl.Conn.Wait() == nil {
		t.Fatal("expected the transport to be closed immediately after Release")
	}
}
