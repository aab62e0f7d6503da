package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/testutil"
)

func testHostSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func startTestSSHDaemon(t *testing.T, user, password string) (net.Listener, ssh.PublicKey) {
	t.Helper()

	signer := testHostSigner(t)
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() == user && string(pass) == password {
				return nil, nil
			}
			return nil, fmt.Errorf("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, wait := testutil.StartAcceptServer(context.Background(), t, func(c net.Conn) {
		sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
		if err != nil {
			return
		}
		defer sc.Close()
		go ssh.DiscardRequests(reqs)
		for ch := range chans {
			ch.Reject(ssh.UnknownChannelType, "no channels in this test")
		}
	})
	t.Cleanup(wait)

	return ln, signer.PublicKey()
}

func TestConnect_Success(t *testing.T) {
	t.Parallel()

	ln, hostKey := startTestSSHDaemon(t, "alice", "secret")
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	key := EndpointKey{Host: host, Port: port, User: "alice"}
	cfg := Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}

	conn, client, err := Connect(context.Background(), cfg, key, "secret", nil, ssh.FixedHostKey(hostKey))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	defer client.Close()
}

func TestConnect_BadPassword(t *testing.T) {
	t.Parallel()

	ln, hostKey := startTestSSHDaemon(t, "alice", "secret")
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	key := EndpointKey{Host: host, Port: port, User: "alice"}
	cfg := Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}

	_, _, err = Connect(context.Background(), cfg, key, "wrong", nil, ssh.FixedHostKey(hostKey))
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if _, ok := err.(*AuthError); !ok {
		t.Fatalf("expected *AuthError, got %T: %v", err, err)
	}
}

func TestConnect_BadHostKey(t *testing.T) {
	t.Parallel()

	ln, _ := startTestSSHDaemon(t, "alice", "secret")
	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	wrongKey := testHostSigner(t).PublicKey()

	key := EndpointKey{Host: host, Port: port, User: "alice"}
	cfg := Config{DialTimeout: 2 * time.Second, NegotiationTimeout: 2 * time.Second}

	_, _, err = Connect(context.Background(), cfg, key, "secret", nil, ssh.FixedHostKey(wrongKey))
	if err == nil {
		t.Fatal("expected host key mismatch to fail")
	}
	if _, ok := err.(*TransportError); !ok {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
}

func TestConnect_ConnectFailure(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	key := EndpointKey{Host: host, Port: port, User: "alice"}
	cfg := Config{DialTimeout: 2 * time.Second}

	_, _, err = Connect(context.Background(), cfg, key, "secret", nil, ssh.InsecureIgnoreHostKey()) //nolint:gosec // Test.
	if err == nil {
		t.Fatal("expected connect failure")
	}
	if _, ok := err.(*ConnectError); !ok {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
}
