package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pocketlab/sshmux/internal/testutil"
)

func TestDial_Direct(t *testing.T) {
	t.Parallel()

	ln := testutil.StartEchoTCPServer(context.Background(), t)
	defer ln.Close()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{DialTimeout: 2 * time.Second}
	conn, err := Dial(context.Background(), cfg, EndpointKey{Host: host, Port: port})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	testutil.AssertEcho(t, conn, conn, []byte("hello"))
}

func TestDial_ResolveError(t *testing.T) {
	t.Parallel()

	cfg := Config{DialTimeout: time.Second}
	_, err := Dial(context.Background(), cfg, EndpointKey{Host: "this-host-does-not-resolve.invalid", Port: "22"})
	if err == nil {
		t.Fatal("expected a resolve error")
	}
	if _, ok := err.(*ResolveError); !ok {
		t.Fatalf("expected *ResolveError, got %T: %v", err, err)
	}
}

func TestDial_ConnectError(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close() // nothing is listening here anymore

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{DialTimeout: 2 * time.Second}
	_, err = Dial(context.Background(), cfg, EndpointKey{Host: host, Port: port})
	if err == nil {
		t.Fatal("expected a connect error")
	}
	if _, ok := err.(*ConnectError); !ok {
		t.Fatalf("expected *ConnectError, got %T: %v", err, err)
	}
}

func TestDial_ProxyCommand(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	key := EndpointKey{Host: "ignored", Port: "ignored", ProxyCommand: "cat"}
	conn, err := Dial(context.Background(), cfg, key)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	msg := []byte("proxy command echo\n")
	if _, err := conn.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			t.Fatal(err)
		}
		n += m
	}
	if string(buf) != string(msg) {
		t.Fatalf("expected %q, got %q", string(msg), string(buf))
	}
}

func TestDial_ProxyCommandSubstitutesHostPort(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	key := EndpointKey{Host: "example.com", Port: "2222", ProxyCommand: "echo %h:%p"}
	conn, err := Dial(context.Background(), cfg, key)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	if got != "example.com:2222\n" {
		t.Fatalf("expected %q, got %q", "example.com:2222\n", got)
	}
}
