package sshserver

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"golang.org/x/crypto/ssh"
)

// BadHostKeyError reports a call-home peer presenting a host key that
// doesn't match any key configured for its hostname - ported from
// validate_keys in sshutil.server.SSHSimpleCallHomeClient.
type BadHostKeyError struct {
	Hostname string
	Got      ssh.PublicKey
	Want     ssh.PublicKey
}

func (e *BadHostKeyError) Error() string {
	return fmt.Sprintf("sshserver: host key for %s does not match any configured key", e.Hostname)
}

// CallHomeClient listens for a single inbound connection and then drives
// the client side of the SSH handshake on it - the inverse of the usual
// roles, used when the server behind a firewall must initiate the TCP
// connection while the administrative client still authenticates as an
// SSH client. Ported from sshutil.server.SSHSimpleCallHomeClient.
type CallHomeClient struct {
	ln net.Listener
}

// NewCallHomeClient binds bindAddr and starts listening for the server's
// call-home connection.
func NewCallHomeClient(bindAddr string) (*CallHomeClient, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("sshserver: call-home listen %s: %w", bindAddr, err)
	}
	return &CallHomeClient{ln: ln}, nil
}

// Addr returns the listening address.
func (c *CallHomeClient) Addr() net.Addr { return c.ln.Addr() }

// Close stops listening.
func (c *CallHomeClient) Close() error { return c.ln.Close() }

// Accept accepts exactly one connection and authenticates as an SSH client
// on it, verifying the peer's host key against hostKeys (keyed by the
// peer's address, since call-home peers are identified by where they
// connect from rather than a name the client resolved).
func (c *CallHomeClient) Accept(ctx context.Context, user, password string, signers []ssh.Signer, hostKeys map[string][]ssh.PublicKey) (*ssh.Client, error) {
	conn, err := c.ln.Accept()
	if err != nil {
		return nil, fmt.Errorf("sshserver: call-home accept: %w", err)
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var methods []ssh.AuthMethod
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            methods,
		HostKeyCallback: callHomeHostKeyCallback(hostKeys),
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, conn.RemoteAddr().String(), clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("sshserver: call-home client handshake: %w", err)
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

func callHomeHostKeyCallback(hostKeys map[string][]ssh.PublicKey) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		host, _, err := net.SplitHostPort(remote.String())
		if err != nil {
			host = remote.String()
		}

		keys, ok := hostKeys[host]
		if !ok {
			return fmt.Errorf("sshserver: no host key configured for %s", host)
		}
		for _, want := range keys {
			if bytes.Equal(want.Marshal(), key.Marshal()) {
				return nil
			}
		}

		var want ssh.PublicKey
		if len(keys) > 0 {
			want = keys[0]
		}
		return &BadHostKeyError{Hostname: host, Got: key, Want: want}
	}
}

// CallHome actively dials host:port and runs the server side of SSH on the
// resulting connection, inserting it into the same session bookkeeping as
// a passive accept - the Go counterpart of SSHServerAny.call_home.
func (s *Server) CallHome(ctx context.Context, host, port string) error {
	addr := net.JoinHostPort(host, port)
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("sshserver: call home dial %s: %w", addr, err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handleConn(conn)
	}()
	return nil
}
