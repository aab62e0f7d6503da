package sshserver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/crypto/ssh"
)

// ContextDialer is used for the outbound connection CallHome makes.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config configures a Server.
type Config struct {
	// AccessController is required.
	AccessController AccessController
	// SessionFactory customizes each newly-accepted session, e.g.
	// installing a subsystem-specific ReaderHandleData. May be nil.
	SessionFactory func(*ServerSession)
	// Port to listen on. 0 picks an ephemeral port (reused for both
	// address families). -1 skips listening entirely (call-home only).
	Port int
	// HostKey takes priority over HostKeyPath, which takes priority over
	// probing /etc/ssh for rsa then dsa host keys.
	HostKey     ssh.Signer
	HostKeyPath string
	// Dialer is used by CallHome. Defaults to &net.Dialer{}.
	Dialer ContextDialer
}

// Server accepts SSH connections and turns each session channel into a
// *ServerSession with its own reader goroutine, the Go counterpart of
// sshutil.server.SSHServerAny.
type Server struct {
	ctl            AccessController
	sessionFactory func(*ServerSession)
	config         *ssh.ServerConfig
	dialer         ContextDialer

	port      int
	listeners []net.Listener

	mu       sync.Mutex
	closed   bool
	sessions []*ServerSession
	wg       sync.WaitGroup
}

// NewServer builds and starts listening per cfg. If cfg.Port == -1, no
// listener is created and the server is usable only via CallHome.
func NewServer(cfg Config) (*Server, error) {
	if cfg.AccessController == nil {
		return nil, errors.New("sshserver: AccessController is required")
	}

	hostKey, err := loadHostKey(cfg)
	if err != nil {
		return nil, err
	}

	sshConfig := &ssh.ServerConfig{PasswordCallback: cfg.AccessController.CheckPassword}
	sshConfig.AddHostKey(hostKey)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	s := &Server{
		ctl:            cfg.AccessController,
		sessionFactory: cfg.SessionFactory,
		config:         sshConfig,
		dialer:         dialer,
	}

	if cfg.Port == -1 {
		return s, nil
	}

	listeners, port, err := bindDual(cfg.Port)
	if err != nil {
		return nil, err
	}
	s.port = port
	s.listeners = listeners

	for _, ln := range listeners {
		ln := ln
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.acceptLoop(ln)
		}()
	}

	return s, nil
}

// Port returns the bound port, valid once NewServer returns.
func (s *Server) Port() int { return s.port }

// loadHostKey resolves a signer per cfg.HostKey > cfg.HostKeyPath > probing
// /etc/ssh/ssh_host_rsa_key then /etc/ssh/ssh_host_dsa_key.
func loadHostKey(cfg Config) (ssh.Signer, error) {
	if cfg.HostKey != nil {
		return cfg.HostKey, nil
	}
	if cfg.HostKeyPath != "" {
		return loadHostKeyFile(cfg.HostKeyPath)
	}
	for _, path := range []string{"/etc/ssh/ssh_host_rsa_key", "/etc/ssh/ssh_host_dsa_key"} {
		if _, err := os.Stat(path); err == nil {
			return loadHostKeyFile(path)
		}
	}
	return nil, errors.New("sshserver: no host key configured and none found under /etc/ssh")
}

func loadHostKeyFile(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sshserver: reading host key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("sshserver: parsing host key %s: %w", path, err)
	}
	return signer, nil
}

// bindDual binds [::]:port then 0.0.0.0:port, reusing the first bind's
// ephemeral port for the second when port == 0. EADDRINUSE on the second
// bind is swallowed - on platforms where the v6 socket already serves v4,
// that's expected, not an error. Any other failure on either bind is
// propagated, closing whatever was already bound.
//
// Go's net.Listener needs no close-pipe + poll workaround to unblock
// Accept: closing the listener directly does it, so unlike the original
// there is no accept timeout here.
func bindDual(port int) ([]net.Listener, int, error) {
	ln6, err := net.Listen("tcp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, 0, fmt.Errorf("sshserver: listen tcp6: %w", err)
	}
	if port == 0 {
		port = ln6.Addr().(*net.TCPAddr).Port
	}

	listeners := []net.Listener{ln6}

	ln4, err := net.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", port))
	switch {
	case err == nil:
		listeners = append(listeners, ln4)
	case errors.Is(err, syscall.EADDRINUSE):
		// The v6 listener already accepts v4 connections on this platform.
	default:
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return nil, 0, fmt.Errorf("sshserver: listen tcp4: %w", err)
	}

	return listeners, port, nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		log.Printf("sshserver: handshake with %s failed: %v", conn.RemoteAddr(), err)
		return
	}
	defer sc.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		s.handleChannel(newChan)
	}
}

func (s *Server) handleChannel(newChan ssh.NewChannel) {
	if !s.ctl.CheckChannelType(newChan.ChannelType()) {
		_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}

	sess := newServerSession(ch)
	if s.sessionFactory != nil {
		s.sessionFactory(sess)
	}

	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.readLoop()
	}()

	go s.handleSessionRequests(sess, reqs)
}

func (s *Server) handleSessionRequests(sess *ServerSession, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "subsystem":
			var payload struct{ Name string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			ok := s.ctl.CheckSubsystem(payload.Name)
			if req.WantReply {
				_ = req.Reply(ok, nil)
			}
			if !ok {
				_ = sess.Close()
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// Close stops accepting new connections and closes every live session,
// unblocking each session's reader goroutine. It does not wait for the
// accept and reader goroutines to exit - call Wait for that.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := append([]*ServerSession(nil), s.sessions...)
	s.mu.Unlock()

	var firstErr error
	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sess := range sessions {
		_ = sess.Close()
	}
	return firstErr
}

// Wait blocks until every accept loop and every session reader goroutine
// started by this server has exited - the Go name for the original's
// join().
func (s *Server) Wait() {
	s.wg.Wait()
}
