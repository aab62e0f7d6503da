package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/cache"
	"github.com/pocketlab/sshmux/internal/transport"
)

// MaxSSHBuf is the chunk size readAllToEOF passes to Recv, matching
// the teacher's preference for fixed, modest buffer sizes on the wire path.
const MaxSSHBuf = 16 * 1024

// Session is a single logical channel over a shared, cached transport: a
// subsystem invocation or a long-lived remote command. It is the Go
// counterpart of sshutil.conn.SSHSession.
type Session interface {
	Send(p []byte) (int, error)
	SendAll(p []byte) error
	Recv(size int) ([]byte, error)
	RecvStderr(size int) ([]byte, error)
	RecvReady() bool
	RecvStderrReady() bool
	Close() error
	IsActive() bool
}

// channelSession implements Session over an ssh.Channel borrowed from a
// cache.ConnCache. ClientSession and CommandSession embed it and add the
// request that invokes their particular channel type.
type channelSession struct {
	connCache cache.ConnCache
	client    *ssh.Client
	ch        ssh.Channel

	stdout *chanReader
	stderr *chanReader

	exitStatus chan int

	mu     sync.Mutex
	closed bool
}

func open(ctx context.Context, connCache cache.ConnCache, key transport.EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*channelSession, error) {
	if connCache == nil {
		connCache = cache.Global()
	}

	client, err := connCache.Get(ctx, key, password, signers, hostKeyCallback)
	if err != nil {
		return nil, err
	}

	ch, reqs, err := client.OpenChannel("session", nil)
	if err != nil {
		connCache.Release(client)
		return nil, &ChannelError{Op: "open-channel", Err: err}
	}

	cs := &channelSession{
		connCache:  connCache,
		client:     client,
		ch:         ch,
		stdout:     newChanReader(ch),
		stderr:     newChanReader(ch.Stderr()),
		exitStatus: make(chan int, 1),
	}
	go cs.handleRequests(reqs)
	return cs, nil
}

// handleRequests drains channel requests, capturing the server's
// exit-status so RecvExitStatus can report it, and replying false to
// anything it doesn't understand so the server doesn't hang waiting for a
// reply. It exits when the channel's request stream closes, delivering a
// default exit status of -1 if none was ever received.
func (cs *channelSession) handleRequests(reqs <-chan *ssh.Request) {
	for req := range reqs {
		if req.Type == "exit-status" && len(req.Payload) >= 4 {
			status := int(binary.BigEndian.Uint32(req.Payload))
			select {
			case cs.exitStatus <- status:
			default:
			}
		}
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
	}
	select {
	case cs.exitStatus <- -1:
	default:
	}
}

func (cs *channelSession) Send(p []byte) (int, error) { return cs.ch.Write(p) }

func (cs *channelSession) SendAll(p []byte) error {
	for len(p) > 0 {
		n, err := cs.ch.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}

func (cs *channelSession) Recv(size int) ([]byte, error)       { return cs.stdout.Recv(size) }
func (cs *channelSession) RecvStderr(size int) ([]byte, error) { return cs.stderr.Recv(size) }
func (cs *channelSession) RecvReady() bool                     { return cs.stdout.Ready() }
func (cs *channelSession) RecvStderrReady() bool                { return cs.stderr.Ready() }

// RecvExitStatus blocks until the server reports the command's exit status,
// or returns -1 if the channel closed without ever sending one.
func (cs *channelSession) RecvExitStatus() int { return <-cs.exitStatus }

func (cs *channelSession) IsActive() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return !cs.closed
}

// Close closes the channel and releases the transport exactly once; a
// second Close is a no-op.
func (cs *channelSession) Close() error {
	cs.mu.Lock()
	if cs.closed {
		cs.mu.Unlock()
		return nil
	}
	cs.closed = true
	cs.mu.Unlock()

	err := cs.ch.Close()
	cs.connCache.Release(cs.client)
	return err
}

// ClientSession is a channel running a named subsystem, e.g. "sftp" or a
// custom management protocol.
type ClientSession struct {
	*channelSession
}

// NewClientSession opens a channel to key and invokes subsystem on it.
func NewClientSession(ctx context.Context, connCache cache.ConnCache, key transport.EndpointKey, subsystem, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*ClientSession, error) {
	cs, err := open(ctx, connCache, key, password, signers, hostKeyCallback)
	if err != nil {
		return nil, err
	}

	type subsystemRequest struct{ Name string }
	ok, err := cs.ch.SendRequest("subsystem", true, ssh.Marshal(subsystemRequest{subsystem}))
	if err != nil || !ok {
		if err == nil {
			err = fmt.Errorf("subsystem %q rejected", subsystem)
		}
		_ = cs.Close()
		return nil, &ChannelError{Op: "subsystem", Err: err}
	}

	return &ClientSession{cs}, nil
}

// CommandSession is a channel running a remote command as a long-lived
// duplex pipe - for callers that want to stream input/output rather than
// wait for completion the way Command does.
type CommandSession struct {
	*channelSession
}

// NewCommandSession opens a channel to key and execs command on it.
func NewCommandSession(ctx context.Context, connCache cache.ConnCache, key transport.EndpointKey, command, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (*CommandSession, error) {
	cs, err := open(ctx, connCache, key, password, signers, hostKeyCallback)
	if err != nil {
		return nil, err
	}

	type execRequest struct{ Command string }
	ok, err := cs.ch.SendRequest("exec", true, ssh.Marshal(execRequest{command}))
	if err != nil || !ok {
		if err == nil {
			err = errors.New("exec request rejected")
		}
		_ = cs.Close()
		return nil, &ChannelError{Op: "exec", Err: err}
	}

	return &CommandSession{cs}, nil
}

var (
	_ Session = (*ClientSession)(nil)
	_ Session = (*CommandSession)(nil)
)
