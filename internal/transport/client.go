package transport

import (
	"context"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// preferredHostKeyAlgos orders host key algorithms the way modern OpenSSH
// prefers them, newest/strongest first.
var preferredHostKeyAlgos = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoRSASHA512,
	ssh.KeyAlgoRSASHA256,
}

// Connect dials key and runs the SSH client handshake and authentication,
// returning both the raw byte stream and the resulting transport. On any
// failure the byte stream (if opened) is closed before returning.
func Connect(ctx context.Context, cfg Config, key EndpointKey, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback) (net.Conn, *ssh.Client, error) {
	conn, err := Dial(ctx, cfg, key)
	if err != nil {
		return nil, nil, err
	}

	auth, err := BuildAuthMethods(password, signers)
	if err != nil {
		_ = conn.Close()
		return nil, nil, &AuthError{User: key.User, Err: err}
	}

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	addr := net.JoinHostPort(key.Host, key.Port)
	sshConfig := &ssh.ClientConfig{
		User:              key.User,
		Auth:              auth,
		HostKeyCallback:   hostKeyCallback,
		HostKeyAlgorithms: preferredHostKeyAlgos,
		Timeout:           cfg.DialTimeout,
	}

	if cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(cfg.NegotiationTimeout))
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		_ = conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, nil, &AuthError{User: key.User, Err: err}
		}
		return nil, nil, &TransportError{Addr: addr, Err: err}
	}

	if cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return conn, ssh.NewClient(cc, chans, reqs), nil
}
