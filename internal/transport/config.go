package transport

import (
	"net"
	"time"
)

// Config controls timeouts and TCP keepalive settings used when dialing and
// authenticating new SSH transports.
type Config struct {
	// DialTimeout bounds DNS lookups and TCP connect.
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SSH handshake performed after TCP
	// connect. Zero means no deadline.
	NegotiationTimeout time.Duration
	// KeepAlive controls TCP keepalive settings applied to the underlying
	// TCP socket. Ignored for proxy-command transports.
	KeepAlive net.KeepAliveConfig
}
