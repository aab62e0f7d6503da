package transport

import "net"

// EndpointKey identifies a pool of interchangeable SSH transports: same
// host, port, user, and proxy command are eligible to share a transport.
//
// EndpointKey is a plain comparable struct, so it can be used directly as a
// map key: Go gives structural equality and hashing for free, with no
// custom Equals/HashCode needed.
type EndpointKey struct {
	Host         string
	Port         string
	User         string
	ProxyCommand string
}

// String returns a human-readable form of the key, suitable for use as a
// singleflight.Group key or in log messages.
func (k EndpointKey) String() string {
	addr := net.JoinHostPort(k.Host, k.Port)
	if k.ProxyCommand != "" {
		return k.User + "@" + addr + "?proxycmd=" + k.ProxyCommand
	}
	return k.User + "@" + addr
}
