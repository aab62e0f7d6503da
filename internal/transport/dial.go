package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"time"
)

// Dial resolves and connects to key.Host:key.Port, or, if key.ProxyCommand
// is set, spawns it as a subprocess and returns a byte stream backed by its
// stdin/stdout.
//
// Without a proxy command, both address families are resolved and dialed in
// the order returned by the resolver; the first successful connect wins.
// Dial fails with *ConnectError (carrying the last dial error) only if every
// address fails, or with *ResolveError if none resolved. There is no retry
// within a single call.
func Dial(ctx context.Context, cfg Config, key EndpointKey) (net.Conn, error) {
	if key.ProxyCommand != "" {
		return dialProxyCommand(ctx, key)
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if cfg.DialTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(dialCtx, key.Host)
	if err != nil {
		return nil, &ResolveError{Host: key.Host, Port: key.Port, Err: err}
	}
	if len(addrs) == 0 {
		return nil, &ResolveError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("no addresses found")}
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}

	var lastErr error
	for _, addr := range addrs {
		conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(addr.String(), key.Port))
		if err != nil {
			lastErr = err
			continue
		}

		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAliveConfig(cfg.KeepAlive)
		}

		return conn, nil
	}

	return nil, &ConnectError{Host: key.Host, Port: key.Port, Err: lastErr}
}

// dialProxyCommand runs key.ProxyCommand through /bin/sh -c, substituting
// %h and %p for host and port, and returns a net.Conn backed by the
// subprocess's stdin/stdout.
func dialProxyCommand(ctx context.Context, key EndpointKey) (net.Conn, error) {
	cmdStr := strings.NewReplacer("%h", key.Host, "%p", key.Port).Replace(key.ProxyCommand)

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxycmd stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("proxycmd stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, &ConnectError{Host: key.Host, Port: key.Port, Err: fmt.Errorf("starting proxy command: %w", err)}
	}

	return &cmdConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// cmdConn adapts a proxy-command subprocess's stdin/stdout into a net.Conn.
type cmdConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (c *cmdConn) Read(b []byte) (int, error)  { return c.stdout.Read(b) }
func (c *cmdConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *cmdConn) Close() error {
	errIn := c.stdin.Close()
	errOut := c.stdout.Close()
	_ = c.cmd.Wait()
	if errIn != nil {
		return errIn
	}
	return errOut
}

func (c *cmdConn) LocalAddr() net.Addr            { return proxyCommandAddr{} }
func (c *cmdConn) RemoteAddr() net.Addr           { return proxyCommandAddr{} }
func (c *cmdConn) SetDeadline(t time.Time) error      { return nil }
func (c *cmdConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *cmdConn) SetWriteDeadline(t time.Time) error { return nil }

// proxyCommandAddr is a placeholder net.Addr for proxy-command streams,
// which have no real socket address.
type proxyCommandAddr struct{}

func (proxyCommandAddr) Network() string { return "proxycmd" }
func (proxyCommandAddr) String() string  { return "proxycmd" }
