package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/pocketlab/sshmux/internal/cache"
	"github.com/pocketlab/sshmux/internal/session"
	"github.com/pocketlab/sshmux/internal/sshserver"
	"github.com/pocketlab/sshmux/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		listenPort  = pflag.Int("listen-port", 2022, "SSH listen port (both [::] and 0.0.0.0). 0 picks an ephemeral port, -1 disables listening (call-home only).")
		user        = pflag.String("user", "", "Username accepted by the SSH server.")
		password    = pflag.String("password", "", "Password accepted by the SSH server.")
		hostKeyPath = pflag.String("host-key", "", "Path to the server's private host key. Empty probes /etc/ssh for a default.")

		callHome = pflag.String("call-home", "", "host:port to actively dial and run the server side of SSH on, instead of waiting for an inbound connection. Empty disables.")

		debugListen = pflag.String("debug-listen", "", "Debug HTTP listen address exposing /debug/pprof (e.g. 127.0.0.1:6060). Empty disables.")

		dialTimeout        = pflag.Duration("dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
		negotiationTimeout = pflag.Duration("negotiation-timeout", 10*time.Second, "Timeout for the SSH handshake")
		tcpKeepAlive       = pflag.String("tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")

		cacheEnabled = pflag.Bool("cache", true, "Multiplex sessions over a small pool of shared transports instead of dialing fresh for each one.")
		cacheTimeout = pflag.Duration("cache-timeout", cache.DefaultTimeout, "How long an idle transport stays pooled before it's closed")
		maxChannels  = pflag.Int("max-channels", cache.DefaultMaxChannels, "Maximum logical sessions multiplexed per pooled transport")

		dialTarget       = pflag.String("dial", "", "host:port to run a single one-shot command against through the cache, then exit, instead of starting the server. Smoke-test harness for scenarios 1-3.")
		dialUser         = pflag.String("dial-user", "", "Username to authenticate as for --dial.")
		dialPassword     = pflag.String("dial-password", "", "Password to authenticate with for --dial.")
		dialKeyPath      = pflag.String("dial-key", "", "Path to a private key to authenticate with for --dial. Empty skips key auth.")
		dialKnownHosts   = pflag.String("dial-known-hosts", "", "known_hosts file for --dial's host key verification. Empty disables host key checking.")
		dialProxyCommand = pflag.String("dial-proxy-command", "", "ProxyCommand to tunnel --dial through, in place of a direct TCP connection.")
		dialCommand      = pflag.String("dial-command", "", "Command to run on the --dial target.")
		dialPTY          = pflag.Bool("dial-pty", false, "Request a PTY for --dial's command.")
	)

	pflag.Parse()

	ka, err := parseTCPKeepAlive(*tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	dialCfg := transport.Config{
		DialTimeout:        *dialTimeout,
		NegotiationTimeout: *negotiationTimeout,
		KeepAlive:          ka,
	}

	if *cacheEnabled {
		cache.EnableGlobalCaching(dialCfg, *cacheTimeout, *maxChannels)
	} else {
		cache.DisableGlobalCaching(dialCfg)
	}

	if *dialTarget != "" {
		return runDial(*dialTarget, *dialUser, *dialPassword, *dialKeyPath, *dialKnownHosts, *dialProxyCommand, *dialCommand, *dialPTY)
	}

	if *user == "" || *password == "" {
		return fmt.Errorf("--user and --password are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)

	if *debugListen != "" {
		debugSrv := &http.Server{Handler: http.DefaultServeMux}
		debugLn, err := net.Listen("tcp", *debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		go func() {
			<-ctx.Done()
			_ = debugSrv.Close()
			_ = debugLn.Close()
		}()
		go func() {
			if err := debugSrv.Serve(debugLn); err != nil {
				errCh <- fmt.Errorf("debug serve: %w", err)
			}
		}()
		log.Printf("debug listening on %s", *debugListen)
	}

	srv, err := sshserver.NewServer(sshserver.Config{
		AccessController: sshserver.NewSSHUserPassController(*user, *password),
		Port:             *listenPort,
		HostKeyPath:      *hostKeyPath,
	})
	if err != nil {
		return fmt.Errorf("ssh server: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if *listenPort != -1 {
		log.Printf("ssh server listening on port %d", srv.Port())
	}

	if *callHome != "" {
		host, port, err := net.SplitHostPort(*callHome)
		if err != nil {
			return fmt.Errorf("invalid --call-home: %w", err)
		}
		if err := srv.CallHome(ctx, host, port); err != nil {
			return fmt.Errorf("call home: %w", err)
		}
		log.Printf("called home to %s", *callHome)
	}

	select {
	case <-ctx.Done():
		log.Printf("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	srv.Wait()
	return nil
}

// runDial runs a single command against target through the global cache and
// prints its output, exiting with the remote command's own exit status. It
// is the CLI equivalent of spec.md scenarios 1-3: a smoke-test harness for
// exercising the dialer/authenticator/cache/session stack without standing
// up the server.
func runDial(target, user, password, keyPath, knownHostsPath, proxyCommand, command string, pty bool) error {
	if command == "" {
		return fmt.Errorf("--dial-command is required with --dial")
	}

	host, port, err := net.SplitHostPort(target)
	if err != nil {
		return fmt.Errorf("invalid --dial: %w", err)
	}

	signers, err := transport.LoadSigners(keyPath)
	if err != nil {
		return fmt.Errorf("loading --dial-key: %w", err)
	}

	hostKeyCallback, err := transport.NewHostKeyCallback(knownHostsPath)
	if err != nil {
		return fmt.Errorf("loading --dial-known-hosts: %w", err)
	}

	var cmd interface {
		RunStatusStderr(ctx context.Context) (int, string, string, error)
	}
	if pty {
		cmd = session.NewPTYCommand(command, host, port, user, password, signers, hostKeyCallback, cache.Global(), proxyCommand)
	} else {
		cmd = session.NewCommand(command, host, port, user, password, signers, hostKeyCallback, cache.Global(), proxyCommand)
	}

	exit, stdout, stderr, err := cmd.RunStatusStderr(context.Background())
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	fmt.Print(stdout)
	fmt.Fprint(os.Stderr, stderr)
	os.Exit(exit)
	return nil
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return net.KeepAliveConfig{}, fmt.Errorf("empty")
	}
	if s == "on" {
		return net.KeepAliveConfig{Enable: true}, nil
	}
	if s == "off" {
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, fmt.Errorf("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositiveSeconds(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositiveSeconds(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositiveInt(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     keepIdle,
		Interval: keepIntvl,
		Count:    keepCnt,
	}, nil
}

func parsePositiveSeconds(s string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0")
	}
	return n, nil
}
