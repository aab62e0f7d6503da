package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// NewHostKeyCallback creates an ssh.HostKeyCallback for the given
// known_hosts file path. If path is empty, host key checking is disabled.
// Otherwise, the callback verifies host keys against the file, adding
// unknown hosts on first connection (trust on first use).
//
// This is the file-backed, TOFU-on-first-contact trust policy used by
// outbound dials (internal/cache, the --dial CLI path). It addresses the
// same "verify the peer's host key" concern as
// internal/sshserver.callHomeHostKeyCallback, which instead checks against
// an in-memory, hostname-keyed map with no persistence or first-use
// learning — call-home connects to addresses the operator already
// configured, so there's nothing to remember between runs.
//
// The parent directory and file are created if they don't exist.
func NewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // Caller explicitly disabled host key checking.
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) //nolint:gosec // Path is from caller config.
		if err != nil {
			return nil, fmt.Errorf("creating known_hosts file: %w", err)
		}
		_ = f.Close()
	}

	hostKeyCallback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}

	var mu sync.Mutex
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := hostKeyCallback(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}

		// Want non-empty means the host is known but with a different key:
		// a potential MITM, reject it.
		if len(keyErr.Want) > 0 {
			return fmt.Errorf("host key mismatch for %s (possible MITM attack): %w", hostname, err)
		}

		// Unknown host: add it (trust on first use).
		mu.Lock()
		defer mu.Unlock()

		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // Path is from caller config.
		if err != nil {
			return fmt.Errorf("opening known_hosts for writing: %w", err)
		}
		defer f.Close()

		normalizedHost := knownhosts.Normalize(hostname)
		line := knownhosts.Line([]string{normalizedHost}, key)
		if _, err := f.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("writing to known_hosts: %w", err)
		}

		log.Printf("transport: added host key for %s to %s", hostname, path)
		return nil
	}, nil
}
