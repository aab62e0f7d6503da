package session

import (
	"context"
	"fmt"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/cache"
)

// Host is either a remote SSH target or the local machine, and provides a
// single Run family that works against either transparently - the Go
// counterpart of sshutil.host.Host.
type Host struct {
	Server          string
	Port            string
	User            string
	Password        string
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Cache           cache.ConnCache
	ProxyCommand    string

	cwd string
}

// NewHost builds a Host. If cwd is empty, it is captured by running "pwd"
// against the target (remote or local) once, up front, matching the
// original's lazy-cwd-on-first-use behavior but resolved eagerly here so
// later errors are reported at construction rather than on first Run.
func NewHost(ctx context.Context, server, port, user, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback, connCache cache.ConnCache, proxyCommand, cwd string) (*Host, error) {
	h := &Host{
		Server:          server,
		Port:            port,
		User:            user,
		Password:        password,
		Signers:         signers,
		HostKeyCallback: hostKeyCallback,
		Cache:           connCache,
		ProxyCommand:    proxyCommand,
		cwd:             cwd,
	}

	if h.cwd == "" {
		out, err := h.newCmd("pwd").Run(ctx)
		if err != nil {
			return nil, err
		}
		h.cwd = strings.TrimSpace(out)
	}

	return h, nil
}

func (h *Host) newCmd(cmd string) runner {
	if h.Server != "" {
		return NewCommand(cmd, h.Server, h.Port, h.User, h.Password, h.Signers, h.HostKeyCallback, h.Cache, h.ProxyCommand)
	}
	return NewShellCommand(cmd)
}

// wrap prefixes command with a cd into h.cwd, so every command Host runs
// sees the same working directory regardless of what the remote shell's
// own default is.
func (h *Host) wrap(command string) string {
	inner := fmt.Sprintf("cd %s && %s", h.cwd, command)
	return "bash -c " + shellescape.Quote(inner)
}

// RunStatusStderr runs command against the host and returns its exit
// status, stdout, and stderr regardless of exit status.
func (h *Host) RunStatusStderr(ctx context.Context, command string) (int, string, string, error) {
	return h.newCmd(h.wrap(command)).RunStatusStderr(ctx)
}

// RunStatus runs command against the host and returns its exit status and
// stdout.
func (h *Host) RunStatus(ctx context.Context, command string) (int, string, error) {
	exit, stdout, _, err := h.RunStatusStderr(ctx, command)
	return exit, stdout, err
}

// RunStderr runs command against the host and returns stdout and stderr,
// failing with *CommandFailed if the exit status is non-zero.
func (h *Host) RunStderr(ctx context.Context, command string) (string, string, error) {
	exit, stdout, stderr, err := h.RunStatusStderr(ctx, command)
	if err != nil {
		return "", "", err
	}
	if exit != 0 {
		return stdout, stderr, &CommandFailed{Cmd: command, Exit: exit, Stdout: stdout, Stderr: stderr}
	}
	return stdout, stderr, nil
}

// Run runs command against the host and returns stdout, failing with
// *CommandFailed if the exit status is non-zero.
func (h *Host) Run(ctx context.Context, command string) (string, error) {
	stdout, _, err := h.RunStderr(ctx, command)
	return stdout, err
}
