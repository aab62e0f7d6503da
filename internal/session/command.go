package session

import (
	"context"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/ssh"

	"github.com/pocketlab/sshmux/internal/cache"
	"github.com/pocketlab/sshmux/internal/termsize"
	"github.com/pocketlab/sshmux/internal/transport"
)

// runner is satisfied by anything that can run to completion and report an
// exit status plus captured output; Command, PTYCommand, and ShellCommand
// all implement it, which lets Host dispatch between them uniformly.
type runner interface {
	RunStatusStderr(ctx context.Context) (int, string, string, error)
}

// Command runs a single command to completion over a fresh channel on a
// cached transport, collecting its exit status, stdout, and stderr. It is
// the Go counterpart of sshutil.cmd.SSHCommand: run-to-completion, not a
// long-lived pipe (use CommandSession for that).
type Command struct {
	Cmd             string
	Host            string
	Port            string
	User            string
	Password        string
	Signers         []ssh.Signer
	HostKeyCallback ssh.HostKeyCallback
	Cache           cache.ConnCache
	ProxyCommand    string

	pty bool

	ExitCode int
	Stdout   string
	Stderr   string
}

// NewCommand builds a Command for cmd against the given endpoint. A nil
// hostKeyCallback is an error at Run time, not here, so callers can build
// Command values with struct literals as freely as with this constructor.
func NewCommand(cmd, host, port, user, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback, connCache cache.ConnCache, proxyCommand string) *Command {
	return &Command{
		Cmd:             cmd,
		Host:            host,
		Port:            port,
		User:            user,
		Password:        password,
		Signers:         signers,
		HostKeyCallback: hostKeyCallback,
		Cache:           connCache,
		ProxyCommand:    proxyCommand,
	}
}

// PTYCommand is a Command that additionally requests a pseudo-terminal
// sized to match the caller's controlling terminal before exec'ing -
// required by commands that behave differently when not attached to a tty.
type PTYCommand struct {
	Command
}

// NewPTYCommand builds a PTYCommand for cmd against the given endpoint.
func NewPTYCommand(cmd, host, port, user, password string, signers []ssh.Signer, hostKeyCallback ssh.HostKeyCallback, connCache cache.ConnCache, proxyCommand string) *PTYCommand {
	c := &PTYCommand{Command: *NewCommand(cmd, host, port, user, password, signers, hostKeyCallback, connCache, proxyCommand)}
	c.pty = true
	return c
}

func (c *Command) key() transport.EndpointKey {
	return transport.EndpointKey{Host: c.Host, Port: c.Port, User: c.User, ProxyCommand: c.ProxyCommand}
}

// RunStatusStderr runs the command and returns its exit status, stdout, and
// stderr regardless of exit status. Only a transport or channel failure
// produces a non-nil error; a non-zero exit is reported through the
// returned status, not an error.
func (c *Command) RunStatusStderr(ctx context.Context) (int, string, string, error) {
	cs, err := open(ctx, c.Cache, c.key(), c.Password, c.Signers, c.HostKeyCallback)
	if err != nil {
		return 0, "", "", err
	}
	defer cs.Close()

	if c.pty {
		width, height, err := termsize.GetStdout()
		if err != nil {
			width, height = 80, 24
		}
		term := os.Getenv("TERM")
		if term == "" {
			term = "vt100"
		}
		type ptyRequest struct {
			Term              string
			Width, Height     uint32
			WidthPx, HeightPx uint32
			Modes             string
		}
		req := ptyRequest{Term: term, Width: uint32(width), Height: uint32(height)}
		ok, err := cs.ch.SendRequest("pty-req", true, ssh.Marshal(req))
		if err != nil || !ok {
			if err == nil {
				err = errors.New("pty request rejected")
			}
			return 0, "", "", &ChannelError{Op: "pty", Err: err}
		}
	}

	type execRequest struct{ Command string }
	ok, err := cs.ch.SendRequest("exec", true, ssh.Marshal(execRequest{c.Cmd}))
	if err != nil || !ok {
		if err == nil {
			err = errors.New("exec request rejected")
		}
		return 0, "", "", &ChannelError{Op: "exec", Err: err}
	}

	stdout, err := readAllToEOF(cs.stdout)
	if err != nil {
		return 0, "", "", err
	}
	stderr, err := readAllToEOF(cs.stderr)
	if err != nil {
		return 0, "", "", err
	}

	exit := cs.RecvExitStatus()
	c.ExitCode, c.Stdout, c.Stderr = exit, string(stdout), string(stderr)
	return exit, c.Stdout, c.Stderr, nil
}

// RunStderr runs the command and returns stdout and stderr, failing with
// *CommandFailed if the exit status is non-zero.
func (c *Command) RunStderr(ctx context.Context) (string, string, error) {
	return runStderr(ctx, c, c.Cmd)
}

// RunStatus runs the command and returns its exit status and stdout.
func (c *Command) RunStatus(ctx context.Context) (int, string, error) {
	exit, stdout, _, err := c.RunStatusStderr(ctx)
	return exit, stdout, err
}

// Run runs the command and returns stdout, failing with *CommandFailed if
// the exit status is non-zero.
func (c *Command) Run(ctx context.Context) (string, error) {
	stdout, _, err := c.RunStderr(ctx)
	return stdout, err
}

// readAllToEOF drains r in MaxSSHBuf-sized chunks until it reports io.EOF,
// which chanReader always does exactly once the underlying channel half
// closes - any other error is passed through unchanged.
func readAllToEOF(r *chanReader) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.Recv(MaxSSHBuf)
		out = append(out, chunk...)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
	}
}

var (
	_ runner = (*Command)(nil)
	_ runner = (*PTYCommand)(nil)
)
