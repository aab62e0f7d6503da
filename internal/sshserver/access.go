package sshserver

import (
	"errors"
	"sync"

	"golang.org/x/crypto/ssh"
)

// AccessController decides what an authenticated client may do: which
// password is valid, which channel types are accepted, and which
// subsystems a session channel may invoke. It is the Go counterpart of
// paramiko's ServerInterface as used by sshutil.server.SSHUserPassController.
type AccessController interface {
	CheckPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)
	CheckChannelType(channelType string) bool
	CheckSubsystem(name string) bool
	// SubsystemOpened is closed the first time any session on this
	// controller opens an allowed subsystem, mirroring the original's
	// threading.Event a caller could block on.
	SubsystemOpened() <-chan struct{}
}

// SSHUserPassController is the default AccessController: a single
// configured username/password pair, "session" channels only, and
// "netconf" as the only permitted subsystem.
type SSHUserPassController struct {
	Username string
	Password string

	opened     chan struct{}
	openedOnce sync.Once
}

// NewSSHUserPassController builds a controller that accepts exactly one
// username/password pair.
func NewSSHUserPassController(username, password string) *SSHUserPassController {
	return &SSHUserPassController{
		Username: username,
		Password: password,
		opened:   make(chan struct{}),
	}
}

func (c *SSHUserPassController) CheckPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if conn.User() != c.Username || string(password) != c.Password {
		return nil, errors.New("sshserver: invalid credentials")
	}
	return &ssh.Permissions{}, nil
}

func (c *SSHUserPassController) CheckChannelType(channelType string) bool {
	return channelType == "session"
}

func (c *SSHUserPassController) CheckSubsystem(name string) bool {
	ok := name == "netconf"
	if ok {
		c.openedOnce.Do(func() { close(c.opened) })
	}
	return ok
}

func (c *SSHUserPassController) SubsystemOpened() <-chan struct{} { return c.opened }

var _ AccessController = (*SSHUserPassController)(nil)
