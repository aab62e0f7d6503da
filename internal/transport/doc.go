// Package transport builds authenticated SSH transports (*ssh.Client) on top
// of a raw byte stream.
//
// It implements endpoint resolution and dialing (both address families, or a
// proxy-command subprocess pipe), and SSH authentication (password, agent,
// explicit key). internal/cache is the only intended caller: it decides
// whether a new transport is needed and, if so, asks this package to build
// one.
package transport
