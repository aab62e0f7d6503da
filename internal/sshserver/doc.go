// Package sshserver implements an SSH server that accepts sessions (rather
// than proxying direct-tcpip channels) and a call-home variant that
// actively dials a peer and runs the server side of SSH on the resulting
// connection. It is the Go counterpart of sshutil.server.
package sshserver
