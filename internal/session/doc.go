// Package session provides the logical-session surface built on top of
// internal/cache: subsystem and exec channels multiplexed over a shared
// transport, one-shot remote and local commands, and a Host facade that
// dispatches between the two transparently.
//
// Every remote session and command here borrows a transport from a
// cache.ConnCache (the process-wide cache.Global() by default) and releases
// it exactly once - sessions on Close, one-shot commands when the run
// finishes - so callers never need to track transport lifetime themselves.
// Local commands (ShellCommand, a Host with no Server) use no transport.
package session
