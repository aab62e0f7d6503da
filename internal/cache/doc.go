// Package cache implements the connection-multiplexing cache: it shares a
// small number of authenticated SSH transports across many logical sessions
// keyed by endpoint (host, port, user, proxy command), enforcing a
// per-transport channel cap and deferring the close of an idle transport for
// a short interval to coalesce bursts of short-lived commands.
//
// internal/session is the intended caller: it calls Get to borrow a
// transport, opens one channel on it, and calls Release when the channel is
// closed.
package cache
