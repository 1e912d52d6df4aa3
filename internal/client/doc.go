// Package client is the Go client for the gateway frame protocol.
//
// A Client owns at most one live Conn. Reconnect allocates a fresh Conn
// and supersedes the previous generation: its outstanding calls fail with
// ErrSuperseded and its event callbacks become inert, so a stale read loop
// can never mutate application state after a reconnect.
//
// Events carry a per-connection sequence number starting from the value
// the hello frame advertises. Out-of-order delivery surfaces through the
// OnGap callback; duplicates are dropped silently.
package client
