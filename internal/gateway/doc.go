// ABOUTME: Package documentation for the gateway composition root
// ABOUTME: Describes the wiring between transport, stores, sessions, and approvals

// Package gateway composes the control plane: it owns the durable stores,
// the session registry, the approval manager, and the credential resolver,
// and serves them over a framed websocket protocol.
//
// Each connection gets its own event sequence space, announced by a hello
// frame before any other traffic. Request frames dispatch onto handler
// goroutines so interactive flows and approval waits never stall the read
// loop. Out-of-band changes, including writes by a CLI racing the server,
// broadcast as event frames to every connection.
package gateway
