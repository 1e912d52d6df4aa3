// Package session implements the generic stepped-session engine behind the
// provisioning wizard and the credential auth flow.
//
// A flow is an ordinary function that runs on its own goroutine and
// suspends by asking its Prompter for input. The session stores only the
// channel handles, never a suspended call stack, so a long-running
// interactive flow can be driven step-by-step across independent RPC calls
// without blocking a request thread.
//
// Ownership is captured once at start from the requesting device identity
// and is immutable. At most one session of a kind runs process-wide.
package session
