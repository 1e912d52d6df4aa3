// Package protocol defines the framed request/response/event protocol
// spoken between the gateway and its clients over any message-oriented
// duplex channel (the gateway serves it over WebSocket).
//
// Three frame shapes exist, discriminated by the "type" field:
//
//   - req   {id, method, params}
//   - res   {id, ok, payload | error}
//   - event {event, seq, payload}
//
// Every request id is unique per connection and every response correlates
// to exactly one request id, exactly once. Event frames carry a
// per-connection monotonically increasing sequence number; SeqTracker
// classifies observed values so consumers can detect gaps (a gap means
// "refresh your state"; events are never individually retried).
package protocol
