// ABOUTME: Per-connection event sequence tracking with gap detection
// ABOUTME: Consumers feed observed seq values and learn whether to deliver, resync, or drop

package protocol

// Delivery classifies an observed event sequence number.
type Delivery int

const (
	// DeliverInOrder: the event is the expected next one.
	DeliverInOrder Delivery = iota
	// DeliverGap: the event arrived past a gap. It should still be
	// delivered, but the application must decide whether to force a full
	// state resync. Events are not individually retried.
	DeliverGap
	// DropStale: the event's seq was already seen; discard it.
	DropStale
)

// SeqTracker tracks the expected next event sequence number for one
// connection. It is not safe for concurrent use; callers feed it from the
// single read loop of a connection.
type SeqTracker struct {
	next uint64
}

// NewSeqTracker starts expecting the sequence number advertised at connect
// time (the first event a fresh connection emits carries seq=initial).
func NewSeqTracker(initial uint64) *SeqTracker {
	return &SeqTracker{next: initial}
}

// Observe classifies seq and advances the expectation. On a gap the
// expectation resets to seq+1, so a contiguous run of missing events fires
// exactly one gap signal.
func (t *SeqTracker) Observe(seq uint64) Delivery {
	switch {
	case seq == t.next:
		t.next++
		return DeliverInOrder
	case seq > t.next:
		t.next = seq + 1
		return DeliverGap
	default:
		return DropStale
	}
}

// Expected returns the next sequence number the tracker will accept in order.
func (t *SeqTracker) Expected() uint64 {
	return t.next
}
