// ABOUTME: Per-connection request-id replay guard with TTL and bounded memory
// ABOUTME: A retried request id inside the window is rejected instead of re-executed

package replay

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	timestamp time.Time
	element   *list.Element
}

// window tracks the recently seen request ids of one connection, oldest at
// the front of the list for O(1) eviction.
type window struct {
	seen  map[string]*entry
	order *list.List
}

func newWindow() *window {
	return &window{seen: map[string]*entry{}, order: list.New()}
}

// Guard rejects duplicate request ids per connection. Each connection gets
// its own bounded window; closing a connection releases it wholesale.
type Guard struct {
	mu      sync.Mutex
	conns   map[string]*window
	ttl     time.Duration
	maxPer  int
	done    chan struct{}
	closed  bool
}

// New creates a guard. ttl bounds how long a request id stays hot; maxPer
// caps remembered ids per connection. A background goroutine sweeps
// expired ids until Close.
func New(ttl time.Duration, maxPer int) *Guard {
	g := &Guard{
		conns:  map[string]*window{},
		ttl:    ttl,
		maxPer: maxPer,
		done:   make(chan struct{}),
	}
	go g.sweep()
	return g
}

// SeenAndMark atomically reports whether the connection already sent this
// request id inside the window, marking it when new. True means duplicate:
// the caller should reject the frame without executing it.
func (g *Guard) SeenAndMark(connID, requestID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.conns[connID]
	if !ok {
		w = newWindow()
		g.conns[connID] = w
	}

	if e, ok := w.seen[requestID]; ok && time.Since(e.timestamp) < g.ttl {
		return true
	}

	now := time.Now()
	if e, ok := w.seen[requestID]; ok {
		e.timestamp = now
		w.order.MoveToBack(e.element)
		return false
	}
	if len(w.seen) >= g.maxPer {
		front := w.order.Front()
		if front != nil {
			w.order.Remove(front)
			delete(w.seen, front.Value.(string))
		}
	}
	w.seen[requestID] = &entry{timestamp: now, element: w.order.PushBack(requestID)}
	return false
}

// Forget drops all state for a connection. Called when the connection
// closes; a reconnect starts with a clean window.
func (g *Guard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, connID)
}

func (g *Guard) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.runSweep()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) runSweep() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for connID, w := range g.conns {
		for id, e := range w.seen {
			if now.Sub(e.timestamp) > g.ttl {
				w.order.Remove(e.element)
				delete(w.seen, id)
			}
		}
		if len(w.seen) == 0 {
			delete(g.conns, connID)
		}
	}
}

// Close stops the sweeper. Safe to call more than once.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
