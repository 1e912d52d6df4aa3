// ABOUTME: Tests for the gateway client: correlation, seq handling, reconnect inertness
// ABOUTME: Runs a scripted in-process WebSocket server per test

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigil-gateway/internal/protocol"
)

// testGateway accepts connections, sends the hello frame, and hands each
// accepted socket to the test for scripting.
type testGateway struct {
	srv     *httptest.Server
	conns   chan *websocket.Conn
	nextSeq uint64
}

func newTestGateway(t *testing.T, nextSeq uint64) *testGateway {
	t.Helper()
	g := &testGateway{conns: make(chan *websocket.Conn, 4), nextSeq: nextSeq}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		hello, err := protocol.NewEvent(HelloEvent, HelloPayload{NextSeq: g.nextSeq})
		require.NoError(t, err)
		require.NoError(t, wsjson.Write(r.Context(), ws, hello))
		g.conns <- ws
		<-r.Context().Done()
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *testGateway) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-g.conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (g *testGateway) sendEvent(t *testing.T, ws *websocket.Conn, event string, seq uint64, payload any) {
	t.Helper()
	frame, err := protocol.NewEvent(event, payload)
	require.NoError(t, err)
	frame.Seq = seq
	require.NoError(t, wsjson.Write(context.Background(), ws, frame))
}

// eventRecorder collects delivered events and gaps.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
	gaps   [][2]uint64
}

func (r *eventRecorder) options() Options {
	return Options{
		OnEvent: func(event string, _ json.RawMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, event)
		},
		OnGap: func(expected, received uint64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.gaps = append(r.gaps, [2]uint64{expected, received})
		},
	}
}

func (r *eventRecorder) snapshot() ([]string, [][2]uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...), append([][2]uint64(nil), r.gaps...)
}

func (r *eventRecorder) waitEvents(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := r.snapshot()
		if len(events) >= n {
			return events
		}
		time.Sleep(5 * time.Millisecond)
	}
	events, _ := r.snapshot()
	t.Fatalf("expected %d events, got %v", n, events)
	return nil
}

func TestCallCorrelation(t *testing.T) {
	g := newTestGateway(t, 1)
	ctx := context.Background()

	c, err := Dial(ctx, g.srv.URL, Options{})
	require.NoError(t, err)
	defer c.Close()
	ws := g.accept(t)

	go func() {
		var raw json.RawMessage
		if err := wsjson.Read(context.Background(), ws, &raw); err != nil {
			return
		}
		req, err := protocol.Decode(raw)
		if err != nil {
			return
		}
		res, _ := protocol.NewResponse(req.ID, map[string]string{"echo": req.Method})
		_ = wsjson.Write(context.Background(), ws, res)
	}()

	var result struct {
		Echo string `json:"echo"`
	}
	require.NoError(t, c.Call(ctx, "gateway.ping", nil, &result))
	assert.Equal(t, "gateway.ping", result.Echo)
}

func TestCallErrorResponse(t *testing.T) {
	g := newTestGateway(t, 1)
	ctx := context.Background()

	c, err := Dial(ctx, g.srv.URL, Options{})
	require.NoError(t, err)
	defer c.Close()
	ws := g.accept(t)

	go func() {
		var raw json.RawMessage
		if err := wsjson.Read(context.Background(), ws, &raw); err != nil {
			return
		}
		req, _ := protocol.Decode(raw)
		res := protocol.NewErrorResponse(req.ID, protocol.Errorf(protocol.CodeNotFound, "no such session"))
		_ = wsjson.Write(context.Background(), ws, res)
	}()

	err = c.Call(ctx, "wizard.next", nil, nil)
	var detail *protocol.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, protocol.CodeNotFound, detail.Code)
}

func TestEventSequenceHandling(t *testing.T) {
	g := newTestGateway(t, 10)
	rec := &eventRecorder{}

	c, err := Dial(context.Background(), g.srv.URL, rec.options())
	require.NoError(t, err)
	defer c.Close()
	ws := g.accept(t)

	g.sendEvent(t, ws, "state.version", 10, nil)
	g.sendEvent(t, ws, "state.tick", 11, nil)
	g.sendEvent(t, ws, "state.tick", 11, nil) // stale duplicate
	g.sendEvent(t, ws, "state.version", 15, nil) // gap
	g.sendEvent(t, ws, "state.tick", 16, nil)

	events := rec.waitEvents(t, 4)
	assert.Equal(t, []string{"state.version", "state.tick", "state.version", "state.tick"}, events)
	_, gaps := rec.snapshot()
	require.Len(t, gaps, 1, "a contiguous gap fires exactly once")
	assert.Equal(t, [2]uint64{12, 15}, gaps[0])
}

func TestDialRejectsMissingHello(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		evt, _ := protocol.NewEvent("state.tick", nil)
		_ = wsjson.Write(r.Context(), ws, evt)
		<-r.Context().Done()
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), srv.URL, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), HelloEvent)
}

func TestReconnectMakesOldCallbacksInert(t *testing.T) {
	g := newTestGateway(t, 1)
	rec := &eventRecorder{}
	ctx := context.Background()

	c, err := Dial(ctx, g.srv.URL, rec.options())
	require.NoError(t, err)
	defer c.Close()
	g.accept(t)

	c.mu.Lock()
	old := c.current
	c.mu.Unlock()

	require.NoError(t, c.Reconnect(ctx))
	g.accept(t)

	// An event that was in flight on the superseded connection must not
	// reach the handler.
	stale, err := protocol.NewEvent("state.version", nil)
	require.NoError(t, err)
	stale.Seq = 1
	old.dispatchEvent(stale)

	events, _ := rec.snapshot()
	assert.Empty(t, events, "superseded connection delivered an event")

	// And its outstanding calls fail fast.
	err = old.call(ctx, "gateway.ping", nil, nil)
	assert.ErrorIs(t, err, ErrSuperseded)
}

func TestCloseFailsSubsequentCalls(t *testing.T) {
	g := newTestGateway(t, 1)
	c, err := Dial(context.Background(), g.srv.URL, Options{})
	require.NoError(t, err)
	g.accept(t)

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.Call(context.Background(), "gateway.ping", nil, nil), ErrClosed)
	assert.ErrorIs(t, c.Reconnect(context.Background()), ErrClosed)
}
