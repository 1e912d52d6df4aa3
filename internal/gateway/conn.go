// ABOUTME: Per-connection state: websocket accept, hello frame, event sequencing
// ABOUTME: Broadcast assigns seq under the write lock so emission order is delivery order

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/sigil-gateway/internal/auth"
	"github.com/2389/sigil-gateway/internal/client"
	"github.com/2389/sigil-gateway/internal/protocol"
)

// conn is one client connection. Event frames get this connection's
// monotonic sequence numbers; a reconnect is a brand-new conn with a fresh
// sequence space.
type conn struct {
	id     string
	ws     *websocket.Conn
	device *auth.Device
	logger *slog.Logger

	// writeMu covers both seq assignment and the write, so two broadcasts
	// cannot deliver out of emission order.
	writeMu sync.Mutex
	nextSeq uint64
}

// deviceID returns the connection's device identity, or "" when anonymous.
func (c *conn) deviceID() string {
	if c.device == nil {
		return ""
	}
	return c.device.ID
}

// sendResponse writes a response frame. Responses carry no seq.
func (c *conn) sendResponse(ctx context.Context, f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, f)
}

// sendEvent assigns the next sequence number and writes the event. When
// dropIfSlow is set a stalled peer forfeits the frame; the consumed seq
// shows up as a gap on the client, which is the documented contract for
// best-effort events.
func (c *conn) sendEvent(event string, payload any, dropIfSlow bool) {
	frame, err := protocol.NewEvent(event, payload)
	if err != nil {
		c.logger.Error("building event frame", "event", event, "error", err)
		return
	}

	timeout := 10 * time.Second
	if dropIfSlow {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nextSeq++
	frame.Seq = c.nextSeq
	if err := wsjson.Write(ctx, c.ws, frame); err != nil {
		if dropIfSlow {
			c.logger.Debug("dropped event for slow consumer", "event", event, "seq", frame.Seq)
			return
		}
		c.logger.Warn("event write failed", "event", event, "seq", frame.Seq, "error", err)
	}
}

// sendHello announces the sequence contract as the first frame on the
// connection. The hello itself carries no seq; NextSeq names the first
// sequenced event the client should expect.
func (c *conn) sendHello(ctx context.Context) error {
	frame, err := protocol.NewEvent(client.HelloEvent, client.HelloPayload{
		NextSeq:      c.nextSeq + 1,
		ServerTimeMs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, frame)
}

// Broadcast emits an event frame to every connection.
func (g *Gateway) Broadcast(event string, payload any, dropIfSlow bool) {
	g.connsMu.Lock()
	targets := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		targets = append(targets, c)
	}
	g.connsMu.Unlock()

	for _, c := range targets {
		c.sendEvent(event, payload, dropIfSlow)
	}
}

// handleWS upgrades the connection, authenticates it, sends the hello
// frame, and runs the read loop until the peer goes away.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	device, err := g.authenticate(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", "error", err)
		return
	}

	c := &conn{
		id:     uuid.New().String(),
		ws:     ws,
		device: device,
	}
	c.logger = g.logger.With("conn_id", c.id[:8], "device_id", c.deviceID())

	g.connsMu.Lock()
	g.conns[c.id] = c
	g.connsMu.Unlock()

	defer func() {
		g.connsMu.Lock()
		delete(g.conns, c.id)
		g.connsMu.Unlock()
		g.replay.Forget(c.id)
		_ = ws.Close(websocket.StatusNormalClosure, "")
		c.logger.Info("connection closed")
	}()

	c.logger.Info("connection opened")
	if err := c.sendHello(r.Context()); err != nil {
		c.logger.Warn("hello write failed", "error", err)
		return
	}

	g.readLoop(r.Context(), c)
}

// authenticate resolves the request's device identity. With auth disabled
// every connection is anonymous; with auth enabled a valid bearer token is
// required.
func (g *Gateway) authenticate(r *http.Request) (*auth.Device, error) {
	if g.verifier == nil {
		return nil, nil
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	deviceID, err := g.verifier.Verify(token)
	if err != nil {
		return nil, errors.New("invalid token")
	}
	return &auth.Device{ID: deviceID}, nil
}

// readLoop decodes request frames and dispatches each on its own
// goroutine; handlers may suspend on approvals or file locks without
// stalling the connection.
func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.ws, &raw); err != nil {
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("undecodable frame", "error", err)
			continue
		}
		if frame.Type != protocol.FrameRequest {
			c.logger.Warn("unexpected frame type from client", "type", frame.Type)
			continue
		}
		if g.replay.SeenAndMark(c.id, frame.ID) {
			c.logger.Warn("replayed request id", "request_id", frame.ID)
			resp := protocol.NewErrorResponse(frame.ID,
				protocol.Errorf(protocol.CodeInvalidRequest, "duplicate request id %q", frame.ID))
			_ = c.sendResponse(ctx, resp)
			continue
		}
		go g.dispatch(ctx, c, frame)
	}
}

// auth context for handlers: the connection's device identity rides on the
// request context so stores and flows can attribute writes.
func (c *conn) requestContext(ctx context.Context) context.Context {
	if c.device == nil {
		return ctx
	}
	return auth.WithDevice(ctx, c.device)
}
