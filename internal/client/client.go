// ABOUTME: WebSocket client for the gateway frame protocol
// ABOUTME: Correlates request/response frames and delivers events in sequence order

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/2389/sigil-gateway/internal/protocol"
)

// HelloEvent is the first frame a fresh connection receives; its payload
// advertises the seq the next broadcast event will carry.
const HelloEvent = "gateway.hello"

// HelloPayload is the payload of the hello event.
type HelloPayload struct {
	NextSeq      uint64 `json:"nextSeq"`
	ServerTimeMs int64  `json:"serverTimeMs,omitempty"`
}

var (
	// ErrSuperseded reports that the connection a call was issued on was
	// replaced by a reconnect before the response arrived.
	ErrSuperseded = errors.New("connection superseded")
	// ErrClosed reports the client is closed.
	ErrClosed = errors.New("client closed")
)

// EventHandler receives broadcast events. It runs on the connection's read
// goroutine; do not block in it.
type EventHandler func(event string, payload json.RawMessage)

// GapHandler is told about a detected event gap: expected is what the
// client was waiting for, received what actually arrived. The event itself
// is still delivered; forcing a full resync is the application's call.
type GapHandler func(expected, received uint64)

// Options configures a Client.
type Options struct {
	Token   string
	OnEvent EventHandler
	OnGap   GapHandler
	Logger  *slog.Logger
}

// Client is a reconnectable gateway client. Each (re)connect allocates a
// fresh Conn; event and response delivery from a superseded Conn is inert.
type Client struct {
	url  string
	opts Options

	logger *slog.Logger

	mu      sync.Mutex
	current *Conn
	closed  bool
}

// Dial connects to the gateway at url and performs the hello exchange.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{url: url, opts: opts, logger: opts.Logger.With("component", "client")}
	if err := c.Reconnect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Reconnect allocates a fresh connection and supersedes the previous one.
// Outstanding calls on the old connection fail with ErrSuperseded; its
// event callbacks become inert.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	old := c.current
	c.current = conn
	c.mu.Unlock()

	if old != nil {
		old.close(ErrSuperseded)
	}
	go conn.readLoop()
	c.logger.Info("connected", "conn_id", conn.id, "next_seq", conn.tracker.Expected())
	return nil
}

func (c *Client) connect(ctx context.Context) (*Conn, error) {
	var opts *websocket.DialOptions
	if c.opts.Token != "" {
		opts = &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.opts.Token}},
		}
	}
	ws, _, err := websocket.Dial(ctx, c.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	// The first frame must be the hello advertising the starting seq.
	var raw json.RawMessage
	if err := wsjson.Read(ctx, ws, &raw); err != nil {
		ws.Close(websocket.StatusProtocolError, "no hello")
		return nil, fmt.Errorf("reading hello frame: %w", err)
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		ws.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("decoding hello frame: %w", err)
	}
	if frame.Type != protocol.FrameEvent || frame.Event != HelloEvent {
		ws.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("expected %s event, got %s %q", HelloEvent, frame.Type, frame.Event)
	}
	var hello HelloPayload
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		ws.Close(websocket.StatusProtocolError, "bad hello")
		return nil, fmt.Errorf("decoding hello payload: %w", err)
	}

	return &Conn{
		id:      uuid.NewString(),
		client:  c,
		ws:      ws,
		tracker: protocol.NewSeqTracker(hello.NextSeq),
		pending: map[string]chan *protocol.Frame{},
		done:    make(chan struct{}),
	}, nil
}

// Call issues a request on the current connection and decodes the success
// payload into result (when non-nil). A failed response returns its
// *protocol.ErrorDetail as the error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	conn := c.current
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return errors.New("not connected")
	}
	return conn.call(ctx, method, params, result)
}

// Close tears down the current connection. The client cannot reconnect
// afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.current
	c.current = nil
	c.closed = true
	c.mu.Unlock()
	if conn != nil {
		conn.close(ErrClosed)
	}
	return nil
}

// Conn is one physical connection generation. Its callbacks check identity
// against the client's current connection before acting, so a superseded
// generation cannot mutate shared state.
type Conn struct {
	id      string
	client  *Client
	ws      *websocket.Conn
	tracker *protocol.SeqTracker

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Frame

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// isCurrent reports whether this connection is still the client's live one.
func (cn *Conn) isCurrent() bool {
	cn.client.mu.Lock()
	defer cn.client.mu.Unlock()
	return cn.client.current == cn
}

func (cn *Conn) call(ctx context.Context, method string, params, result any) error {
	frame, err := protocol.NewRequest(uuid.NewString(), method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.Frame, 1)
	cn.pendingMu.Lock()
	cn.pending[frame.ID] = ch
	cn.pendingMu.Unlock()
	defer func() {
		cn.pendingMu.Lock()
		delete(cn.pending, frame.ID)
		cn.pendingMu.Unlock()
	}()

	if err := wsjson.Write(ctx, cn.ws, frame); err != nil {
		select {
		case <-cn.done:
			return cn.closeErr
		default:
		}
		return fmt.Errorf("writing %s request: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.Error != nil {
			return res.Error
		}
		if result != nil && len(res.Payload) > 0 {
			if err := json.Unmarshal(res.Payload, result); err != nil {
				return fmt.Errorf("decoding %s response: %w", method, err)
			}
		}
		return nil
	case <-cn.done:
		return cn.closeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cn *Conn) readLoop() {
	ctx := context.Background()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, cn.ws, &raw); err != nil {
			cn.close(fmt.Errorf("connection lost: %w", err))
			return
		}
		frame, err := protocol.Decode(raw)
		if err != nil {
			cn.client.logger.Warn("dropping undecodable frame", "conn_id", cn.id, "error", err)
			continue
		}
		switch frame.Type {
		case protocol.FrameResponse:
			cn.pendingMu.Lock()
			ch := cn.pending[frame.ID]
			cn.pendingMu.Unlock()
			if ch != nil {
				ch <- frame
			}
		case protocol.FrameEvent:
			cn.dispatchEvent(frame)
		}
	}
}

// dispatchEvent runs sequence accounting and hands the event to the
// registered handler, unless this connection has been superseded.
func (cn *Conn) dispatchEvent(frame *protocol.Frame) {
	if !cn.isCurrent() {
		return
	}
	expected := cn.tracker.Expected()
	switch cn.tracker.Observe(frame.Seq) {
	case protocol.DropStale:
		cn.client.logger.Debug("dropping stale event", "event", frame.Event, "seq", frame.Seq)
		return
	case protocol.DeliverGap:
		cn.client.logger.Warn("event gap detected", "expected", expected, "received", frame.Seq)
		if cn.client.opts.OnGap != nil {
			cn.client.opts.OnGap(expected, frame.Seq)
		}
	}
	if cn.client.opts.OnEvent != nil {
		cn.client.opts.OnEvent(frame.Event, frame.Payload)
	}
}

func (cn *Conn) close(reason error) {
	cn.closeOnce.Do(func() {
		cn.closeErr = reason
		close(cn.done)
		_ = cn.ws.Close(websocket.StatusNormalClosure, "bye")
	})
}
