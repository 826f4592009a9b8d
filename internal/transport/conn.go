package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// defaultReadLimit bounds a single inbound message. Audio chunks for a full
// assistant sentence routinely exceed the library default of 32 KiB.
const defaultReadLimit = 4 << 20

// Conn is the subset of a websocket connection the [Session] uses.
type Conn interface {
	// Read blocks until the next message arrives. It returns an error
	// matching [websocket.CloseStatus] when the peer closed the connection.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one text message.
	Write(ctx context.Context, data []byte) error

	// Close performs the closing handshake with the given status code.
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebSocketDialer dials with github.com/coder/websocket.
type WebSocketDialer struct {
	// Header is sent with the opening handshake.
	Header http.Header

	// ReadLimit overrides the per-message read limit. Zero selects 4 MiB.
	ReadLimit int64
}

// Compile-time interface assertion.
var _ Dialer = WebSocketDialer{}

// Dial implements [Dialer].
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: d.Header})
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	c.SetReadLimit(limit)
	return wsConn{c: c}, nil
}

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := w.c.Read(ctx)
	return data, err
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code websocket.StatusCode, reason string) error {
	return w.c.Close(code, reason)
}
