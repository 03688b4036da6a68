// Package transport provides alternate Connection carriers for tempest,
// sitting behind the same io.Reader/io.Writer/Close contract net.Conn
// already satisfies (spec.md §4.I treats the socket as pluggable the
// same way crypto is).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrWSClosed is returned once a WSConn has been closed.
var ErrWSClosed = errors.New("transport: websocket closed")

// WSConn adapts a *websocket.Conn to the byte-stream contract tempest's
// frame codec expects. Tempest frames are self-delimiting (a 4-byte
// total-length field in the header), so a websocket BinaryMessage per
// write is unframed back into a byte stream on read via an internal
// leftover buffer, the way shadowmesh's networking.Transport decodes
// one protocol.Message per WebSocket frame but in reverse: here the
// caller does its own framing, this type just bridges message
// boundaries to Read's arbitrary-length semantics.
type WSConn struct {
	conn *websocket.Conn

	readMu  sync.Mutex
	leftover []byte

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(c *websocket.Conn) *WSConn {
	return &WSConn{conn: c, closed: make(chan struct{})}
}

// DialWebSocket connects to a ws:// or wss:// URL and returns a
// tempest-compatible carrier, mirroring shadowmesh's
// networking.Transport.Connect dialer configuration.
func DialWebSocket(ctx context.Context, rawURL string, handshakeTimeout time.Duration) (*WSConn, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("transport: invalid websocket url: %w", err)
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := &net.Dialer{Timeout: handshakeTimeout}
			return d.DialContext(ctx, network, addr)
		},
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial failed: %w", err)
	}
	return newWSConn(conn), nil
}

// Read implements io.Reader by pulling whole BinaryMessage frames off
// the websocket connection and serving them out as a byte stream,
// carrying any unread remainder into the next call.
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.leftover) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, ErrWSClosed
			}
			return 0, err
		}
		c.leftover = data
	}
	n := copy(p, c.leftover)
	c.leftover = c.leftover[n:]
	return n, nil
}

// Write implements io.Writer, sending b as a single BinaryMessage.
func (c *WSConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing")
		_ = c.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.conn.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.conn.SetWriteDeadline(t) }
func (c *WSConn) LocalAddr() net.Addr                { return c.conn.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr               { return c.conn.RemoteAddr() }

// WSListener is an http.Handler that upgrades every request it serves
// to a WebSocket and hands the result to Accept, giving WebSocket peers
// the same accept-loop shape as a plain net.Listener; tempest.Server's
// Start listens on TCP only and does not take a WSListener. The caller is responsible for running an
// http.Server (or mux route) that routes the upgrade path to this
// handler, mirroring how shadowmesh's relay exposes a single upgrade
// endpoint rather than a raw listener.
type WSListener struct {
	upgrader websocket.Upgrader

	mu     sync.Mutex
	accept chan *WSConn
	closed bool
}

// NewWSListener returns a listener-shaped http.Handler; register it
// with an *http.Server at the desired upgrade path.
func NewWSListener() *WSListener {
	return &WSListener{
		accept: make(chan *WSConn, 16),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and enqueues the resulting *WSConn
// for Accept. A failed upgrade is logged by gorilla's Upgrader itself
// (it writes the HTTP error response) and simply isn't enqueued.
func (l *WSListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wsc := newWSConn(conn)
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		wsc.Close()
		return
	}
	select {
	case l.accept <- wsc:
	default:
		wsc.Close()
	}
}

// Accept blocks until a peer has completed the WebSocket upgrade, or
// the listener is closed.
func (l *WSListener) Accept() (*WSConn, error) {
	c, ok := <-l.accept
	if !ok {
		return nil, ErrWSClosed
	}
	return c, nil
}

// Close stops accepting new connections; in-flight ServeHTTP calls
// still complete but their conns are closed immediately rather than
// enqueued.
func (l *WSListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.accept)
	return nil
}
