package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// QUICConn adapts a single bidirectional QUIC stream to tempest's byte
// stream contract. One stream per connection mirrors shadowmesh's
// pkg/transport/quic.go, which opens exactly one bidirectional stream
// per peer rather than multiplexing several tempest sessions onto one
// QUIC connection.
type QUICConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *QUICConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *QUICConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// Close closes the stream and the underlying QUIC connection.
func (c *QUICConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}

func (c *QUICConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *QUICConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// defaultQUICConfig mirrors shadowmesh's single-stream QUIC tuning:
// one bidirectional stream per connection, no unidirectional streams.
func defaultQUICConfig() *quic.Config {
	return &quic.Config{
		MaxIncomingStreams:    1,
		MaxIncomingUniStreams: 0,
	}
}

// DialQUIC dials addr and opens the single bidirectional stream
// tempest's handshake and session engine run over.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICConn, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, defaultQUICConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial failed: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to open stream")
		return nil, fmt.Errorf("transport: quic open stream failed: %w", err)
	}
	return &QUICConn{conn: conn, stream: stream}, nil
}

// QUICListener accepts inbound QUIC connections and their single
// bidirectional stream, one *QUICConn per accepted peer.
type QUICListener struct {
	listener *quic.Listener
	udpConn  net.PacketConn
}

// ListenQUIC binds addr over UDP and starts a QUIC listener.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve udp addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}
	ln, err := quic.Listen(udpConn, tlsConfig, defaultQUICConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("transport: quic listen: %w", err)
	}
	return &QUICListener{listener: ln, udpConn: udpConn}, nil
}

// Accept waits for an inbound QUIC connection and its first
// bidirectional stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICConn, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(1, "failed to accept stream")
		return nil, fmt.Errorf("transport: quic accept stream: %w", err)
	}
	return &QUICConn{conn: conn, stream: stream}, nil
}

// Close shuts down the listener and its UDP socket.
func (l *QUICListener) Close() error {
	err := l.listener.Close()
	l.udpConn.Close()
	return err
}

func (l *QUICListener) Addr() net.Addr { return l.listener.Addr() }
