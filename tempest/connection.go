package tempest

import (
	"io"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ConnectionState enumerates the lifecycle of spec.md §3: a Connection
// moves strictly forward through these states except for the terminal
// Disconnected, which is reachable from any of them.
type ConnectionState int32

const (
	StateConnecting ConnectionState = iota
	StateHandshakingHello
	StateHandshakingAck
	StateHandshakingFinal
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateHandshakingHello:
		return "HandshakingHello"
	case StateHandshakingAck:
		return "HandshakingAck"
	case StateHandshakingFinal:
		return "HandshakingFinal"
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting"
	case StateDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// rawConn is the byte-stream contract a Connection drives; net.Conn
// satisfies it directly, and mock.Transport/transport/*.go adapters
// satisfy it for non-TCP carriers.
type rawConn interface {
	io.Reader
	io.Writer
	Close() error
}

// Connection is one end of a handshaken tempest session (spec.md §3).
// It owns the underlying socket, the negotiated session crypto, the
// per-connection TypeMap, and the atomic state/pending-async counters
// that let disconnect(now=true) wait out in-flight callbacks before
// releasing resources (spec.md §5).
type Connection struct {
	id       uint32
	conn     rawConn
	protocols []ProtocolDescriptor
	crypto   *sessionCrypto
	types    *TypeMap
	logger   *zap.Logger

	stateMu sync.Mutex
	state   ConnectionState

	pendingAsync int32

	nextMessageID uint32

	writeMu sync.Mutex

	fragments   map[fragmentKey]*fragmentAssembly
	fragmentsMu sync.Mutex
}

type fragmentKey struct {
	originalMessageID uint32
	originalType      uint16
}

type fragmentAssembly struct {
	total   uint32
	chunks  map[uint32][]byte
	received uint32
}

// newConnection wraps conn post-handshake with the negotiated crypto,
// protocol set, and type map.
func newConnection(id uint32, conn rawConn, crypto *sessionCrypto, protocols []ProtocolDescriptor, types *TypeMap, logger *zap.Logger) *Connection {
	return &Connection{
		id:        id,
		conn:      conn,
		protocols: protocols,
		crypto:    crypto,
		types:     types,
		logger:    orNopLogger(logger),
		state:     StateConnected,
		fragments: make(map[fragmentKey]*fragmentAssembly),
	}
}

// ID returns the server-assigned connection id.
func (c *Connection) ID() uint32 { return c.id }

// Protocols returns the negotiated protocol set from the handshake.
func (c *Connection) Protocols() []ProtocolDescriptor { return c.protocols }

// State returns the current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// setState transitions to s unconditionally; callers are responsible
// for only calling this in the order spec.md §3 describes.
func (c *Connection) setState(s ConnectionState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// beginAsync/endAsync bracket any operation that touches the socket or
// connection state from a worker goroutine, so a concurrent
// disconnect(now=true) can drain them deterministically (spec.md §5's
// pending-async counter).
func (c *Connection) beginAsync() { atomic.AddInt32(&c.pendingAsync, 1) }
func (c *Connection) endAsync()   { atomic.AddInt32(&c.pendingAsync, -1) }

func (c *Connection) pendingAsyncCount() int32 { return atomic.LoadInt32(&c.pendingAsync) }

// nextID returns the next monotonic message id, wrapping at 2^31 per
// spec.md §3.
func (c *Connection) nextID() uint32 {
	id := atomic.AddUint32(&c.nextMessageID, 1)
	return id & 0x7FFFFFFF
}

// WriteFrame serializes and writes a single message, handling the
// oversize-payload partial-fragmentation path transparently (spec.md
// §4.D). It does not populate message-id/response-message-id --
// callers (session.go) do that before calling in.
func (c *Connection) WriteFrame(msg Message, maxMessageLength uint32) error {
	ctx := NewSerializeContext(c.types)
	raw, err := encodeFrame(msg, ctx, c.crypto, hmacSigner(c.crypto.sendAuthKey), hmacTagLen)
	if err != nil {
		return err
	}
	if uint32(len(raw)) <= maxMessageLength {
		return c.writeRaw(raw)
	}
	return c.writePartials(msg, raw, maxMessageLength)
}

func (c *Connection) writeRaw(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(raw)
	return err
}

// writePartials splits an oversize encoded frame into a sequence of
// Partial control frames (spec.md §4.D). The full pre-encoded frame is
// fragmented directly, not the payload alone, so the receiver need
// only concatenate fragments and run the ordinary decode path.
func (c *Connection) writePartials(msg Message, raw []byte, maxMessageLength uint32) error {
	const fragmentOverhead = 128 // header room for the Partial control frame itself
	chunkSize := int(maxMessageLength) - fragmentOverhead
	if chunkSize <= 0 {
		return ErrMalformedFrame
	}
	total := uint32((len(raw) + chunkSize - 1) / chunkSize)
	h := msg.Header()
	ctx := NewSerializeContext(c.types)
	for i := uint32(0); i < total; i++ {
		start := int(i) * chunkSize
		end := start + chunkSize
		if end > len(raw) {
			end = len(raw)
		}
		part := &PartialMessage{
			BaseMessage:       NewBaseMessage(controlProtocol, uint16(MsgPartial)),
			OriginalMessageID: h.MessageID,
			OriginalType:      msg.MessageType(),
			FragmentIndex:     i,
			TotalFragments:    total,
			Data:              raw[start:end],
		}
		part.SetHeader(Header{ConnectionID: c.id, MessageID: c.nextID()})
		partRaw, err := encodeFrame(part, ctx, c.crypto, hmacSigner(c.crypto.sendAuthKey), hmacTagLen)
		if err != nil {
			return err
		}
		if err := c.writeRaw(partRaw); err != nil {
			return err
		}
	}
	return nil
}

// addFragment buffers one Partial frame's payload, returning the
// reassembled original frame bytes once every fragment in [0,total)
// has arrived. Fragments must arrive strictly in order (spec.md
// §4.D); a gap or duplicate is a protocol violation the caller should
// treat as ReasonFailedUnknown.
func (c *Connection) addFragment(p *PartialMessage) ([]byte, error) {
	key := fragmentKey{originalMessageID: p.OriginalMessageID, originalType: p.OriginalType}
	c.fragmentsMu.Lock()
	defer c.fragmentsMu.Unlock()

	asm, ok := c.fragments[key]
	if !ok {
		if p.FragmentIndex != 0 {
			return nil, ErrMalformedFrame
		}
		asm = &fragmentAssembly{total: p.TotalFragments, chunks: make(map[uint32][]byte)}
		c.fragments[key] = asm
	}
	if p.FragmentIndex != asm.received {
		delete(c.fragments, key)
		return nil, ErrMalformedFrame
	}
	asm.chunks[p.FragmentIndex] = p.Data
	asm.received++
	if asm.received < asm.total {
		return nil, nil
	}
	delete(c.fragments, key)
	out := make([]byte, 0)
	for i := uint32(0); i < asm.total; i++ {
		out = append(out, asm.chunks[i]...)
	}
	return out, nil
}

// ReadFrame reads and decodes exactly one frame from the socket once
// the session is established, transparently reassembling Partial
// fragments (session.go's receive loop calls this in a tight loop per
// connection). The pre-session handshake reads frames through
// streamTransport.ReadFrame instead.
func (c *Connection) ReadFrame(maxMessageLength uint32) (Message, error) {
	hdr := make([]byte, 12) // protocol-id(1) + flags(1) + connection-id(4) + message-type(2) + total-length(4)
	if err := readFullOrMalformed(c.conn, hdr); err != nil {
		return nil, err
	}
	totalLength := leUint32(hdr[8:12])
	if totalLength > maxMessageLength {
		return nil, ErrMalformedFrame
	}
	if totalLength < uint32(len(hdr)) {
		return nil, ErrMalformedFrame
	}
	raw := make([]byte, totalLength)
	copy(raw, hdr)
	if _, err := io.ReadFull(c.conn, raw[len(hdr):]); err != nil {
		return nil, ErrMalformedFrame
	}

	dctx := NewDeserializeContext(c.types)
	msg, err := decodeFrame(raw, dctx, c.crypto, hmacVerifier(c.crypto.recvAuthKey), hmacTagLen)
	if err != nil {
		return nil, err
	}
	if msg.MessageType() == uint16(MsgPartial) && msg.Protocol().ID == InternalProtocolID {
		part := msg.(*PartialMessage)
		reassembled, ferr := c.addFragment(part)
		if ferr != nil {
			return nil, ferr
		}
		if reassembled == nil {
			return c.ReadFrame(maxMessageLength) // fragment buffered, read the next frame
		}
		inner, err := decodeFrame(reassembled, dctx, c.crypto, hmacVerifier(c.crypto.recvAuthKey), hmacTagLen)
		if err != nil {
			return nil, err
		}
		return inner, nil
	}
	return msg, nil
}

// Close closes the underlying socket without performing the graceful
// Disconnect handshake; session.go's teardown calls this after
// flushing (or skipping) the Disconnect frame.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// RemoteAddr reports the peer address when the underlying connection
// is a *net.TCPConn or similar; returns nil for non-network carriers
// (mock transport, in-process pipes).
func (c *Connection) RemoteAddr() net.Addr {
	type addrConn interface{ RemoteAddr() net.Addr }
	if ac, ok := c.conn.(addrConn); ok {
		return ac.RemoteAddr()
	}
	return nil
}

// streamTransport implements rawTransport directly over a raw
// net.Conn (or equivalent) for the pre-session handshake exchange,
// before a Connection (and its negotiated crypto) exists. It reads
// frames using the same header/total-length self-framing decodeFrame
// relies on, without any crypto verification of its own -- the
// handshake functions pass the frame through decodeFrame themselves.
type streamTransport struct {
	conn rawConn
}

func (t *streamTransport) WriteFrame(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func (t *streamTransport) ReadFrame() ([]byte, error) {
	hdr := make([]byte, 12)
	if err := readFullOrMalformed(t.conn, hdr); err != nil {
		return nil, err
	}
	totalLength := leUint32(hdr[8:12])
	if totalLength < uint32(len(hdr)) {
		return nil, ErrMalformedFrame
	}
	raw := make([]byte, totalLength)
	copy(raw, hdr)
	if _, err := io.ReadFull(t.conn, raw[len(hdr):]); err != nil {
		return nil, ErrMalformedFrame
	}
	return raw, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
