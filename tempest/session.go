package tempest

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler is invoked for every non-response message matching the
// (protocol-id, message-type) it was registered under (spec.md §4.F).
type Handler func(sess *Session, msg Message)

// DisconnectedHandler is invoked once, after teardown completes, with
// the reason the session ended.
type DisconnectedHandler func(sess *Session, reason DisconnectReason, custom string)

// pendingResponse is one slot in the ResponseManager (spec.md §3):
// registered when send-for fires, resolved either by a matching
// response, a timeout sweep, or an explicit cancellation.
type pendingResponse struct {
	ch      chan Message
	timeout time.Time
	timer   *time.Timer
}

// ResponseManager pairs outgoing messages with their eventual response
// by message-id (spec.md §3, §4.F).
type ResponseManager struct {
	mu      sync.Mutex
	pending map[uint32]*pendingResponse
}

func newResponseManager() *ResponseManager {
	return &ResponseManager{pending: make(map[uint32]*pendingResponse)}
}

// register arms a per-slot timer alongside the deadline bookkeeping
// sweep uses, so a short SendFor timeout (tens of milliseconds) expires
// at its own granularity instead of waiting for the next periodic
// sweep (spec.md §8 scenario 6).
func (r *ResponseManager) register(messageID uint32, timeout time.Duration) chan Message {
	ch := make(chan Message, 1)
	p := &pendingResponse{ch: ch, timeout: time.Now().Add(timeout)}
	p.timer = time.AfterFunc(timeout, func() { r.expire(messageID) })
	r.mu.Lock()
	r.pending[messageID] = p
	r.mu.Unlock()
	return ch
}

// expire closes messageID's slot once its own timer fires. It mirrors
// sweep's per-slot behavior but runs at the slot's exact timeout
// instead of waiting for the next tick.
func (r *ResponseManager) expire(messageID uint32) {
	r.mu.Lock()
	p, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
	}
	r.mu.Unlock()
	if ok {
		close(p.ch)
	}
}

// resolve delivers msg to the slot keyed by responseMessageID, if
// still pending. A response whose slot was already swept or cancelled
// is ignored silently (spec.md §8 scenario 6).
func (r *ResponseManager) resolve(responseMessageID uint32, msg Message) {
	r.mu.Lock()
	p, ok := r.pending[responseMessageID]
	if ok {
		delete(r.pending, responseMessageID)
	}
	r.mu.Unlock()
	if ok {
		p.timer.Stop()
		p.ch <- msg
	}
}

func (r *ResponseManager) cancel(messageID uint32) {
	r.mu.Lock()
	p, ok := r.pending[messageID]
	if ok {
		delete(r.pending, messageID)
	}
	r.mu.Unlock()
	if ok {
		p.timer.Stop()
		close(p.ch)
	}
}

// sweep cancels every slot whose timeout has elapsed, closing its
// channel so a blocked SendFor caller sees a closed-channel zero value.
// Each slot's own timer (armed in register) is what normally closes it
// at its exact timeout; sweep is the backstop sweepLoop runs
// periodically in case a timer callback is ever delayed under load.
func (r *ResponseManager) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*pendingResponse
	for id, p := range r.pending {
		if now.After(p.timeout) {
			expired = append(expired, p)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()
	for _, p := range expired {
		p.timer.Stop()
		close(p.ch)
	}
}

func (r *ResponseManager) cancelAll() {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint32]*pendingResponse)
	r.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		close(p.ch)
	}
}

type handlerKey struct {
	protocolID  byte
	messageType uint16
}

// Session wraps a handshaken Connection with the send/receive engine
// of spec.md §4.F: a dispatch loop, response correlation, keepalive,
// and disconnect teardown. Client and Server both construct Sessions;
// the facades in client.go/server.go are the only user-visible API.
type Session struct {
	conn   *Connection
	cfg    *Config
	logger *zap.Logger

	handlersMu sync.RWMutex
	handlers   map[handlerKey][]Handler

	onDisconnected DisconnectedHandler

	responses *ResponseManager

	lastReceivedMu sync.Mutex
	lastReceived   time.Time

	disconnectOnce sync.Once
	done           chan struct{}

	pingInterval time.Duration
	isServerSide bool
}

// newSession starts the dispatch loop and (if pingInterval > 0) the
// keepalive ticker, returning immediately.
func newSession(conn *Connection, cfg *Config, logger *zap.Logger, isServerSide bool, onDisconnected DisconnectedHandler) *Session {
	s := &Session{
		conn:           conn,
		cfg:            cfg,
		logger:         orNopLogger(logger),
		handlers:       make(map[handlerKey][]Handler),
		onDisconnected: onDisconnected,
		responses:      newResponseManager(),
		lastReceived:   time.Now(),
		done:           make(chan struct{}),
		pingInterval:   cfg.PingInterval,
		isServerSide:   isServerSide,
	}
	go s.receiveLoop()
	if s.pingInterval > 0 {
		go s.keepaliveLoop()
	}
	go s.sweepLoop()
	return s
}

// RegisterHandler appends fn to the ordered handler list for
// (protocolID, messageType); invocation order matches registration
// order (spec.md §3).
func (s *Session) RegisterHandler(protocolID byte, messageType uint16, fn Handler) {
	key := handlerKey{protocolID, messageType}
	s.handlersMu.Lock()
	s.handlers[key] = append(s.handlers[key], fn)
	s.handlersMu.Unlock()
}

// Connection returns the underlying handshaken connection.
func (s *Session) Connection() *Connection { return s.conn }

// Send populates message-id from the connection's monotonic counter
// and writes the frame (spec.md §4.F).
func (s *Session) Send(msg Message) error {
	h := msg.Header()
	h.ConnectionID = s.conn.id
	h.MessageID = s.conn.nextID()
	msg.SetHeader(*h)
	return s.conn.WriteFrame(msg, s.cfg.MaxMessageLength)
}

// SendFor sends msg and blocks until the matching response (by
// response-message-id) arrives, returning ErrResponseCancelled if the
// slot is closed on timeout/cancel, or ctx.Err() if ctx ends first
// (spec.md §4.F, §8 scenario 5/6).
func (s *Session) SendFor(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	h := msg.Header()
	h.ConnectionID = s.conn.id
	h.MessageID = s.conn.nextID()
	msg.SetHeader(*h)

	ch := s.responses.register(h.MessageID, timeout)
	if err := s.conn.WriteFrame(msg, s.cfg.MaxMessageLength); err != nil {
		s.responses.cancel(h.MessageID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrResponseCancelled
		}
		return resp, nil
	case <-ctx.Done():
		s.responses.cancel(h.MessageID)
		return nil, ctx.Err()
	}
}

// SendResponse addresses response at original and sends it, setting
// response-message-id and the is-response flag (spec.md §4.F).
func (s *Session) SendResponse(original, response Message) error {
	h := response.Header()
	h.ConnectionID = s.conn.id
	h.MessageID = s.conn.nextID()
	h.IsResponse = true
	h.ResponseMessageID = original.Header().MessageID
	response.SetHeader(*h)
	return s.conn.WriteFrame(response, s.cfg.MaxMessageLength)
}

// receiveLoop owns the read cursor and is the single dispatcher for
// this connection (spec.md §4.F's concurrency contract: handler
// invocations for a connection are serialized and follow wire order).
func (s *Session) receiveLoop() {
	for {
		msg, err := s.conn.ReadFrame(s.cfg.MaxMessageLength)
		if err != nil {
			s.teardown(ReasonFailedUnknown, "", err)
			return
		}
		s.touchLastReceived()

		if s.dispatchControl(msg) {
			continue
		}

		h := msg.Header()
		if h.IsResponse {
			s.responses.resolve(h.ResponseMessageID, msg)
			continue
		}

		s.invokeHandlers(msg)
	}
}

// dispatchControl handles the internal protocol's keepalive and
// teardown messages inline, returning true if msg was consumed.
func (s *Session) dispatchControl(msg Message) bool {
	if msg.Protocol().ID != InternalProtocolID {
		return false
	}
	switch msg.MessageType() {
	case uint16(MsgPing):
		_ = s.Send(&PongMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgPong))})
		return true
	case uint16(MsgPong):
		return true
	case uint16(MsgDisconnect):
		d := msg.(*DisconnectMessage)
		s.teardown(d.Reason, d.Custom, nil)
		return true
	default:
		return false
	}
}

func (s *Session) invokeHandlers(msg Message) {
	key := handlerKey{msg.Protocol().ID, msg.MessageType()}
	s.handlersMu.RLock()
	handlers := append([]Handler(nil), s.handlers[key]...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s, msg)
	}
}

func (s *Session) touchLastReceived() {
	s.lastReceivedMu.Lock()
	s.lastReceived = time.Now()
	s.lastReceivedMu.Unlock()
}

func (s *Session) sinceLastReceived() time.Duration {
	s.lastReceivedMu.Lock()
	defer s.lastReceivedMu.Unlock()
	return time.Since(s.lastReceived)
}

// keepaliveLoop runs on both sides when pingInterval > 0: either side
// tears the session down with ReasonTimedOut after more than twice the
// interval without receiving a frame (spec.md §4.F). Only the server
// side sends Ping; the client's receiveLoop answers each Ping with Pong.
func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.sinceLastReceived() > 2*s.pingInterval {
				s.teardown(ReasonTimedOut, "", nil)
				return
			}
			if s.isServerSide {
				if err := s.Send(&PingMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgPing))}); err != nil {
					s.teardown(ReasonFailedUnknown, "", err)
					return
				}
			}
		}
	}
}

func (s *Session) sweepLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.responses.sweep(now)
		}
	}
}

// Disconnect sends a Disconnect(reason) frame, optionally waiting for
// it to flush, then tears the session down (spec.md §4.F). Idempotent.
func (s *Session) Disconnect(now bool, reason DisconnectReason, custom string) error {
	d := &DisconnectMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgDisconnect)), Reason: reason, Custom: custom}
	var sendErr error
	if s.conn.State() != StateDisconnected {
		sendErr = s.Send(d)
		if !now {
			// best-effort flush wait; the write above is synchronous
			// under writeMu so by the time Send returns the bytes are
			// already handed to the socket.
		}
	}
	s.teardown(reason, custom, nil)
	return sendErr
}

// teardown runs exactly once per session: cancels pending responses,
// stops the keepalive/sweep loops, closes the socket, and fires the
// disconnected callback.
func (s *Session) teardown(reason DisconnectReason, custom string, cause error) {
	s.disconnectOnce.Do(func() {
		s.conn.setState(StateDisconnecting)
		s.responses.cancelAll()
		close(s.done)
		_ = s.conn.Close()
		s.conn.setState(StateDisconnected)
		if cause != nil {
			s.logger.Warn("session teardown", zap.Uint32("connection_id", s.conn.id), zap.String("reason", reason.String()), zap.Error(cause))
		} else {
			s.logger.Info("session teardown", zap.Uint32("connection_id", s.conn.id), zap.String("reason", reason.String()))
		}
		if s.onDisconnected != nil {
			s.onDisconnected(s, reason, custom)
		}
	})
}

// Done returns a channel closed once teardown has run.
func (s *Session) Done() <-chan struct{} { return s.done }
