package tempest

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServerConfig configures a Server (spec.md §4.G).
type ServerConfig struct {
	Config        *Config
	Protocols     *ProtocolRegistry
	Identity      *ServerIdentity
	ClientKeyType byte // deployment-wide assumption about connecting clients' PublicKeyCrypto algorithm (see DESIGN.md)
	HashAlgorithm string
	Logger        *zap.Logger
	Audit         AuditSink

	OnConnectionMade ConnectionMadeHandler
	OnDisconnected   DisconnectedHandler
}

// Server is the accept-side facade (spec.md §4.G): it listens, drives
// the handshake for each inbound socket, and raises OnConnectionMade.
type Server struct {
	cfg      *ServerConfig
	logger   *zap.Logger
	listener net.Listener

	mu       sync.Mutex
	sessions map[uint32]*Session
	nextConn uint32

	stopped chan struct{}
	stopOnce sync.Once
}

// NewServer builds a Server from cfg, filling defaults.
func NewServer(cfg *ServerConfig) *Server {
	if cfg.Config == nil {
		cfg.Config = DefaultConfig()
	}
	if cfg.Protocols == nil {
		cfg.Protocols = Protocols
	}
	if cfg.HashAlgorithm == "" {
		cfg.HashAlgorithm = "SHA256"
	}
	if cfg.ClientKeyType == 0 {
		cfg.ClientKeyType = KeyTypeRSA4096
	}
	return &Server{
		cfg:      cfg,
		logger:   orNopLogger(cfg.Logger),
		sessions: make(map[uint32]*Session),
		stopped:  make(chan struct{}),
	}
}

// Start opens a TCP listener on addr and begins accepting connections
// in a background goroutine (spec.md §4.G's start(port, ...)).
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopped:
				return
			default:
				s.logger.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	deadline := time.Now().Add(s.cfg.Config.HandshakeTimeout)
	_ = conn.SetDeadline(deadline)

	connectionID := s.assignConnectionID()
	transport := &streamTransport{conn: conn}
	crypto, protocols, err := serverHandshake(transport, s.cfg.Identity, s.cfg.Protocols, s.cfg.HashAlgorithm, connectionID, s.cfg.ClientKeyType)
	if err != nil {
		s.logger.Warn("handshake failed", zap.Uint32("connection_id", connectionID), zap.Error(err))
		conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	crypto.requireEncryption = s.cfg.Config.RequireEncryption
	tconn := newConnection(connectionID, conn, crypto, protocols, NewConnectionTypeMap(), s.logger)
	tconn.setState(StateConnected)

	sess := newSession(tconn, s.cfg.Config, s.logger, true, s.wrapDisconnected())
	s.recordAudit(AuditEvent{Kind: AuditHandshakeCompleted, ConnectionID: connectionID, At: time.Now()})

	if s.cfg.OnConnectionMade != nil && !s.cfg.OnConnectionMade(sess) {
		sess.Disconnect(true, ReasonConnectionFailed, "rejected")
		return
	}

	s.mu.Lock()
	s.sessions[connectionID] = sess
	s.mu.Unlock()

	s.recordAudit(AuditEvent{Kind: AuditConnectionMade, ConnectionID: connectionID, At: time.Now()})
	s.logger.Info("connection made", zap.Uint32("connection_id", connectionID))
}

func (s *Server) recordAudit(event AuditEvent) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Record(event); err != nil {
		s.logger.Warn("audit record failed", zap.Error(err))
	}
}

func (s *Server) wrapDisconnected() DisconnectedHandler {
	return func(sess *Session, reason DisconnectReason, custom string) {
		s.mu.Lock()
		delete(s.sessions, sess.Connection().ID())
		s.mu.Unlock()
		s.recordAudit(AuditEvent{Kind: AuditDisconnected, ConnectionID: sess.Connection().ID(), Reason: reason, Custom: custom, At: time.Now()})
		if s.cfg.OnDisconnected != nil {
			s.cfg.OnDisconnected(sess, reason, custom)
		}
	}
}

func (s *Server) assignConnectionID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConn++
	return s.nextConn
}

// Stop closes the listener and every accepted session (spec.md §4.G).
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopped)
		if s.listener != nil {
			err = s.listener.Close()
		}
		s.mu.Lock()
		sessions := make([]*Session, 0, len(s.sessions))
		for _, sess := range s.sessions {
			sessions = append(sessions, sess)
		}
		s.mu.Unlock()
		for _, sess := range sessions {
			sess.Disconnect(true, ReasonSuccess, "")
		}
	})
	return err
}

// SessionCount returns the number of currently-connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Addr returns the listener's bound address, useful when Start was
// given a ":0" port and the caller needs the one actually assigned.
// Returns nil before Start has been called.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Broadcast sends msg to every currently-connected session, continuing
// past per-session send failures (mirrors the teacher's
// Server.Broadcast in rdgproto/server.go).
func (s *Server) Broadcast(msg Message) {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		if err := sess.Send(msg); err != nil {
			s.logger.Warn("broadcast send failed", zap.Uint32("connection_id", sess.Connection().ID()), zap.Error(err))
		}
	}
}
