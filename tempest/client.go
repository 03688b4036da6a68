package tempest

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
)

// supportedHashAlgorithms is the client's offered hash algorithm list
// for Connect (spec.md §4.E); the server picks the first it also
// supports.
var supportedHashAlgorithms = []string{"SHA256"}

// ConnectionMadeHandler is invoked server-side after a successful
// handshake; returning false from it rejects the connection and the
// server closes it immediately (spec.md §4.G).
type ConnectionMadeHandler func(sess *Session) (accept bool)

// ClientConfig configures a Client (spec.md §4.G).
type ClientConfig struct {
	Config     *Config
	Protocols  []*Protocol
	KeyType    byte
	ServerKey  byte // defaults to KeyTypeRSA4096; Connect does not read it, the handshake parses the server's keys with KeyType (see DESIGN.md)
	Logger     *zap.Logger
	OnConnected    func(sess *Session)
	OnDisconnected DisconnectedHandler
}

// Client is the user-facing connect-side facade (spec.md §4.G).
type Client struct {
	cfg    *ClientConfig
	logger *zap.Logger
}

// NewClient builds a Client from cfg, filling defaults for an unset
// Config/Logger.
func NewClient(cfg *ClientConfig) *Client {
	if cfg.Config == nil {
		cfg.Config = DefaultConfig()
	}
	if cfg.ServerKey == 0 {
		cfg.ServerKey = KeyTypeRSA4096
	}
	if cfg.KeyType == 0 {
		cfg.KeyType = KeyTypeRSA4096
	}
	return &Client{cfg: cfg, logger: orNopLogger(cfg.Logger)}
}

// Connect dials target, runs the 4-message handshake, and returns a
// live Session on success (spec.md §4.G's connect-async, made
// synchronous with a context deadline the way
// agentries-amp-relay-go's dialer does). The handshake timeout from
// Config bounds the whole exchange independent of ctx.
func (c *Client) Connect(ctx context.Context, target string) (*Session, error) {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, newTransportError(ReasonConnectionFailed, err)
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.Config.HandshakeTimeout)
	defer cancel()
	deadline, _ := hctx.Deadline()
	_ = conn.SetDeadline(deadline)

	transport := &streamTransport{conn: conn}
	crypto, connectionID, protocols, err := clientHandshake(transport, c.cfg.Protocols, supportedHashAlgorithms, c.cfg.KeyType)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	crypto.requireEncryption = c.cfg.Config.RequireEncryption
	tconn := newConnection(connectionID, conn, crypto, protocols, NewConnectionTypeMap(), c.logger)
	tconn.setState(StateConnected)

	sess := newSession(tconn, c.cfg.Config, c.logger, false, c.cfg.OnDisconnected)
	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected(sess)
	}
	c.logger.Info("connected", zap.String("target", target), zap.Uint32("connection_id", connectionID))
	return sess, nil
}

// Target is a resolvable (hostname, port) endpoint (spec.md §4.G).
type Target struct {
	Host string
	Port int
}

func (t Target) String() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// ResolveTCPAddr resolves t to a *net.TCPAddr, performing DNS lookup
// if Host is not already a literal IP.
func (t Target) ResolveTCPAddr(ctx context.Context) (*net.TCPAddr, error) {
	resolver := net.DefaultResolver
	ips, err := resolver.LookupIP(ctx, "ip", t.Host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("tempest: no addresses for %s", t.Host)
	}
	return &net.TCPAddr{IP: ips[0], Port: t.Port}, nil
}
