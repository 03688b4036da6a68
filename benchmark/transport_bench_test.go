// transport_bench_test.go
package benchmark

import (
	"context"
	"testing"
	"time"

	"github.com/tempestnet/tempest/tempest"
)

// --------------------
// Test data
// --------------------
var (
	smallPayload  = []byte("small message payload")
	mediumPayload = make([]byte, 512*1024)    // 512 KB
	largePayload  = make([]byte, 5*1024*1024) // 5 MB
)

func init() {
	for i := range mediumPayload {
		mediumPayload[i] = byte(i % 256)
	}
	for i := range largePayload {
		largePayload[i] = byte(i % 256)
	}
}

// benchMessage carries an opaque payload over the wire, exercising
// the same authenticated+encrypted frame path as production messages
// (AES-256-CBC plus HMAC-SHA256, per the handshake-negotiated session
// keys).
type benchMessage struct {
	tempest.BaseMessage
	Payload []byte
}

func (m *benchMessage) Authenticated() bool { return true }
func (m *benchMessage) Encrypted() bool     { return true }

func (m *benchMessage) WritePayload(ctx *tempest.SerializeContext, w *tempest.Writer) error {
	w.WriteBytes(m.Payload)
	return nil
}

func (m *benchMessage) ReadPayload(ctx *tempest.DeserializeContext, r *tempest.Reader) error {
	data, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.Payload = data
	return nil
}

var benchProtocol = mustBenchProtocol()

func mustBenchProtocol() *tempest.Protocol {
	p, err := tempest.NewProtocol(50, 1)
	if err != nil {
		panic(err)
	}
	p.Register(map[uint16]tempest.MessageFactory{
		1: func() tempest.Message { return &benchMessage{BaseMessage: tempest.NewBaseMessage(p, 1)} },
	})
	if err := tempest.Protocols.RegisterProtocol(p); err != nil {
		panic(err)
	}
	return p
}

// simulateTransportSend round-trips data through a full handshaken
// session over a real TCP loopback connection: frame encode, AES-CBC
// encrypt, HMAC sign, socket write, socket read, HMAC verify, AES-CBC
// decrypt, frame decode.
func simulateTransportSend(b *testing.B, data []byte) {
	server, client := newLoopbackSessionPair(b)
	defer server.Disconnect(true, tempest.ReasonSuccess, "")
	defer client.Disconnect(true, tempest.ReasonSuccess, "")

	received := make(chan struct{}, 1)
	server.RegisterHandler(benchProtocol.ID, 1, func(_ *tempest.Session, _ tempest.Message) {
		received <- struct{}{}
	})

	b.SetBytes(int64(len(data)))
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		msg := &benchMessage{BaseMessage: tempest.NewBaseMessage(benchProtocol, 1), Payload: data}
		if err := client.Send(msg); err != nil {
			b.Fatal(err)
		}
		<-received
	}
}

func BenchmarkTempest_Transport_SmallPayload(b *testing.B)  { simulateTransportSend(b, smallPayload) }
func BenchmarkTempest_Transport_MediumPayload(b *testing.B) { simulateTransportSend(b, mediumPayload) }
func BenchmarkTempest_Transport_LargePayload(b *testing.B)  { simulateTransportSend(b, largePayload) }

// newLoopbackSessionPair drives a real handshake over TCP loopback and
// returns the session accepted server-side paired with the one the
// client holds, so benchmarks measure steady-state send/receive cost
// rather than connection setup.
func newLoopbackSessionPair(tb testing.TB) (server, client *tempest.Session) {
	tb.Helper()
	registry := tempest.NewProtocolRegistry()
	if err := registry.RegisterProtocol(benchProtocol); err != nil {
		tb.Fatalf("RegisterProtocol: %v", err)
	}

	identity, err := tempest.NewServerIdentity(tempest.KeyTypeCirclEd25519X25519)
	if err != nil {
		tb.Fatalf("NewServerIdentity: %v", err)
	}

	cfg := tempest.DefaultConfig()
	cfg.PingInterval = 0
	cfg.MaxMessageLength = 64 << 20

	accepted := make(chan *tempest.Session, 1)
	srv := tempest.NewServer(&tempest.ServerConfig{
		Config:        cfg,
		Protocols:     registry,
		Identity:      identity,
		ClientKeyType: tempest.KeyTypeCirclEd25519X25519,
		OnConnectionMade: func(sess *tempest.Session) bool {
			accepted <- sess
			return true
		},
	})
	if err := srv.Start("127.0.0.1:0"); err != nil {
		tb.Fatalf("Start: %v", err)
	}
	tb.Cleanup(func() { srv.Stop() })

	cl := tempest.NewClient(&tempest.ClientConfig{
		Config:    cfg,
		Protocols: []*tempest.Protocol{benchProtocol},
		KeyType:   tempest.KeyTypeCirclEd25519X25519,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientSess, err := cl.Connect(ctx, srv.Addr().String())
	if err != nil {
		tb.Fatalf("Connect: %v", err)
	}

	select {
	case serverSess := <-accepted:
		return serverSess, clientSess
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for server to accept the connection")
		return nil, nil
	}
}
