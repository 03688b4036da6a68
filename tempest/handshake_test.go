package tempest

import (
	"errors"
	"testing"

	"github.com/tempestnet/tempest/mock"
)

func handshakeTestRegistry(t *testing.T) *ProtocolRegistry {
	t.Helper()
	r := NewProtocolRegistry()
	p, err := NewProtocol(5, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	if err := r.RegisterProtocol(p); err != nil {
		t.Fatalf("RegisterProtocol: %v", err)
	}
	return r
}

func TestHandshakeRoundTripCircl(t *testing.T) {
	client, server := mock.NewPair()
	identity, err := NewServerIdentity(KeyTypeCirclEd25519X25519)
	if err != nil {
		t.Fatalf("NewServerIdentity: %v", err)
	}
	registry := handshakeTestRegistry(t)

	type serverResult struct {
		crypto   *sessionCrypto
		enabled  []ProtocolDescriptor
		err      error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		crypto, enabled, err := serverHandshake(&streamTransport{conn: server}, identity, registry, "SHA256", 99, KeyTypeCirclEd25519X25519)
		serverDone <- serverResult{crypto, enabled, err}
	}()

	offered := registry.All()
	clientCrypto, connID, enabled, err := clientHandshake(&streamTransport{conn: client}, offered, []string{"SHA256"}, KeyTypeCirclEd25519X25519)
	if err != nil {
		t.Fatalf("clientHandshake: %v", err)
	}
	res := <-serverDone
	if res.err != nil {
		t.Fatalf("serverHandshake: %v", res.err)
	}

	if connID != 99 {
		t.Fatalf("connID: got %d, want 99", connID)
	}
	if len(enabled) != 1 || enabled[0].ID != 5 {
		t.Fatalf("client enabled protocols: %+v", enabled)
	}
	if len(res.enabled) != 1 || res.enabled[0].ID != 5 {
		t.Fatalf("server enabled protocols: %+v", res.enabled)
	}

	if string(clientCrypto.sendEncKey) != string(res.crypto.recvEncKey) {
		t.Fatal("client send key does not match server recv key")
	}
	if string(res.crypto.sendEncKey) != string(clientCrypto.recvEncKey) {
		t.Fatal("server send key does not match client recv key")
	}
}

func TestHandshakeNoProtocolOverlapDisconnects(t *testing.T) {
	client, server := mock.NewPair()
	identity, err := NewServerIdentity(KeyTypeCirclEd25519X25519)
	if err != nil {
		t.Fatalf("NewServerIdentity: %v", err)
	}
	registry := handshakeTestRegistry(t)

	serverErr := make(chan error, 1)
	go func() {
		_, _, err := serverHandshake(&streamTransport{conn: server}, identity, registry, "SHA256", 1, KeyTypeCirclEd25519X25519)
		serverErr <- err
	}()

	unmatched, err := NewProtocol(200, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	_, _, _, err = clientHandshake(&streamTransport{conn: client}, []*Protocol{unmatched}, []string{"SHA256"}, KeyTypeCirclEd25519X25519)
	if err == nil {
		t.Fatal("expected client handshake to fail on empty protocol overlap")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if terr.Reason != ReasonIncompatibleVersion {
		t.Fatalf("expected ReasonIncompatibleVersion, got %v", terr.Reason)
	}

	serr := <-serverErr
	if serr == nil {
		t.Fatal("expected server handshake to report the empty overlap too")
	}
	var sterr *TransportError
	if !errors.As(serr, &sterr) {
		t.Fatalf("expected *TransportError, got %T: %v", serr, serr)
	}
	if sterr.Reason != ReasonIncompatibleVersion {
		t.Fatalf("expected ReasonIncompatibleVersion, got %v", sterr.Reason)
	}
}

func TestVerifyHandshakeMessageRejectsWrongKey(t *testing.T) {
	crypto := circlCrypto{}
	priv, _, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, otherPub, err := crypto.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	types := NewTypeMap()
	msg := &AcknowledgeConnectMessage{
		BaseMessage:   NewBaseMessage(controlProtocol, uint16(MsgAcknowledgeConnect)),
		HashAlgorithm: "SHA256",
		ConnectionID:  1,
	}
	sign := func(data []byte) ([]byte, error) { return crypto.Sign(priv, data) }
	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, sign, crypto.SignatureLength())
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	if err := verifyHandshakeMessage(crypto, otherPub, raw); err == nil {
		t.Fatal("expected verification against the wrong public key to fail")
	}
}
