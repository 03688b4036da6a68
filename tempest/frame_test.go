package tempest

import (
	"errors"
	"testing"
)

func TestEncodeDecodeFrameUnauthenticated(t *testing.T) {
	types := NewTypeMap()
	// ConnectMessage is the one message type still sent unauthenticated
	// and unencrypted, since it's the handshake opener exchanged before
	// any session crypto exists.
	msg := &ConnectMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgConnect))}
	h := msg.Header()
	h.ConnectionID = 7
	h.MessageID = 1
	msg.SetHeader(*h)

	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, nil, 0)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	got, err := decodeFrame(raw, NewDeserializeContext(types), nil, nil, 0)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.Header().ConnectionID != 7 || got.Header().MessageID != 1 {
		t.Fatalf("header mismatch: %+v", got.Header())
	}
}

func TestEncodeDecodeFrameHMACAuthenticated(t *testing.T) {
	types := NewTypeMap()
	key := []byte("0123456789abcdef0123456789abcdef")
	msg := &AcknowledgeConnectMessage{
		BaseMessage:   NewBaseMessage(controlProtocol, uint16(MsgAcknowledgeConnect)),
		HashAlgorithm: "SHA256",
		ConnectionID:  42,
	}

	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, hmacSigner(key), hmacTagLen)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	got, err := decodeFrame(raw, NewDeserializeContext(types), nil, hmacVerifier(key), hmacTagLen)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	ack := got.(*AcknowledgeConnectMessage)
	if ack.ConnectionID != 42 || ack.HashAlgorithm != "SHA256" {
		t.Fatalf("got %+v", ack)
	}
}

func TestDecodeFrameRejectsTamperedSignature(t *testing.T) {
	types := NewTypeMap()
	key := []byte("0123456789abcdef0123456789abcdef")
	msg := &AcknowledgeConnectMessage{
		BaseMessage:   NewBaseMessage(controlProtocol, uint16(MsgAcknowledgeConnect)),
		HashAlgorithm: "SHA256",
		ConnectionID:  42,
	}

	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, hmacSigner(key), hmacTagLen)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	raw[len(raw)-1] ^= 0xFF // flip a byte inside the signature

	if _, err := decodeFrame(raw, NewDeserializeContext(types), nil, hmacVerifier(key), hmacTagLen); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestEncodeDecodeFrameEncryptedPayload(t *testing.T) {
	types := NewTypeMap()
	crypto := &sessionCrypto{
		sendEncKey:  make([]byte, 32),
		sendAuthKey: make([]byte, 32),
		recvEncKey:  make([]byte, 32),
		recvAuthKey: make([]byte, 32),
	}
	for i := range crypto.sendEncKey {
		crypto.sendEncKey[i] = byte(i)
		crypto.recvEncKey[i] = byte(i) // same peer loopback for the test
	}

	msg := &ConnectedMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgConnected))}
	msg.SetHeader(Header{MessageID: 5})

	raw, err := encodeFrame(msg, NewSerializeContext(types), crypto, hmacSigner(crypto.sendAuthKey), hmacTagLen)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	got, err := decodeFrame(raw, NewDeserializeContext(types), crypto, hmacVerifier(crypto.sendAuthKey), hmacTagLen)
	if err != nil {
		t.Fatalf("decodeFrame: %v", err)
	}
	if got.Header().MessageID != 5 {
		t.Fatalf("got message id %d, want 5", got.Header().MessageID)
	}
}

func TestDecodeFrameRejectsMissingFlagsWhenEncryptionRequired(t *testing.T) {
	types := NewTypeMap()
	msg := &ConnectMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgConnect))}
	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, nil, 0)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}

	crypto := &sessionCrypto{
		sendEncKey: make([]byte, 32), sendAuthKey: make([]byte, 32),
		recvEncKey: make([]byte, 32), recvAuthKey: make([]byte, 32),
		requireEncryption: true,
	}
	_, err = decodeFrame(raw, NewDeserializeContext(types), crypto, hmacVerifier(crypto.recvAuthKey), hmacTagLen)
	if err == nil {
		t.Fatal("expected a cleartext frame to be rejected when requireEncryption is set")
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TransportError, got %T: %v", err, err)
	}
	if terr.Reason != ReasonEncryptionMismatch {
		t.Fatalf("expected ReasonEncryptionMismatch, got %v", terr.Reason)
	}
}

func TestDecodeFrameRejectsLengthMismatch(t *testing.T) {
	types := NewTypeMap()
	msg := &ConnectMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgConnect))}
	raw, err := encodeFrame(msg, NewSerializeContext(types), nil, nil, 0)
	if err != nil {
		t.Fatalf("encodeFrame: %v", err)
	}
	truncated := raw[:len(raw)-1]
	if _, err := decodeFrame(truncated, NewDeserializeContext(types), nil, nil, 0); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}
