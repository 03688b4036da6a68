package tempest

import (
	"strings"
	"testing"

	"github.com/tempestnet/tempest/mock"
)

func loopbackCrypto() *sessionCrypto {
	enc := make([]byte, sessionKeyLen)
	auth := make([]byte, sessionAuthKeyLen)
	for i := range enc {
		enc[i] = byte(i)
		auth[i] = byte(i + 1)
	}
	return &sessionCrypto{sendEncKey: enc, sendAuthKey: auth, recvEncKey: enc, recvAuthKey: auth}
}

func TestConnectionWriteReadFrameRoundTrip(t *testing.T) {
	client, server := mock.NewPair()
	crypto := loopbackCrypto()
	protos := []ProtocolDescriptor{{ID: 5, Version: 1}}

	sender := newConnection(1, client, crypto, protos, NewConnectionTypeMap(), nil)
	receiver := newConnection(1, server, crypto, protos, NewConnectionTypeMap(), nil)

	msg := &PingMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgPing))}
	msg.SetHeader(Header{ConnectionID: 1, MessageID: 3})

	done := make(chan error, 1)
	go func() { done <- sender.WriteFrame(msg, 1<<20) }()

	got, err := receiver.ReadFrame(1 << 20)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if werr := <-done; werr != nil {
		t.Fatalf("WriteFrame: %v", werr)
	}
	if got.Header().MessageID != 3 {
		t.Fatalf("got message id %d, want 3", got.Header().MessageID)
	}
}

func TestConnectionWritePartialsReassemblesOverOversizeLimit(t *testing.T) {
	client, server := mock.NewPair()
	crypto := loopbackCrypto()

	sender := newConnection(1, client, crypto, nil, NewConnectionTypeMap(), nil)
	receiver := newConnection(1, server, crypto, nil, NewConnectionTypeMap(), nil)

	msg := &DisconnectMessage{
		BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgDisconnect)),
		Reason:      ReasonCustom,
		Custom:      strings.Repeat("x", 2000),
	}
	msg.SetHeader(Header{ConnectionID: 1, MessageID: 11})

	done := make(chan error, 1)
	go func() { done <- sender.WriteFrame(msg, 256) }()

	got, err := receiver.ReadFrame(1 << 20)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if werr := <-done; werr != nil {
		t.Fatalf("WriteFrame: %v", werr)
	}
	d, ok := got.(*DisconnectMessage)
	if !ok {
		t.Fatalf("got %T, want *DisconnectMessage", got)
	}
	if d.Custom != msg.Custom {
		t.Fatalf("reassembled custom string length %d, want %d", len(d.Custom), len(msg.Custom))
	}
}

func TestConnectionAddFragmentRejectsGap(t *testing.T) {
	c := newConnection(1, nil, loopbackCrypto(), nil, NewConnectionTypeMap(), nil)

	first := &PartialMessage{OriginalMessageID: 1, OriginalType: 9, FragmentIndex: 0, TotalFragments: 3, Data: []byte("a")}
	if _, err := c.addFragment(first); err != nil {
		t.Fatalf("addFragment(0): %v", err)
	}

	skipped := &PartialMessage{OriginalMessageID: 1, OriginalType: 9, FragmentIndex: 2, TotalFragments: 3, Data: []byte("c")}
	if _, err := c.addFragment(skipped); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame for out-of-order fragment, got %v", err)
	}
}

func TestConnectionAddFragmentRejectsNonZeroStart(t *testing.T) {
	c := newConnection(1, nil, loopbackCrypto(), nil, NewConnectionTypeMap(), nil)

	late := &PartialMessage{OriginalMessageID: 5, OriginalType: 9, FragmentIndex: 1, TotalFragments: 2, Data: []byte("b")}
	if _, err := c.addFragment(late); err != ErrMalformedFrame {
		t.Fatalf("expected ErrMalformedFrame for a stream starting mid-sequence, got %v", err)
	}
}
