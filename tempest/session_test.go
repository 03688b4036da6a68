package tempest

import (
	"context"
	"testing"
	"time"

	"github.com/tempestnet/tempest/mock"
)

func newTestSessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	clientConn, serverConn := mock.NewPair()
	crypto := loopbackCrypto()
	types := NewConnectionTypeMap()

	cfg := DefaultConfig()
	cfg.PingInterval = 0 // no keepalive goroutine racing the assertions below

	client := newSession(newConnection(1, clientConn, crypto, nil, types, nil), cfg, nil, false, nil)
	server := newSession(newConnection(1, serverConn, crypto, nil, NewConnectionTypeMap(), nil), cfg, nil, true, nil)
	return client, server
}

func TestResponseManagerRegisterResolve(t *testing.T) {
	rm := newResponseManager()
	ch := rm.register(7, time.Minute)

	reply := &PongMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgPong))}
	rm.resolve(7, reply)

	select {
	case got := <-ch:
		if got != Message(reply) {
			t.Fatalf("got %v, want %v", got, reply)
		}
	default:
		t.Fatal("expected resolve to deliver without blocking")
	}
}

func TestResponseManagerResolveIgnoresUnknownID(t *testing.T) {
	rm := newResponseManager()
	rm.register(1, time.Minute)
	rm.resolve(999, &PongMessage{})
	// Resolving an id with no pending slot must not panic or leak into slot 1.
	rm.cancel(1)
}

func TestResponseManagerSweepClosesExpired(t *testing.T) {
	rm := newResponseManager()
	ch := rm.register(1, -time.Second) // already expired
	rm.sweep(time.Now())

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed by sweep")
	}
}

func TestResponseManagerCancelAll(t *testing.T) {
	rm := newResponseManager()
	a := rm.register(1, time.Minute)
	b := rm.register(2, time.Minute)
	rm.cancelAll()

	if _, ok := <-a; ok {
		t.Fatal("expected a closed")
	}
	if _, ok := <-b; ok {
		t.Fatal("expected b closed")
	}
}

func TestSessionSendAssignsMonotonicMessageIDs(t *testing.T) {
	client, server := newTestSessionPair(t)
	defer client.teardown(ReasonSuccess, "", nil)
	defer server.teardown(ReasonSuccess, "", nil)

	received := make(chan Message, 2)
	server.RegisterHandler(controlProtocol.ID, uint16(MsgAcknowledge), func(_ *Session, msg Message) {
		received <- msg
	})

	first := &AcknowledgeMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgAcknowledge))}
	second := &AcknowledgeMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgAcknowledge))}
	if err := client.Send(first); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := client.Send(second); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var ids []uint32
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			ids = append(ids, msg.Header().MessageID)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatched message")
		}
	}
	if len(ids) != 2 || ids[0] >= ids[1] {
		t.Fatalf("expected strictly increasing message ids, got %v", ids)
	}
}

func TestSessionSendForRoundTrip(t *testing.T) {
	client, server := newTestSessionPair(t)
	defer client.teardown(ReasonSuccess, "", nil)
	defer server.teardown(ReasonSuccess, "", nil)

	server.RegisterHandler(controlProtocol.ID, uint16(MsgAcknowledge), func(s *Session, msg Message) {
		reply := &AcknowledgeMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgAcknowledge))}
		if err := s.SendResponse(msg, reply); err != nil {
			t.Errorf("SendResponse: %v", err)
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := &AcknowledgeMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgAcknowledge))}
	resp, err := client.SendFor(ctx, req, time.Second)
	if err != nil {
		t.Fatalf("SendFor: %v", err)
	}
	if resp.Header().ResponseMessageID != req.Header().MessageID {
		t.Fatalf("response-message-id %d, want %d", resp.Header().ResponseMessageID, req.Header().MessageID)
	}
}

func TestSessionSendForTimesOut(t *testing.T) {
	client, server := newTestSessionPair(t)
	defer client.teardown(ReasonSuccess, "", nil)
	defer server.teardown(ReasonSuccess, "", nil)
	// server registers no handler, so the request is never answered

	ctx := context.Background()
	req := &AcknowledgeMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgAcknowledge))}
	_, err := client.SendFor(ctx, req, 50*time.Millisecond)
	if err != ErrResponseCancelled {
		t.Fatalf("expected ErrResponseCancelled on sweep timeout, got %v", err)
	}
}

func TestSessionDispatchControlAnswersPing(t *testing.T) {
	client, server := newTestSessionPair(t)
	defer client.teardown(ReasonSuccess, "", nil)
	defer server.teardown(ReasonSuccess, "", nil)

	time.Sleep(150 * time.Millisecond)
	if client.sinceLastReceived() < 100*time.Millisecond {
		t.Fatal("test setup invariant broken: lastReceived should be stale before the ping round trip")
	}

	if err := server.Send(&PingMessage{BaseMessage: NewBaseMessage(controlProtocol, uint16(MsgPing))}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pong to refresh lastReceived")
		default:
		}
		if server.sinceLastReceived() < 100*time.Millisecond {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	client, server := newTestSessionPair(t)
	defer server.teardown(ReasonSuccess, "", nil)

	if err := client.Disconnect(true, ReasonSuccess, ""); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := client.Disconnect(true, ReasonSuccess, ""); err != nil {
		t.Fatalf("second Disconnect should be a no-op, got: %v", err)
	}
	select {
	case <-client.Done():
	default:
		t.Fatal("expected Done to be closed after teardown")
	}
}
