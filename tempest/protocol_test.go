package tempest

import "testing"

func TestNewProtocolRejectsReservedIDs(t *testing.T) {
	if _, err := NewProtocol(0, 1); err == nil {
		t.Fatal("expected error for protocol id 0")
	}
	if _, err := NewProtocol(InternalProtocolID, 1); err == nil {
		t.Fatal("expected error for protocol id 1 (internal)")
	}
}

func TestProtocolCompatibleWith(t *testing.T) {
	p, err := NewProtocol(5, 2, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	other, err := NewProtocol(5, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	if !p.CompatibleWith(other) {
		t.Fatal("expected version 1 to be compatible via declared compatible set")
	}

	mismatched, err := NewProtocol(5, 3)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	if p.CompatibleWith(mismatched) {
		t.Fatal("version 3 was not declared compatible")
	}

	differentID, err := NewProtocol(6, 2)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	if p.CompatibleWith(differentID) {
		t.Fatal("different protocol ids should never be compatible")
	}
}

func TestProtocolRegisterAndCreate(t *testing.T) {
	p, err := NewProtocol(9, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	p.Register(map[uint16]MessageFactory{
		1: func() Message { return &PingMessage{BaseMessage: NewBaseMessage(p, 1)} },
	})

	msg, err := p.Create(1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if msg.MessageType() != 1 {
		t.Fatalf("got message type %d, want 1", msg.MessageType())
	}

	if _, err := p.Create(99); err != ErrUnknownMessageType {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestProtocolRegistryRejectsInternalOverride(t *testing.T) {
	r := NewProtocolRegistry()
	if err := r.RegisterProtocol(controlProtocol); err == nil {
		t.Fatal("expected error registering over the internal protocol id")
	}
}

func TestProtocolRegistryLookup(t *testing.T) {
	r := NewProtocolRegistry()
	p, err := NewProtocol(3, 1)
	if err != nil {
		t.Fatalf("NewProtocol: %v", err)
	}
	if err := r.RegisterProtocol(p); err != nil {
		t.Fatalf("RegisterProtocol: %v", err)
	}
	got, ok := r.Lookup(3)
	if !ok || got != p {
		t.Fatalf("Lookup: got %v %v, want %v true", got, ok, p)
	}
	if _, ok := r.Lookup(200); ok {
		t.Fatal("expected miss for unregistered id")
	}
}
