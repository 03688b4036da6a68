package tempest

import (
	"sync"
	"time"
)

// AuditEventKind distinguishes the connection lifecycle events an
// AuditSink records (SPEC_FULL.md supplemented feature: observability,
// not a persistent message queue).
type AuditEventKind int

const (
	AuditConnectionMade AuditEventKind = iota
	AuditHandshakeCompleted
	AuditDisconnected
)

func (k AuditEventKind) String() string {
	switch k {
	case AuditConnectionMade:
		return "ConnectionMade"
	case AuditHandshakeCompleted:
		return "HandshakeCompleted"
	case AuditDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// AuditEvent is one recorded lifecycle transition.
type AuditEvent struct {
	Kind         AuditEventKind
	ConnectionID uint32
	Reason       DisconnectReason
	Custom       string
	At           time.Time
}

// AuditSink records connection lifecycle events for visibility across
// instances; implementations in audit/ persist to Redis or Postgres,
// this package's MemorySink is the in-process default.
type AuditSink interface {
	Record(event AuditEvent) error
}

// MemorySink is the bounded in-memory AuditSink, suitable for tests
// and single-instance deployments.
type MemorySink struct {
	mu     sync.Mutex
	limit  int
	events []AuditEvent
}

// NewMemoryAuditSink returns an AuditSink that keeps the most recent
// limit events in memory.
func NewMemoryAuditSink(limit int) *MemorySink {
	if limit <= 0 {
		limit = 1024
	}
	return &MemorySink{limit: limit}
}

func (m *MemorySink) Record(event AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a snapshot of the recorded events, oldest first.
func (m *MemorySink) Events() []AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEvent, len(m.events))
	copy(out, m.events)
	return out
}
