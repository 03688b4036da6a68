package tempest

import (
	"reflect"
	"sync"
)

// TypeMap is a per-connection bidirectional assignment of compact u16
// ids to concrete runtime types (spec.md §3). Ids are assigned
// monotonically from 0 in insertion order; the map is append-only.
// New additions accumulate in a staging set that DrainNewTypes
// returns and clears; a serialization flush does not drain it.
type TypeMap struct {
	mu        sync.Mutex
	forward   map[reflect.Type]uint16
	reverse   map[uint16]reflect.Type
	staged    []stagedType
}

type stagedType struct {
	Type reflect.Type
	ID   uint16
}

// NewTypeMap returns an empty TypeMap.
func NewTypeMap() *TypeMap {
	return &TypeMap{
		forward: make(map[reflect.Type]uint16),
		reverse: make(map[uint16]reflect.Type),
	}
}

// GetTypeID returns the id assigned to t, assigning a new one (and
// staging it) if t has not been seen before. The bool return reports
// whether this call performed a fresh assignment.
func (m *TypeMap) GetTypeID(t reflect.Type) (isNew bool, id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.forward[t]; ok {
		return false, id
	}
	id = uint16(len(m.forward))
	m.forward[t] = id
	m.reverse[id] = t
	m.staged = append(m.staged, stagedType{Type: t, ID: id})
	return true, id
}

// ReverseLookup returns the type registered for id.
func (m *TypeMap) ReverseLookup(id uint16) (reflect.Type, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.reverse[id]
	return t, ok
}

// Assign registers t under an explicit id without staging it for
// transmission, used when the peer has told us about a type (read
// path): the peer already knows it, so we don't need to re-announce.
func (m *TypeMap) Assign(t reflect.Type, id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forward[t]; ok {
		return
	}
	m.forward[t] = id
	m.reverse[id] = t
}

// DrainNewTypes returns and clears the set of (type, id) pairs staged
// since the last call. Each pair appears exactly once across calls.
func (m *TypeMap) DrainNewTypes() []stagedType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.staged) == 0 {
		return nil
	}
	out := m.staged
	m.staged = nil
	return out
}

// typeRegistry assigns stable, deterministic ids to concrete
// Serializable types at process-init time, the same way Protocol
// message-type codes are agreed by shared code on both peers rather
// than negotiated on the wire. A connection's TypeMap is seeded from
// this registry so that a type registered identically by both the
// client and server binaries never needs its name to cross the wire
// (spec.md §4.B: "string type names never cross the wire in
// payloads"). Types encountered dynamically beyond the pre-registered
// set still get ids (via TypeMap.GetTypeID) and are staged for
// DrainNewTypes, but decoding them requires the peer to have also
// registered them in the same order -- see DESIGN.md.
type typeRegistry struct {
	mu      sync.Mutex
	forward map[reflect.Type]uint16
	reverse map[uint16]reflect.Type
	order   []reflect.Type
}

var globalTypeRegistry = &typeRegistry{
	forward: make(map[reflect.Type]uint16),
	reverse: make(map[uint16]reflect.Type),
}

// RegisterSerializableType assigns the next id to T's type, in
// registration order. Call this from an init() in code shared by
// every peer that needs to exchange values of this type polymorphically.
func RegisterSerializableType(sample interface{}) {
	t := reflect.TypeOf(sample)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	globalTypeRegistry.mu.Lock()
	defer globalTypeRegistry.mu.Unlock()
	if _, ok := globalTypeRegistry.forward[t]; ok {
		return
	}
	id := uint16(len(globalTypeRegistry.order))
	globalTypeRegistry.forward[t] = id
	globalTypeRegistry.reverse[id] = t
	globalTypeRegistry.order = append(globalTypeRegistry.order, t)
}

// NewConnectionTypeMap seeds a fresh TypeMap from every globally
// registered type, deterministically, so a new connection's map
// starts in lockstep with its peer without a wire handshake for the
// pre-registered set.
func NewConnectionTypeMap() *TypeMap {
	globalTypeRegistry.mu.Lock()
	defer globalTypeRegistry.mu.Unlock()
	m := NewTypeMap()
	for id, t := range globalTypeRegistry.reverse {
		m.forward[t] = id
		m.reverse[id] = t
	}
	return m
}
