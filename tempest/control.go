package tempest

// Internal control protocol message-type codes (spec.md §4.C). Codes
// 1..9 inside protocol 1 are reserved; application protocols never
// see this id.
const (
	MsgPing byte = iota + 1
	MsgPong
	MsgDisconnect
	MsgConnect
	MsgAcknowledgeConnect
	MsgFinalConnect
	MsgConnected
	MsgAcknowledge
	MsgPartial
)

var controlProtocol = mustControlProtocol()

func mustControlProtocol() *Protocol {
	p := &Protocol{ID: InternalProtocolID, Version: 1}
	p.factories = map[uint16]MessageFactory{
		uint16(MsgPing):              func() Message { return &PingMessage{BaseMessage: NewBaseMessage(p, uint16(MsgPing))} },
		uint16(MsgPong):              func() Message { return &PongMessage{BaseMessage: NewBaseMessage(p, uint16(MsgPong))} },
		uint16(MsgDisconnect):        func() Message { return &DisconnectMessage{BaseMessage: NewBaseMessage(p, uint16(MsgDisconnect))} },
		uint16(MsgConnect):           func() Message { return &ConnectMessage{BaseMessage: NewBaseMessage(p, uint16(MsgConnect))} },
		uint16(MsgAcknowledgeConnect): func() Message {
			return &AcknowledgeConnectMessage{BaseMessage: NewBaseMessage(p, uint16(MsgAcknowledgeConnect))}
		},
		uint16(MsgFinalConnect): func() Message { return &FinalConnectMessage{BaseMessage: NewBaseMessage(p, uint16(MsgFinalConnect))} },
		uint16(MsgConnected):    func() Message { return &ConnectedMessage{BaseMessage: NewBaseMessage(p, uint16(MsgConnected))} },
		uint16(MsgAcknowledge):  func() Message { return &AcknowledgeMessage{BaseMessage: NewBaseMessage(p, uint16(MsgAcknowledge))} },
		uint16(MsgPartial):      func() Message { return &PartialMessage{BaseMessage: NewBaseMessage(p, uint16(MsgPartial))} },
	}
	return p
}

// ControlProtocol returns the reserved internal protocol (id=1).
func ControlProtocol() *Protocol { return controlProtocol }

// ProtocolDescriptor is the (id, version) pair advertised during the
// handshake; it does not carry the compatible-versions set, since only
// the receiving side's registered Protocol needs that to evaluate
// CompatibleWith.
type ProtocolDescriptor struct {
	ID      byte
	Version uint32
}

func writeProtocolDescriptors(w *Writer, ds []ProtocolDescriptor) {
	w.WriteVarUint(uint64(len(ds)))
	for _, d := range ds {
		w.writeByteRaw(d.ID)
		w.WriteUint32(d.Version)
	}
}

func readProtocolDescriptors(r *Reader) ([]ProtocolDescriptor, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > 1<<16 {
		return nil, ErrMalformedFrame
	}
	out := make([]ProtocolDescriptor, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		ver, err := r.ReadUint32()
		if err != nil {
			return nil, err
		}
		out = append(out, ProtocolDescriptor{ID: id, Version: ver})
	}
	return out, nil
}

func writeStrings(w *Writer, ss []string) {
	w.WriteVarUint(uint64(len(ss)))
	for _, s := range ss {
		w.WriteStringValue(s)
	}
}

func readStrings(r *Reader) ([]string, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > 1<<16 {
		return nil, ErrMalformedFrame
	}
	out := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := r.ReadStringValue()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// PingMessage/PongMessage carry no payload; they drive the keepalive
// liveness check of spec.md §4.F. Like every non-handshake frame, they
// go out encrypted and authenticated under the session keys (spec.md
// §4.E: "the internal Ping/Pong/Disconnect/Partial/Acknowledge
// messages inherit the same requirement").
type PingMessage struct{ BaseMessage }

func (m *PingMessage) Authenticated() bool { return true }
func (m *PingMessage) Encrypted() bool     { return true }

func (m *PingMessage) WritePayload(ctx *SerializeContext, w *Writer) error { return nil }
func (m *PingMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error { return nil }

type PongMessage struct{ BaseMessage }

func (m *PongMessage) Authenticated() bool { return true }
func (m *PongMessage) Encrypted() bool     { return true }

func (m *PongMessage) WritePayload(ctx *SerializeContext, w *Writer) error  { return nil }
func (m *PongMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error { return nil }

// DisconnectMessage carries the reason code (and, for ReasonCustom, a
// string) that closes the connection (spec.md §6). Always sent
// post-handshake, so it too is encrypted and authenticated.
type DisconnectMessage struct {
	BaseMessage
	Reason DisconnectReason
	Custom string
}

func (m *DisconnectMessage) Authenticated() bool { return true }
func (m *DisconnectMessage) Encrypted() bool     { return true }

func (m *DisconnectMessage) WritePayload(ctx *SerializeContext, w *Writer) error {
	w.writeByteRaw(byte(m.Reason))
	if m.Reason == ReasonCustom {
		w.WriteStringValue(m.Custom)
	}
	return nil
}

func (m *DisconnectMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Reason = DisconnectReason(b)
	if m.Reason == ReasonCustom {
		s, err := r.ReadStringValue()
		if err != nil {
			return err
		}
		m.Custom = s
	}
	return nil
}

// ConnectMessage is the client's handshake opener: supported hash
// algorithms and the protocols it wishes to speak. Neither encrypted
// nor signed (spec.md §4.E).
type ConnectMessage struct {
	BaseMessage
	HashAlgorithms []string
	Protocols      []ProtocolDescriptor
}

func (m *ConnectMessage) Authenticated() bool { return false }
func (m *ConnectMessage) Encrypted() bool     { return false }

func (m *ConnectMessage) WritePayload(ctx *SerializeContext, w *Writer) error {
	writeStrings(w, m.HashAlgorithms)
	writeProtocolDescriptors(w, m.Protocols)
	return nil
}

func (m *ConnectMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error {
	algs, err := readStrings(r)
	if err != nil {
		return err
	}
	protos, err := readProtocolDescriptors(r)
	if err != nil {
		return err
	}
	m.HashAlgorithms, m.Protocols = algs, protos
	return nil
}

// AcknowledgeConnectMessage is the server's reply: the chosen hash
// algorithm, the negotiated protocol intersection, the assigned
// connection id, and the server's public keys. Signed with the
// server's authentication private key (spec.md §4.E).
type AcknowledgeConnectMessage struct {
	BaseMessage
	HashAlgorithm      string
	EnabledProtocols   []ProtocolDescriptor
	ConnectionID       uint32
	ServerEncryptKey   []byte
	ServerAuthKey      []byte
}

func (m *AcknowledgeConnectMessage) Authenticated() bool { return true }

func (m *AcknowledgeConnectMessage) WritePayload(ctx *SerializeContext, w *Writer) error {
	w.WriteStringValue(m.HashAlgorithm)
	writeProtocolDescriptors(w, m.EnabledProtocols)
	w.WriteUint32(m.ConnectionID)
	w.WriteBytes(m.ServerEncryptKey)
	w.WriteBytes(m.ServerAuthKey)
	return nil
}

func (m *AcknowledgeConnectMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error {
	alg, err := r.ReadStringValue()
	if err != nil {
		return err
	}
	protos, err := readProtocolDescriptors(r)
	if err != nil {
		return err
	}
	cid, err := r.ReadUint32()
	if err != nil {
		return err
	}
	encKey, err := r.ReadBytes()
	if err != nil {
		return err
	}
	authKey, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.HashAlgorithm, m.EnabledProtocols, m.ConnectionID = alg, protos, cid
	m.ServerEncryptKey, m.ServerAuthKey = encKey, authKey
	return nil
}

// FinalConnectMessage carries the AES session key, encrypted under the
// server's public encryption key, plus the client's own public
// authentication key. Signed with the client's authentication private
// key (spec.md §4.E).
type FinalConnectMessage struct {
	BaseMessage
	EncryptedSessionKey []byte
	ClientKeyType       byte
	ClientAuthKey       []byte
}

func (m *FinalConnectMessage) Authenticated() bool { return true }

func (m *FinalConnectMessage) WritePayload(ctx *SerializeContext, w *Writer) error {
	w.WriteBytes(m.EncryptedSessionKey)
	w.writeByteRaw(m.ClientKeyType)
	w.WriteBytes(m.ClientAuthKey)
	return nil
}

func (m *FinalConnectMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error {
	key, err := r.ReadBytes()
	if err != nil {
		return err
	}
	kt, err := r.ReadByte()
	if err != nil {
		return err
	}
	authKey, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.EncryptedSessionKey, m.ClientKeyType, m.ClientAuthKey = key, kt, authKey
	return nil
}

// ConnectedMessage has an empty payload; it signals the session is
// live and, once received, uses the freshly-derived session crypto
// (spec.md §4.E).
type ConnectedMessage struct{ BaseMessage }

func (m *ConnectedMessage) Authenticated() bool { return true }
func (m *ConnectedMessage) Encrypted() bool     { return true }

func (m *ConnectedMessage) WritePayload(ctx *SerializeContext, w *Writer) error  { return nil }
func (m *ConnectedMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error { return nil }

// AcknowledgeMessage is a future extension point per spec.md §9's open
// questions: it is registered so frames naming it parse cleanly, but
// nothing in the core paths sends one.
type AcknowledgeMessage struct{ BaseMessage }

func (m *AcknowledgeMessage) Authenticated() bool { return true }
func (m *AcknowledgeMessage) Encrypted() bool     { return true }

func (m *AcknowledgeMessage) WritePayload(ctx *SerializeContext, w *Writer) error  { return nil }
func (m *AcknowledgeMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error { return nil }

// PartialMessage carries one fragment of an oversize payload (spec.md
// §4.D). FragmentIndex is strictly ordered; gaps or duplicates
// disconnect the sender (ReasonFailedUnknown).
type PartialMessage struct {
	BaseMessage
	OriginalMessageID uint32
	OriginalType      uint16
	FragmentIndex     uint32
	TotalFragments    uint32
	Data              []byte
}

func (m *PartialMessage) Authenticated() bool { return true }
func (m *PartialMessage) Encrypted() bool     { return true }

func (m *PartialMessage) WritePayload(ctx *SerializeContext, w *Writer) error {
	w.WriteUint32(m.OriginalMessageID)
	w.WriteUint16(m.OriginalType)
	w.WriteUint32(m.FragmentIndex)
	w.WriteUint32(m.TotalFragments)
	w.WriteBytes(m.Data)
	return nil
}

func (m *PartialMessage) ReadPayload(ctx *DeserializeContext, r *Reader) error {
	id, err := r.ReadUint32()
	if err != nil {
		return err
	}
	typ, err := r.ReadUint16()
	if err != nil {
		return err
	}
	idx, err := r.ReadUint32()
	if err != nil {
		return err
	}
	total, err := r.ReadUint32()
	if err != nil {
		return err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return err
	}
	m.OriginalMessageID, m.OriginalType, m.FragmentIndex, m.TotalFragments, m.Data = id, typ, idx, total, data
	return nil
}
