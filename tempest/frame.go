package tempest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Frame flag bits (spec.md §4.D / §6): bit0 is encrypted, bit1 is
// authenticated, bit2 is is-response. There is no separate on-wire
// bool for is-response; the flag bit alone gates the optional
// response-message-id field.
const (
	flagEncrypted     byte = 1 << 0
	flagAuthenticated byte = 1 << 1
	flagIsResponse    byte = 1 << 2
)

// sessionCrypto carries the symmetric keys negotiated by the
// handshake (spec.md §4.E): AES-256-CBC for confidentiality,
// HMAC-SHA256 for per-frame authentication, each direction keyed
// separately so a compromised send key never lets an attacker forge
// frames claiming to be the peer.
type sessionCrypto struct {
	sendEncKey  []byte
	sendAuthKey []byte
	recvEncKey  []byte
	recvAuthKey []byte

	// requireEncryption mirrors Config.RequireEncryption for the
	// connection this crypto belongs to. decodeFrame only has the
	// sessionCrypto to consult, not the Config itself, so the flag
	// rides along here; it is false (the default zero value) on
	// sessionCrypto values built directly in tests unless a test sets
	// it to exercise this check.
	requireEncryption bool
}

// hmacTagLen is the fixed HMAC-SHA256 output size, used as the sigLen
// argument to encodeFrame/decodeFrame for every post-handshake,
// session-keyed frame.
const hmacTagLen = 32

func signHMAC(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func verifyHMAC(key, data, tag []byte) bool {
	return hmac.Equal(signHMAC(key, data), tag)
}

// encryptAESCBC encrypts plaintext under key with a fresh random IV,
// PKCS#7 padding it to the AES block size, and returns (iv, ciphertext).
func encryptAESCBC(key, plaintext []byte) (iv, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("tempest: aes key: %w", err)
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	iv = make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("tempest: generate iv: %w", err)
	}
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return iv, ciphertext, nil
}

func decryptAESCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("tempest: aes key: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrMalformedFrame
	}
	if len(iv) != block.BlockSize() {
		return nil, ErrMalformedFrame
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrMalformedFrame
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, ErrMalformedFrame
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrMalformedFrame
		}
	}
	return data[:len(data)-padLen], nil
}

// frameSigner produces a detached signature over the header+payload
// bytes preceding the signature-length field (spec.md §4.D step 4).
// Session-established messages sign with the negotiated HMAC-SHA256
// key; the handshake messages that are Authenticated before a session
// key exists (AcknowledgeConnect, FinalConnect) sign with the
// relevant peer's asymmetric PublicKeyCrypto instead (handshake.go).
type frameSigner func(data []byte) ([]byte, error)
type frameVerifier func(data, sig []byte) bool

func hmacSigner(key []byte) frameSigner {
	return func(data []byte) ([]byte, error) { return signHMAC(key, data), nil }
}

func hmacVerifier(key []byte) frameVerifier {
	return func(data, sig []byte) bool { return verifyHMAC(key, data, sig) }
}

// encodeFrame implements the wire layout of spec.md §4.D:
//
//	u8  protocol-id
//	u8  flags
//	u32 connection-id
//	u16 message-type
//	u32 total-length        (whole frame, this field included)
//	[ u16 iv-len; iv bytes ]            if encrypted
//	u32 message-id
//	[ u32 response-message-id ]         if is-response
//	payload bytes
//	[ u16 signature-len; signature bytes ]  if authenticated
//
// sigLen must be the exact byte length the configured signer will
// produce (32 for HMAC-SHA256, the RSA modulus size for RSA-PSS, 64
// for Ed25519) so total-length can be written before the signature
// itself is computed over the preceding bytes.
func encodeFrame(msg Message, ctx *SerializeContext, crypto *sessionCrypto, sign frameSigner, sigLen int) ([]byte, error) {
	pw := NewWriter()
	if err := msg.WritePayload(ctx, pw); err != nil {
		return nil, err
	}
	payload, err := pw.Flush()
	if err != nil {
		return nil, err
	}

	h := msg.Header()
	authenticated := msg.Authenticated()
	encrypted := msg.Encrypted()

	var iv []byte
	if encrypted {
		if crypto == nil {
			return nil, fmt.Errorf("tempest: encrypted message requires session crypto")
		}
		iv, payload, err = encryptAESCBC(crypto.sendEncKey, payload)
		if err != nil {
			return nil, err
		}
	}

	fixedLen := 1 + 1 + 4 + 2 + 4 // protocolID + flags + connID + msgType + totalLength
	if encrypted {
		fixedLen += 2 + len(iv)
	}
	fixedLen += 4 // messageID
	if h.IsResponse {
		fixedLen += 4
	}
	fixedLen += len(payload)
	if authenticated {
		fixedLen += 2 + sigLen
	}

	hw := NewWriter()
	hw.writeByteRaw(msg.Protocol().ID)
	var flags byte
	if encrypted {
		flags |= flagEncrypted
	}
	if authenticated {
		flags |= flagAuthenticated
	}
	if h.IsResponse {
		flags |= flagIsResponse
	}
	hw.writeByteRaw(flags)
	hw.WriteUint32(h.ConnectionID)
	hw.WriteUint16(msg.MessageType())
	hw.WriteUint32(uint32(fixedLen))
	if encrypted {
		hw.WriteUint16(uint16(len(iv)))
		hw.WriteRaw(iv)
	}
	hw.WriteUint32(h.MessageID)
	if h.IsResponse {
		hw.WriteUint32(h.ResponseMessageID)
	}
	header, err := hw.Flush()
	if err != nil {
		return nil, err
	}

	full := append(header, payload...)

	if authenticated {
		if sign == nil {
			return nil, fmt.Errorf("tempest: authenticated message requires a signer")
		}
		tag, err := sign(full)
		if err != nil {
			return nil, err
		}
		if len(tag) != sigLen {
			return nil, fmt.Errorf("tempest: signature length %d does not match declared %d", len(tag), sigLen)
		}
		sw := NewWriter()
		sw.WriteUint16(uint16(len(tag)))
		sw.WriteRaw(tag)
		sigBytes, err := sw.Flush()
		if err != nil {
			return nil, err
		}
		full = append(full, sigBytes...)
	}
	return full, nil
}

// decodeFrame parses the wire layout documented on encodeFrame,
// verifying the signature (if the authenticated flag is set) and
// decrypting the payload (if the encrypted flag is set), then
// dispatching to the registered MessageFactory for final payload
// decoding. A nil verifier means the caller will authenticate the
// message out of band once it has parsed enough of the payload to
// build one (the handshake's bootstrap problem: AcknowledgeConnect
// and FinalConnect carry the very public key needed to verify their
// own signature).
//
// The payload itself has no explicit length prefix on the wire --
// its extent is implied by total-length minus the other, individually
// sized fields. Since the trailing signature-length field sits after
// the payload, its own position can't be found by scanning forward
// without already knowing the payload's length. sigLen breaks that
// circularity: it is the caller-supplied, algorithm-determined byte
// length the signature is expected to have (32 for session
// HMAC-SHA256, the RSA modulus size for RSA-PSS, 64 for Ed25519),
// exactly mirroring the sigLen argument encodeFrame takes.
func decodeFrame(raw []byte, ctx *DeserializeContext, crypto *sessionCrypto, verify frameVerifier, sigLen int) (Message, error) {
	r := NewReader(raw)
	protoID, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	flags, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	connID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	msgType, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	totalLength, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(totalLength) != len(raw) {
		return nil, ErrMalformedFrame
	}

	encrypted := flags&flagEncrypted != 0
	authenticated := flags&flagAuthenticated != 0
	isResponse := flags&flagIsResponse != 0

	// spec.md §6: "require-encryption ... if true, post-handshake
	// frames without encrypted+authenticated flags are rejected." crypto
	// is only non-nil for post-handshake reads (handshake messages
	// decode with crypto=nil and verify their signature separately), so
	// that's the signal this check is scoped to.
	if crypto != nil && crypto.requireEncryption && !(encrypted && authenticated) {
		return nil, newTransportError(ReasonEncryptionMismatch, fmt.Errorf("tempest: post-handshake frame missing encryption/authentication flags"))
	}

	var iv []byte
	if encrypted {
		ivLen, err := r.ReadUint16()
		if err != nil {
			return nil, err
		}
		if err := r.need(int(ivLen)); err != nil {
			return nil, err
		}
		iv = make([]byte, ivLen)
		copy(iv, raw[r.pos:r.pos+int(ivLen)])
		r.pos += int(ivLen)
	}

	msgID, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	var responseMsgID uint32
	if isResponse {
		responseMsgID, err = r.ReadUint32()
		if err != nil {
			return nil, err
		}
	}

	payloadStart := r.pos
	payloadEnd := len(raw)
	var sig []byte
	if authenticated {
		trailer := 2 + sigLen
		if payloadEnd-trailer < payloadStart {
			return nil, ErrMalformedFrame
		}
		payloadEnd -= trailer
		declaredLen := int(leUint16(raw[payloadEnd:]))
		if declaredLen != sigLen {
			return nil, ErrMalformedFrame
		}
		sig = raw[payloadEnd+2:]
	}

	if payloadEnd < payloadStart {
		return nil, ErrMalformedFrame
	}
	payload := raw[payloadStart:payloadEnd]

	if authenticated && verify != nil {
		signed := raw[:payloadEnd]
		if !verify(signed, sig) {
			return nil, newTransportError(ReasonMessageAuthFailed, nil)
		}
	}

	proto, ok := Protocols.Lookup(protoID)
	if !ok {
		return nil, ErrUnknownProtocol
	}
	msg, err := proto.Create(msgType)
	if err != nil {
		return nil, err
	}

	plaintext := payload
	if encrypted {
		if crypto == nil {
			return nil, fmt.Errorf("tempest: encrypted frame received before session crypto established")
		}
		plaintext, err = decryptAESCBC(crypto.recvEncKey, iv, payload)
		if err != nil {
			return nil, err
		}
	}

	if err := msg.ReadPayload(ctx, NewReader(plaintext)); err != nil {
		return nil, err
	}

	msg.SetHeader(Header{
		ProtocolID:        protoID,
		ConnectionID:      connID,
		MessageType:       msgType,
		Length:            totalLength,
		IV:                iv,
		MessageID:         msgID,
		IsResponse:        isResponse,
		ResponseMessageID: responseMsgID,
	})
	return msg, nil
}

func leUint16(b []byte) uint16 {
	return uint16(b[0]) | uint16(b[1])<<8
}
