package tempest

import "io"

// Key-type tags exchanged in FinalConnectMessage.ClientKeyType and
// implied by the server's fixed configuration, selecting which
// PublicKeyCrypto implementation interprets a peer's public key bytes
// (spec.md §4.E, extended per §9's open question on pluggable
// asymmetric algorithms).
const (
	KeyTypeRSA4096 byte = 1
	KeyTypeCirclEd25519X25519 byte = 2
)

// PublicKeyCrypto is the capability interface for the asymmetric
// operations the handshake needs: signing/verifying the
// AcknowledgeConnect and FinalConnect messages, and encrypting the
// AES session key under the server's public key. RSA-4096 is the
// default (crypto_rsa.go); an Ed25519/X25519 alternative is provided
// for deployments that prefer smaller keys (crypto_circl.go).
type PublicKeyCrypto interface {
	// KeyType returns the tag identifying this implementation on the wire.
	KeyType() byte

	// SignatureLength returns the exact byte length Sign produces,
	// needed by the frame codec to locate the trailing signature
	// field without a length prefix of its own (frame.go).
	SignatureLength() int

	// GenerateKeyPair returns a fresh (private, public) pair's opaque
	// handles; callers pass them back into Sign/Decrypt and
	// Verify/Encrypt respectively.
	GenerateKeyPair(rand io.Reader) (priv, pub interface{}, err error)

	// MarshalPublicKey encodes pub for wire transmission.
	MarshalPublicKey(pub interface{}) ([]byte, error)

	// ParsePublicKey decodes bytes produced by MarshalPublicKey.
	ParsePublicKey(b []byte) (interface{}, error)

	// Sign produces a detached signature over data using priv.
	Sign(priv interface{}, data []byte) ([]byte, error)

	// Verify reports whether sig is a valid signature over data by pub.
	Verify(pub interface{}, data, sig []byte) bool

	// Encrypt produces ciphertext decryptable only by the holder of
	// the private key matching pub.
	Encrypt(pub interface{}, plaintext []byte) ([]byte, error)

	// Decrypt reverses Encrypt using priv.
	Decrypt(priv interface{}, ciphertext []byte) ([]byte, error)
}

// publicKeyCryptoByType resolves a KeyType tag to its implementation.
func publicKeyCryptoByType(t byte) (PublicKeyCrypto, bool) {
	switch t {
	case KeyTypeRSA4096:
		return rsaCrypto{}, true
	case KeyTypeCirclEd25519X25519:
		return circlCrypto{}, true
	default:
		return nil, false
	}
}
