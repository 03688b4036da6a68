package tempest

import (
	"crypto/rand"
	"fmt"
	"io"

	circled25519 "github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// circlCrypto is the Ed25519/X25519 alternative PublicKeyCrypto
// (spec.md §9's open question on pluggable asymmetric algorithms):
// signatures use circl's Ed25519 implementation, encryption uses
// X25519 via nacl/box's anonymous-sender sealed boxes. Smaller keys
// and faster verification than RSA-4096 at equivalent strength, at
// the cost of needing two unrelated key types (Ed25519 for signing
// keys, X25519 for encryption keys) rather than one RSA key doing
// both jobs.
type circlCrypto struct{}

func (circlCrypto) KeyType() byte { return KeyTypeCirclEd25519X25519 }

// SignatureLength is the Ed25519 signature size.
func (circlCrypto) SignatureLength() int { return circled25519.SignatureSize }

// circlSignKeyPair and circlBoxKeyPair tag which of the two algorithms
// a generated pair belongs to, since GenerateKeyPair must pick one without a separate
// "purpose" argument in the PublicKeyCrypto interface.
type circlSignKeyPair struct {
	priv circled25519.PrivateKey
	pub  circled25519.PublicKey
}

type circlBoxKeyPair struct {
	priv *[32]byte
	pub  *[32]byte
}

// GenerateKeyPair returns an Ed25519 signing pair. Callers that need
// an encryption pair for this key type call GenerateBoxKeyPair
// directly; the handshake code (handshake.go) knows which it needs
// for the server's auth key versus its encrypt key.
func (circlCrypto) GenerateKeyPair(rnd io.Reader) (priv, pub interface{}, err error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pubKey, privKey, err := circled25519.GenerateKey(rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("tempest: generate ed25519 key: %w", err)
	}
	return circlSignKeyPair{priv: privKey, pub: pubKey}, circlSignKeyPair{pub: pubKey}, nil
}

// GenerateBoxKeyPair returns an X25519 encryption pair for use with
// Encrypt/Decrypt.
func (circlCrypto) GenerateBoxKeyPair(rnd io.Reader) (priv, pub interface{}, err error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	pubKey, privKey, err := box.GenerateKey(rnd)
	if err != nil {
		return nil, nil, fmt.Errorf("tempest: generate x25519 key: %w", err)
	}
	return circlBoxKeyPair{priv: privKey}, circlBoxKeyPair{pub: pubKey}, nil
}

func (circlCrypto) MarshalPublicKey(pub interface{}) ([]byte, error) {
	switch k := pub.(type) {
	case circlSignKeyPair:
		out := make([]byte, len(k.pub))
		copy(out, k.pub)
		return out, nil
	case circlBoxKeyPair:
		out := make([]byte, 32)
		copy(out, k.pub[:])
		return out, nil
	default:
		return nil, fmt.Errorf("tempest: not a circl public key")
	}
}

// ParsePublicKey cannot tell an Ed25519 key from an X25519 key by
// length alone (both are 32 bytes), so it returns the raw bytes typed
// as whichever the caller's context demands via ParseSignPublicKey /
// ParseBoxPublicKey. It is kept to satisfy PublicKeyCrypto and always
// returns an error; handshake.go always calls the typed variants.
func (circlCrypto) ParsePublicKey(b []byte) (interface{}, error) {
	return nil, fmt.Errorf("tempest: use ParseSignPublicKey or ParseBoxPublicKey for this key type")
}

func (circlCrypto) ParseSignPublicKey(b []byte) (interface{}, error) {
	if len(b) != circled25519.PublicKeySize {
		return nil, fmt.Errorf("tempest: bad ed25519 public key length")
	}
	pub := make(circled25519.PublicKey, len(b))
	copy(pub, b)
	return circlSignKeyPair{pub: pub}, nil
}

func (circlCrypto) ParseBoxPublicKey(b []byte) (interface{}, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("tempest: bad x25519 public key length")
	}
	var pub [32]byte
	copy(pub[:], b)
	return circlBoxKeyPair{pub: &pub}, nil
}

func (circlCrypto) Sign(priv interface{}, data []byte) ([]byte, error) {
	k, ok := priv.(circlSignKeyPair)
	if !ok || k.priv == nil {
		return nil, fmt.Errorf("tempest: not an ed25519 private key")
	}
	return circled25519.Sign(k.priv, data), nil
}

func (circlCrypto) Verify(pub interface{}, data, sig []byte) bool {
	k, ok := pub.(circlSignKeyPair)
	if !ok {
		return false
	}
	return circled25519.Verify(k.pub, data, sig)
}

func (circlCrypto) Encrypt(pub interface{}, plaintext []byte) ([]byte, error) {
	k, ok := pub.(circlBoxKeyPair)
	if !ok || k.pub == nil {
		return nil, fmt.Errorf("tempest: not an x25519 public key")
	}
	return box.SealAnonymous(nil, plaintext, k.pub, rand.Reader)
}

func (circlCrypto) Decrypt(priv interface{}, ciphertext []byte) ([]byte, error) {
	k, ok := priv.(circlBoxKeyPair)
	if !ok || k.priv == nil {
		return nil, fmt.Errorf("tempest: not an x25519 private key")
	}
	pub, err := boxPublicFromPrivate(k.priv)
	if err != nil {
		return nil, err
	}
	out, ok := box.OpenAnonymous(nil, ciphertext, pub, k.priv)
	if !ok {
		return nil, fmt.Errorf("tempest: box open failed")
	}
	return out, nil
}

// boxPublicFromPrivate recovers the public key from an X25519 private
// scalar; OpenAnonymous needs both even though conceptually only the
// private key is required to decrypt.
func boxPublicFromPrivate(priv *[32]byte) (*[32]byte, error) {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, priv)
	return &pub, nil
}
